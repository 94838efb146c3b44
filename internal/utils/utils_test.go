package utils

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	// SOI (Start of Image): FF D8
	// EOI (End of Image):   FF D9

	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...) // Garbage at end

	// Use bufio.Scanner with our custom Split function
	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	// Scan() should skip the first garbage bytes and find the JPEG
	if !scanner.Scan() {
		t.Fatal("Expected to find a token, got EOF")
	}

	// Verify the extracted token is exactly the JPEG
	if !bytes.Equal(scanner.Bytes(), jpegData) {
		t.Errorf("Expected %X, got %X", jpegData, scanner.Bytes())
	}

	// Scan() again should return false (EOF) because the trailing garbage is not a JPEG
	if scanner.Scan() {
		t.Error("Expected only one token, found more")
	}
}

func TestSplitJpeg_MultipleFrames(t *testing.T) {
	a := []byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9}
	b := []byte{0xFF, 0xD8, 0xBB, 0xCC, 0xFF, 0xD9}
	stream := append(append([]byte{}, a...), b...)

	scanner := bufio.NewScanner(bytes.NewReader(stream))
	scanner.Split(SplitJpeg)

	var frames [][]byte
	for scanner.Scan() {
		frames = append(frames, append([]byte(nil), scanner.Bytes()...))
	}
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	if !bytes.Equal(frames[0], a) || !bytes.Equal(frames[1], b) {
		t.Errorf("Frames were not split on marker boundaries: %X", frames)
	}
}

func TestCaptureArgs(t *testing.T) {
	tests := []struct {
		name     string
		device   string
		format   string
		contains []string
		absent   []string
	}{
		{
			name:     "V4L2 camera",
			device:   "/dev/video0",
			format:   "v4l2",
			contains: []string{"-f v4l2", "-framerate 30", "-video_size 640x480", "-i /dev/video0", "-f image2pipe"},
			absent:   []string{"-re"},
		},
		{
			name:     "Video file",
			device:   "lobby.mp4",
			format:   "",
			contains: []string{"-re", "-i lobby.mp4", "-vf scale=640:480", "-vcodec mjpeg"},
			absent:   []string{"-framerate"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			joined := strings.Join(CaptureArgs(tt.device, tt.format, 30, 640, 480), " ")
			for _, want := range tt.contains {
				if !strings.Contains(joined, want) {
					t.Errorf("Expected args to contain %q, got %q", want, joined)
				}
			}
			for _, bad := range tt.absent {
				if strings.Contains(joined, bad) {
					t.Errorf("Expected args not to contain %q, got %q", bad, joined)
				}
			}
			if !strings.HasSuffix(joined, " -") {
				t.Errorf("Expected output to stdout, got %q", joined)
			}
		})
	}
}

func TestSafeCommandCapturesStderr(t *testing.T) {
	s := NewSafeCommand("sh", "-c", "echo boom 1>&2; exit 3")
	if err := s.Run(); err == nil {
		t.Fatal("Expected non-zero exit")
	}
	if !strings.Contains(s.Stderr.String(), "boom") {
		t.Errorf("Expected stderr to be captured, got %q", s.Stderr.String())
	}
}
