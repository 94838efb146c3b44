package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python and ffmpeg logs)
// This ensures we don't lose critical crash information if a child process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	return wrap(exec.Command(name, args...))
}

// NewSafeCommandContext is NewSafeCommand with the process killed when ctx is done.
func NewSafeCommandContext(ctx context.Context, name string, args ...string) *SafeCommand {
	return wrap(exec.CommandContext(ctx, name, args...))
}

func wrap(cmd *exec.Cmd) *SafeCommand {
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints the formatted error box without exiting.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 ROLLCALL ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nCHILD PROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy for rollcall.
// It prints a formatted error box and dumps child logs if a SafeCommand is provided.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Capture Engine ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// CaptureArgs builds the ffmpeg arguments that turn a camera device (or a
// video file when format is empty) into an MJPEG stream on stdout.
func CaptureArgs(device, format string, fps, width, height int) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if format != "" {
		args = append(args, "-f", format)
		if fps > 0 {
			args = append(args, "-framerate", strconv.Itoa(fps))
		}
		if width > 0 && height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", width, height))
		}
	} else {
		// Files are paced to real time so they behave like a live camera.
		args = append(args, "-re")
	}
	args = append(args, "-i", device)
	if format == "" && width > 0 && height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", width, height))
	}
	// Using -vcodec mjpeg ensures we get JPEGs Go can split
	return append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3", "-")
}

// NewFFmpegCaptureCmd creates the capture pipe for CaptureArgs.
func NewFFmpegCaptureCmd(ctx context.Context, device, format string, fps, width, height int) *SafeCommand {
	return NewSafeCommandContext(ctx, "ffmpeg", CaptureArgs(device, format, fps, width, height)...)
}
