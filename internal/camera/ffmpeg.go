package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/utils"
)

const megabyte = 1024 * 1024

// FFmpeg reads an MJPEG stream from an ffmpeg child process. Frames are
// split on JPEG markers and only the newest undelivered frame is kept, so a
// slow reader never falls behind the camera.
type FFmpeg struct {
	cmd    *utils.SafeCommand
	stdout io.ReadCloser

	latest chan []byte
	first  chan struct{}
	done   chan struct{}
	err    error // set before done is closed

	firstOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	quiet     bool
}

// FirstFrameTimeout bounds how long OpenFFmpeg waits for the device to
// deliver its first frame.
var FirstFrameTimeout = 10 * time.Second

// OpenFFmpeg starts ffmpeg on the configured device and waits for the first
// frame. A device that is missing or busy fails here, with ffmpeg's output in
// the error.
func OpenFFmpeg(ctx context.Context, cfg config.CameraConfig) (*FFmpeg, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := utils.NewFFmpegCaptureCmd(ctx, cfg.Device, cfg.InputFormat, cfg.FPS, cfg.Width, cfg.Height)
	return startFFmpeg(ctx, cancel, cmd, FirstFrameTimeout)
}

func startFFmpeg(ctx context.Context, cancel context.CancelFunc, cmd *utils.SafeCommand, timeout time.Duration) (*FFmpeg, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	f := newFFmpegFromReader(stdout)
	f.cmd = cmd
	f.cancel = cancel

	var reason error
	select {
	case <-f.first:
		return f, nil
	case <-f.done:
		// A frame and the end of the stream can land together
		select {
		case <-f.first:
			return f, nil
		default:
		}
		reason = fmt.Errorf("%w: ffmpeg exited before the first frame", ErrNoSignal)
	case <-ctx.Done():
		reason = ctx.Err()
	case <-time.After(timeout):
		reason = fmt.Errorf("%w: no frame within %v", ErrNoSignal, timeout)
	}

	f.quiet = true
	f.Close()
	if out := strings.TrimSpace(cmd.Stderr.String()); out != "" {
		return nil, fmt.Errorf("%w: %s", reason, out)
	}
	return nil, reason
}

func newFFmpegFromReader(r io.ReadCloser) *FFmpeg {
	f := &FFmpeg{
		stdout: r,
		latest: make(chan []byte, 1),
		first:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	go f.pump()
	return f
}

func (f *FFmpeg) pump() {
	defer close(f.done)

	scanner := bufio.NewScanner(f.stdout)
	scanner.Buffer(make([]byte, megabyte), 16*megabyte)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		frame := bytes.Clone(scanner.Bytes())
		f.firstOnce.Do(func() { close(f.first) })
		// Drop the stale frame if the reader has not picked it up yet
		select {
		case <-f.latest:
		default:
		}
		f.latest <- frame
	}
	f.err = scanner.Err()
	if f.err == nil {
		f.err = ErrClosed
	}
}

// Read blocks for the next frame.
func (f *FFmpeg) Read(ctx context.Context) (*image.RGBA, error) {
	select {
	case data := <-f.latest:
		return decodeJPEG(data)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		// A final frame may have landed just before the stream ended
		select {
		case data := <-f.latest:
			return decodeJPEG(data)
		default:
		}
		return nil, f.err
	}
}

func decodeJPEG(data []byte) (*image.RGBA, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return toRGBA(img), nil
}

// Close stops ffmpeg and releases the pipe. It is safe to call more than once.
func (f *FFmpeg) Close() error {
	f.closeOnce.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
		f.stdout.Close()
		<-f.done
		if f.cmd != nil {
			if werr := f.cmd.Wait(); werr != nil && !f.quiet && f.cmd.Stderr.Len() > 0 {
				log.Printf("[Camera] ffmpeg exited: %v: %s", werr, f.cmd.Stderr.String())
			}
		}
	})
	return nil
}
