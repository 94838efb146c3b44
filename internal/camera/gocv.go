//go:build gocv

package camera

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"sync"

	"github.com/andresmejia3/rollcall/internal/config"
	"gocv.io/x/gocv"
)

// Gocv reads frames through OpenCV's VideoCapture.
type Gocv struct {
	mu        sync.Mutex
	cap       *gocv.VideoCapture
	mat       gocv.Mat
	closed    bool
	closeOnce sync.Once
}

// OpenGocv opens a device index, device path or file through OpenCV.
func OpenGocv(cfg config.CameraConfig) (Source, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	if idx, convErr := strconv.Atoi(cfg.Device); convErr == nil {
		vc, err = gocv.OpenVideoCapture(idx)
	} else {
		vc, err = gocv.OpenVideoCapture(cfg.Device)
	}
	if err != nil {
		return nil, fmt.Errorf("open video source: %w", err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("video source not opened: %s", cfg.Device)
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(cfg.FPS))
	}
	return &Gocv{cap: vc, mat: gocv.NewMat()}, nil
}

// Read grabs the next frame. VideoCapture.Read blocks in C, so ctx is only
// checked before the call.
func (g *Gocv) Read(ctx context.Context) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	if ok := g.cap.Read(&g.mat); !ok || g.mat.Empty() {
		return nil, fmt.Errorf("failed to read frame")
	}
	img, err := g.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	return toRGBA(img), nil
}

// Close releases the capture device once.
func (g *Gocv) Close() error {
	var err error
	g.closeOnce.Do(func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.closed = true
		g.mat.Close()
		err = g.cap.Close()
	})
	return err
}
