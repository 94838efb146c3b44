// Package camera provides the live frame sources for the recognition loop.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"

	"github.com/andresmejia3/rollcall/internal/config"
)

var (
	// ErrClosed is returned by Read after Close or once the stream has ended.
	ErrClosed = errors.New("camera closed")
	// ErrNoSignal is returned by Open when the device delivers no frame.
	ErrNoSignal = errors.New("camera produced no frames")
	// ErrUnavailable is returned when a backend was not compiled in.
	ErrUnavailable = errors.New("camera backend unavailable in this build")
)

// Source yields decoded frames. Implementations are safe for one reader
// plus a concurrent Close.
type Source interface {
	Read(ctx context.Context) (*image.RGBA, error)
	Close() error
}

// Open starts the configured backend.
func Open(ctx context.Context, cfg config.CameraConfig) (Source, error) {
	switch cfg.Backend {
	case config.CameraFFmpeg, "":
		f, err := OpenFFmpeg(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return f, nil
	case config.CameraGocv:
		return OpenGocv(cfg)
	default:
		return nil, fmt.Errorf("unknown camera backend %q", cfg.Backend)
	}
}

// toRGBA returns img as an *image.RGBA with its origin at (0, 0).
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
