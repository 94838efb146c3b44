//go:build !gocv

package camera

import "github.com/andresmejia3/rollcall/internal/config"

// OpenGocv needs OpenCV; build with -tags gocv to enable it.
func OpenGocv(config.CameraConfig) (Source, error) {
	return nil, ErrUnavailable
}
