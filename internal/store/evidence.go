package store

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"reflect"
	"time"
)

// EvidenceWriter saves the face crop that triggered an attendance event.
type EvidenceWriter struct {
	Dir     string
	Quality int
}

// Path is where the evidence for employeeID at t is written:
// <dir>/<YYYY-MM-DD>/<employeeID>_<YYYYMMDDhhmmss.micro>.jpg
func (w EvidenceWriter) Path(employeeID string, t time.Time) string {
	name := fmt.Sprintf("%s_%s.jpg", employeeID, t.Format("20060102150405.000000"))
	return filepath.Join(w.Dir, t.Format("2006-01-02"), name)
}

// Save writes img and returns its path. A nil or empty image, or an empty
// Dir, saves nothing.
func (w EvidenceWriter) Save(employeeID string, t time.Time, img image.Image) (string, error) {
	if w.Dir == "" || noImage(img) {
		return "", nil
	}
	path := w.Path(employeeID, t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create evidence directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create evidence file: %w", err)
	}
	defer f.Close()

	quality := w.Quality
	if quality <= 0 {
		quality = 90
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to encode evidence: %w", err)
	}
	return path, nil
}

// noImage also catches a typed nil pointer held in the interface.
func noImage(img image.Image) bool {
	if img == nil {
		return true
	}
	if v := reflect.ValueOf(img); v.Kind() == reflect.Pointer && v.IsNil() {
		return true
	}
	return img.Bounds().Empty()
}
