// Package overlay draws recognition results and the status HUD onto frames.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"unicode"

	"github.com/andresmejia3/rollcall/internal/types"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Status labels shown above each face.
const (
	LabelUnregistered = "UNREGISTERED"
	LabelConfirmed    = "CONFIRMED"
	LabelProcessing   = "PROCESSING"
	LabelUncertain    = "UNCERTAIN"
)

var (
	Red    = color.RGBA{220, 40, 40, 255}
	Green  = color.RGBA{40, 200, 60, 255}
	Orange = color.RGBA{255, 165, 0, 255}
	White  = color.RGBA{255, 255, 255, 255}
)

// Thresholds pick the label for a recognised face.
type Thresholds struct {
	High    float64 // at or above: confirmed
	Confirm float64 // at or above: processing
}

// HUD is the status block in the top-left corner.
type HUD struct {
	FPS        float64
	Detected   int
	Recognized int
	Unknown    int
	CheckKind  types.CheckKind
}

// Status returns the label and colour for a recognition.
func Status(r types.Recognition, th Thresholds) (string, color.RGBA) {
	switch {
	case r.Unknown:
		return LabelUnregistered, Red
	case r.Similarity >= th.High:
		return LabelConfirmed, Green
	case r.Similarity >= th.Confirm:
		return LabelProcessing, Orange
	default:
		return LabelUncertain, Red
	}
}

// Text is the caption drawn above a face box.
func Text(r types.Recognition, th Thresholds) string {
	status, _ := Status(r, th)
	if r.Unknown {
		return status
	}
	return fmt.Sprintf("%s %.0f%% %s", RemoveDiacritics(r.Name), r.Similarity*100, status)
}

// Render draws every recognition and the HUD onto a copy of frame.
func Render(frame *image.RGBA, recs []types.Recognition, hud HUD, th Thresholds) *image.RGBA {
	out := image.NewRGBA(frame.Bounds())
	draw.Draw(out, out.Bounds(), frame, frame.Bounds().Min, draw.Src)

	for _, r := range recs {
		_, c := Status(r, th)
		box := r.Box.Rect(out.Bounds())
		drawBox(out, box, c, 2)
		drawLabel(out, box.Min.X, box.Min.Y-16, Text(r, th), c)
	}

	lines := []string{
		fmt.Sprintf("FPS: %.1f", hud.FPS),
		fmt.Sprintf("Detected: %d", hud.Detected),
		fmt.Sprintf("Recognized: %d", hud.Recognized),
		fmt.Sprintf("Unknown: %d", hud.Unknown),
	}
	if hud.CheckKind != "" {
		lines = append(lines, "Mode: "+string(hud.CheckKind))
	}
	for i, l := range lines {
		drawLabel(out, out.Bounds().Min.X+8, out.Bounds().Min.Y+8+i*16, l, White)
	}
	return out
}

// drawBox draws a rectangle outline clipped to the image.
func drawBox(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	if r.Empty() {
		return
	}
	for t := 0; t < thickness; t++ {
		edges := []image.Rectangle{
			image.Rect(r.Min.X, r.Min.Y+t, r.Max.X, r.Min.Y+t+1),
			image.Rect(r.Min.X, r.Max.Y-t-1, r.Max.X, r.Max.Y-t),
			image.Rect(r.Min.X+t, r.Min.Y, r.Min.X+t+1, r.Max.Y),
			image.Rect(r.Max.X-t-1, r.Min.Y, r.Max.X-t, r.Max.Y),
		}
		for _, e := range edges {
			draw.Draw(img, e.Intersect(img.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)
		}
	}
}

// drawLabel draws text on a translucent background. y is the top of the label.
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	b := img.Bounds()
	if y < b.Min.Y {
		y = b.Min.Y
	}
	if x < b.Min.X {
		x = b.Min.X
	}

	textWidth := font.MeasureString(basicfont.Face7x13, label).Ceil()
	bg := image.Rect(x-2, y-2, x+textWidth+2, y+14).Intersect(b)
	draw.Draw(img, bg, image.NewUniform(color.RGBA{0, 0, 0, 180}), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}

// RemoveDiacritics folds accented names to the ASCII the bitmap font can
// draw: "José Núñez" becomes "Jose Nunez". Remaining non-ASCII runes become '?'.
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return '?'
		}
		return r
	}, out)
}
