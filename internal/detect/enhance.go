package detect

import (
	"image"
	"image/color"
	"math"
)

// Well-lit frames fall inside this mean-luma band and skip enhancement.
const (
	lumaLow  = 80.0
	lumaHigh = 180.0
)

// Enhancer applies contrast-limited adaptive histogram equalisation to the
// luma channel of under- or over-exposed frames.
type Enhancer struct {
	ClipLimit float64
	TilesX    int
	TilesY    int
}

// NewEnhancer returns the kiosk defaults: clip 1.5 over an 8x8 grid.
func NewEnhancer() *Enhancer {
	return &Enhancer{ClipLimit: 1.5, TilesX: 8, TilesY: 8}
}

// MeanLuma is the average BT.601 luma of img.
func MeanLuma(img *image.RGBA) float64 {
	b := img.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return 0
	}
	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		row := img.Pix[off : off+b.Dx()*4]
		for i := 0; i < len(row); i += 4 {
			sum += 0.299*float64(row[i]) + 0.587*float64(row[i+1]) + 0.114*float64(row[i+2])
		}
	}
	return sum / float64(n)
}

// NeedsEnhancement reports whether the mean luma is outside the well-lit band.
func NeedsEnhancement(mean float64) bool {
	return mean < lumaLow || mean > lumaHigh
}

// Apply returns img unchanged when it is well lit, otherwise an equalised copy.
func (e *Enhancer) Apply(img *image.RGBA) (*image.RGBA, bool) {
	if !NeedsEnhancement(MeanLuma(img)) {
		return img, false
	}
	return e.equalize(img), true
}

func (e *Enhancer) equalize(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return img
	}

	ys := make([]uint8, w*h)
	cbs := make([]uint8, w*h)
	crs := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		off := img.PixOffset(b.Min.X, b.Min.Y+y)
		for x := 0; x < w; x++ {
			p := img.Pix[off+x*4 : off+x*4+3]
			yy, cb, cr := color.RGBToYCbCr(p[0], p[1], p[2])
			ys[y*w+x], cbs[y*w+x], crs[y*w+x] = yy, cb, cr
		}
	}

	tx, ty := e.TilesX, e.TilesY
	if tx < 1 {
		tx = 1
	}
	if ty < 1 {
		ty = 1
	}
	tw := (w + tx - 1) / tx
	th := (h + ty - 1) / ty
	luts := make([][256]uint8, tx*ty)
	for j := 0; j < ty; j++ {
		for i := 0; i < tx; i++ {
			x0, y0 := i*tw, j*th
			x1, y1 := min(x0+tw, w), min(y0+th, h)
			luts[j*tx+i] = tileLUT(ys, w, x0, y0, x1, y1, e.ClipLimit)
		}
	}

	out := image.NewRGBA(b)
	for y := 0; y < h; y++ {
		fy := (float64(y)+0.5)/float64(th) - 0.5
		j0 := int(math.Floor(fy))
		ay := fy - float64(j0)
		j1 := j0 + 1
		if j0 < 0 {
			j0, ay = 0, 0
		}
		if j1 >= ty {
			j1 = ty - 1
		}
		if j0 >= ty {
			j0 = ty - 1
		}
		for x := 0; x < w; x++ {
			fx := (float64(x)+0.5)/float64(tw) - 0.5
			i0 := int(math.Floor(fx))
			ax := fx - float64(i0)
			i1 := i0 + 1
			if i0 < 0 {
				i0, ax = 0, 0
			}
			if i1 >= tx {
				i1 = tx - 1
			}
			if i0 >= tx {
				i0 = tx - 1
			}

			v := ys[y*w+x]
			top := (1-ax)*float64(luts[j0*tx+i0][v]) + ax*float64(luts[j0*tx+i1][v])
			bot := (1-ax)*float64(luts[j1*tx+i0][v]) + ax*float64(luts[j1*tx+i1][v])
			yy := uint8(math.Round((1-ay)*top + ay*bot))

			r, g, bl := color.YCbCrToRGB(yy, cbs[y*w+x], crs[y*w+x])
			o := out.PixOffset(b.Min.X+x, b.Min.Y+y)
			out.Pix[o], out.Pix[o+1], out.Pix[o+2] = r, g, bl
			out.Pix[o+3] = img.Pix[img.PixOffset(b.Min.X+x, b.Min.Y+y)+3]
		}
	}
	return out
}

// tileLUT builds the clipped-histogram mapping for one tile.
func tileLUT(ys []uint8, stride, x0, y0, x1, y1 int, clipLimit float64) [256]uint8 {
	var lut [256]uint8
	area := (x1 - x0) * (y1 - y0)
	if area <= 0 {
		for i := range lut {
			lut[i] = uint8(i)
		}
		return lut
	}

	var hist [256]int
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			hist[ys[y*stride+x]]++
		}
	}

	limit := int(clipLimit * float64(area) / 256)
	if limit < 1 {
		limit = 1
	}
	excess := 0
	for i, c := range hist {
		if c > limit {
			excess += c - limit
			hist[i] = limit
		}
	}
	bonus, residual := excess/256, excess%256
	for i := range hist {
		hist[i] += bonus
	}
	if residual > 0 {
		step := max(256/residual, 1)
		for i := 0; i < 256 && residual > 0; i += step {
			hist[i]++
			residual--
		}
	}

	scale := 255.0 / float64(area)
	cdf := 0
	for i, c := range hist {
		cdf += c
		v := math.Round(float64(cdf) * scale)
		if v > 255 {
			v = 255
		}
		lut[i] = uint8(v)
	}
	return lut
}
