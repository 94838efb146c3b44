package detect

import (
	"image"
	"testing"
)

func TestNeedsEnhancement(t *testing.T) {
	tests := []struct {
		mean float64
		want bool
	}{
		{20, true},
		{79.9, true},
		{80, false},
		{128, false},
		{180, false},
		{180.1, true},
		{240, true},
	}
	for _, tt := range tests {
		if got := NeedsEnhancement(tt.mean); got != tt.want {
			t.Errorf("NeedsEnhancement(%v) = %v, want %v", tt.mean, got, tt.want)
		}
	}
}

func TestMeanLuma(t *testing.T) {
	if got := MeanLuma(grayFrame(100)); got < 99.9 || got > 100.1 {
		t.Errorf("MeanLuma(gray 100) = %v", got)
	}
	if got := MeanLuma(image.NewRGBA(image.Rect(0, 0, 0, 0))); got != 0 {
		t.Errorf("MeanLuma(empty) = %v, want 0", got)
	}
}

func TestApply_WellLitUntouched(t *testing.T) {
	e := NewEnhancer()
	img := grayFrame(128)
	out, changed := e.Apply(img)
	if changed || out != img {
		t.Error("expected well-lit frame to be returned as is")
	}
}

func TestApply_DarkGradientBrightened(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 160, 120))
	for y := 0; y < 120; y++ {
		for x := 0; x < 160; x++ {
			v := uint8(10 + x/4) // 10..49
			o := img.PixOffset(x, y)
			img.Pix[o], img.Pix[o+1], img.Pix[o+2], img.Pix[o+3] = v, v, v, 255
		}
	}
	before := MeanLuma(img)

	out, changed := NewEnhancer().Apply(img)
	if !changed {
		t.Fatal("expected dark frame to be enhanced")
	}
	if out == img {
		t.Fatal("expected a copy, not the input")
	}
	if after := MeanLuma(out); after <= before {
		t.Errorf("expected mean luma to increase, before %.1f after %.1f", before, after)
	}
	if out.Pix[3] != 255 {
		t.Error("expected alpha to be preserved")
	}
}

func TestTileLUT_Monotonic(t *testing.T) {
	ys := make([]uint8, 64*64)
	for i := range ys {
		ys[i] = uint8(i % 64)
	}
	lut := tileLUT(ys, 64, 0, 0, 64, 64, 1.5)
	for i := 1; i < 256; i++ {
		if lut[i] < lut[i-1] {
			t.Fatalf("LUT not monotonic at %d: %d < %d", i, lut[i], lut[i-1])
		}
	}
	if lut[255] != 255 {
		t.Errorf("expected full tile CDF to reach 255, got %d", lut[255])
	}

	empty := tileLUT(ys, 64, 10, 10, 10, 10, 1.5)
	if empty[42] != 42 {
		t.Errorf("expected identity LUT for empty tile")
	}
}
