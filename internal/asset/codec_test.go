package asset

import (
	"errors"
	"image"
	"image/color"
	"testing"
)

func checkerboard(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{R: 255, A: 255}
			if (x+y)%2 == 1 {
				c = color.NRGBA{B: 255, A: 128}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestEncodeDecode_roundTrip(t *testing.T) {
	tests := []struct {
		name string
		w, h int
		edge int
	}{
		{name: "downscale", w: 96, h: 96, edge: 70},
		{name: "upscale", w: 3, h: 5, edge: 40},
		{name: "single pixel", w: 1, h: 1, edge: 1},
		{name: "non square", w: 128, h: 32, edge: 80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Encode(checkerboard(tt.w, tt.h), tt.edge)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			img, err := Decode(b)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			got := img.Bounds()
			if got.Dx() != tt.edge || got.Dy() != tt.edge {
				t.Errorf("decoded size = %dx%d, want %dx%d", got.Dx(), got.Dy(), tt.edge, tt.edge)
			}
		})
	}
}

func TestEncode_nearestNeighbourKeepsPalette(t *testing.T) {
	b, err := Encode(checkerboard(2, 2), 8)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	img, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	red := color.NRGBAModel.Convert(color.NRGBA{R: 255, A: 255})
	blue := color.NRGBAModel.Convert(color.NRGBA{B: 255, A: 128})
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y))
			if c != red && c != blue {
				t.Fatalf("pixel (%d,%d) = %v, want only source colours", x, y, c)
			}
		}
	}
	if c := color.NRGBAModel.Convert(img.At(0, 0)); c != red {
		t.Errorf("top-left = %v, want red", c)
	}
	if c := color.NRGBAModel.Convert(img.At(7, 0)); c != blue {
		t.Errorf("top-right = %v, want blue", c)
	}
}

func TestEncode_invalid(t *testing.T) {
	tests := []struct {
		name string
		img  image.Image
		edge int
	}{
		{name: "nil image", img: nil, edge: 10},
		{name: "zero edge", img: checkerboard(4, 4), edge: 0},
		{name: "negative edge", img: checkerboard(4, 4), edge: -3},
		{name: "empty source", img: image.NewNRGBA(image.Rect(0, 0, 0, 0)), edge: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.img, tt.edge)
			if !errors.Is(err, ErrEncode) {
				t.Errorf("Encode error = %v, want ErrEncode", err)
			}
		})
	}
}

func TestDecode_invalid(t *testing.T) {
	for _, b := range [][]byte{nil, {}, []byte("not a png"), {0x89, 'P', 'N', 'G'}} {
		if _, err := Decode(b); !errors.Is(err, ErrDecode) {
			t.Errorf("Decode(%q) error = %v, want ErrDecode", b, err)
		}
	}
}
