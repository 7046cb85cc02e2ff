// Package asset converts condition icons to and from the PNG blob attached to
// weather responses.
package asset

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

var (
	ErrEncode = errors.New("asset: encode failed")
	ErrDecode = errors.New("asset: decode failed")
)

// Encode scales img to exactly edge x edge pixels with nearest-neighbour
// sampling and returns it as a lossless PNG.
func Encode(img image.Image, edge int) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrEncode)
	}
	if edge <= 0 {
		return nil, fmt.Errorf("%w: edge must be positive, got %d", ErrEncode, edge)
	}
	src := img.Bounds()
	if src.Empty() {
		return nil, fmt.Errorf("%w: empty source bounds %v", ErrEncode, src)
	}

	dst := image.NewNRGBA(image.Rect(0, 0, edge, edge))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return buf.Bytes(), nil
}

// Decode parses a PNG blob produced by Encode.
func Decode(b []byte) (image.Image, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty asset", ErrDecode)
	}
	img, err := png.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}
