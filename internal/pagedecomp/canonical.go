package pagedecomp

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"image"
	"image/draw"
	"image/png"
)

// canonicalPNGHash normalizes img to a fixed NRGBA pixel buffer before
// PNG-encoding it, then returns the sha256 of that encoding. Normalizing
// first means two images with identical pixels but different underlying
// color models — grayscale, paletted, RGBA — hash identically; encoding
// whatever concrete image type a decoder happened to hand back would
// not have that property.
func canonicalPNGHash(img image.Image) (string, error) {
	bounds := img.Bounds()
	dst := image.NewNRGBA(bounds)
	draw.Draw(dst, bounds, img, bounds.Min, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return fmt.Sprintf("%x", sum), nil
}
