// Package testutil builds synthetic canvases for tests.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/draw"
)

var (
	Black = color.NRGBA{A: 255}
	White = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	Gray  = color.NRGBA{R: 128, G: 128, B: 128, A: 255}
)

func Solid(w, h int, c color.Color) *image.NRGBA {
	return imaging.New(w, h, c)
}

// Fill paints r on img with c.
func Fill(img draw.Image, r image.Rectangle, c color.Color) {
	draw.Draw(img, r, &image.Uniform{C: c}, image.Point{}, draw.Src)
}

// HalfSplit is black on the left half and white on the right.
func HalfSplit(w, h int) *image.NRGBA {
	img := Solid(w, h, White)
	Fill(img, image.Rect(0, 0, w/2, h), Black)
	return img
}

// InvertedHalfSplit is white on the left half and black on the right.
func InvertedHalfSplit(w, h int) *image.NRGBA {
	img := Solid(w, h, Black)
	Fill(img, image.Rect(0, 0, w/2, h), White)
	return img
}

// WithStroke copies img and paints a black band across rows [y0, y1) of the
// right half.
func WithStroke(img *image.NRGBA, y0, y1 int) *image.NRGBA {
	out := imaging.Clone(img)
	b := out.Bounds()
	Fill(out, image.Rect(b.Dx()/2, y0, b.Dx(), y1), Black)
	return out
}

func Checkerboard(w, h int) *image.NRGBA {
	img := Solid(w, h, White)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 0 {
				img.SetNRGBA(x, y, Black)
			}
		}
	}
	return img
}

// Noise fills every pixel with seeded random dark-ish colors.
func Noise(w, h int, seed int64) *image.NRGBA {
	rng := rand.New(rand.NewSource(seed))
	img := imaging.New(w, h, White)
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(rng.Intn(200))
		img.Pix[i+1] = uint8(rng.Intn(200))
		img.Pix[i+2] = uint8(rng.Intn(200))
		img.Pix[i+3] = 255
	}
	return img
}

func EncodePNG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func EncodeJPEG(t testing.TB, img image.Image, quality int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)))
	return buf.Bytes()
}

// Canvas256 is the 256x256 half-split canvas the change-detection tests draw on.
func Canvas256(t testing.TB) []byte {
	t.Helper()
	return EncodePNG(t, HalfSplit(256, 256))
}
