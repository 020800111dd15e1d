package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp" // registers the webp decoder with image.Decode
)

var (
	ErrEmptyImage = errors.New("empty image payload")
	ErrNotImage   = errors.New("payload is not an image")
)

// DecodeError reports input bytes that could not be decoded as an image.
// It is fatal for the request that carried them.
type DecodeError struct {
	MIMEType string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.MIMEType != "" {
		return fmt.Sprintf("decode image (%s): %v", e.MIMEType, e.Err)
	}
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err carries a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Metadata describes a decoded source image before any processing.
type Metadata struct {
	Width    int
	Height   int
	Channels int
	MIMEType string
	Size     int
}

// Decode sniffs, decodes and orients an image. Images with transparency are
// flattened onto white so that "background" means the same thing for every format.
func Decode(data []byte) (image.Image, Metadata, error) {
	if len(data) == 0 {
		return nil, Metadata{}, &DecodeError{Err: ErrEmptyImage}
	}

	mime := mimetype.Detect(data).String()
	if !strings.HasPrefix(mime, "image/") {
		return nil, Metadata{}, &DecodeError{MIMEType: mime, Err: ErrNotImage}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, Metadata{}, &DecodeError{MIMEType: mime, Err: err}
	}

	b := img.Bounds()
	if b.Empty() {
		return nil, Metadata{}, &DecodeError{MIMEType: mime, Err: errors.New("zero-size image")}
	}

	meta := Metadata{
		Width:    b.Dx(),
		Height:   b.Dy(),
		Channels: channels(img),
		MIMEType: mime,
		Size:     len(data),
	}
	return flatten(img), meta, nil
}

func channels(img image.Image) int {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return 1
	case *image.YCbCr, *image.CMYK:
		return 3
	}
	// RGBA-shaped decodes (and every AutoOrientation output) only count the
	// alpha band when some pixel actually uses it.
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return 3
	}
	return 4
}

func flatten(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}
