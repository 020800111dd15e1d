package imageproc

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

const (
	DefaultCropPadding     = 20
	DefaultBackgroundLevel = 240
	DefaultMaxContentRatio = 0.8
)

// Cropper trims near-white margins around handwritten content.
type Cropper struct {
	Padding int
	// Pixels with gray intensity >= BackgroundLevel count as background.
	BackgroundLevel uint8
	// Crops are skipped when the content box already covers this share of the image.
	MaxContentRatio float64

	logger *zap.Logger
}

func NewCropper(logger *zap.Logger) *Cropper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cropper{
		Padding:         DefaultCropPadding,
		BackgroundLevel: DefaultBackgroundLevel,
		MaxContentRatio: DefaultMaxContentRatio,
		logger:          logger.Named("cropper"),
	}
}

// Crop returns the cropped image re-encoded as PNG, or data itself when no
// crop applies or the input cannot be decoded.
func (c *Cropper) Crop(data []byte) []byte {
	img, _, err := Decode(data)
	if err != nil {
		c.logger.Debug("crop skipped", zap.Error(err))
		return data
	}

	cropped, ok := c.CropImage(img)
	if !ok {
		return data
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, cropped, imaging.PNG); err != nil {
		c.logger.Debug("crop encode failed", zap.Error(err))
		return data
	}
	return buf.Bytes()
}

// CropImage reports false and returns img untouched when there is no ink or
// the ink box is already tight.
func (c *Cropper) CropImage(img image.Image) (image.Image, bool) {
	box, ok := c.ContentBounds(img)
	if !ok {
		return img, false
	}

	bounds := img.Bounds()
	total := float64(bounds.Dx() * bounds.Dy())
	if float64(box.Dx()*box.Dy()) >= c.MaxContentRatio*total {
		return img, false
	}

	padded := image.Rect(
		box.Min.X-c.Padding, box.Min.Y-c.Padding,
		box.Max.X+c.Padding, box.Max.Y+c.Padding,
	).Intersect(bounds)

	return imaging.Crop(img, padded), true
}

// ContentBounds returns the smallest rectangle, in img coordinates, that holds
// every non-background pixel.
func (c *Cropper) ContentBounds(img image.Image) (image.Rectangle, bool) {
	gray := imaging.Grayscale(img)
	w, h := gray.Rect.Dx(), gray.Rect.Dy()

	minX, minY := w, h
	maxX, maxY := -1, -1
	for y := 0; y < h; y++ {
		row := gray.Pix[y*gray.Stride:]
		for x := 0; x < w; x++ {
			if row[x*4] >= c.BackgroundLevel {
				continue
			}
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}
	if maxX < 0 {
		return image.Rectangle{}, false
	}

	origin := img.Bounds().Min
	return image.Rect(minX, minY, maxX+1, maxY+1).Add(origin), true
}
