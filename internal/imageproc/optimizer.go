package imageproc

import (
	"bytes"
	"context"
	"fmt"
	"math"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// OutputMIMEType is the encoding of every optimized buffer.
const OutputMIMEType = "image/jpeg"

const baseTokens = 100

type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

var DefaultMaxDimensions = Dimensions{Width: 1024, Height: 1024}

type Options struct {
	// ForceQuality skips content analysis when set.
	ForceQuality  Quality
	MaxDimensions Dimensions
}

// OptimizationResult is produced once per distinct image version and never mutated.
type OptimizationResult struct {
	Buffer           []byte      `json:"-"`
	Width            int         `json:"width"`
	Height           int         `json:"height"`
	Channels         int         `json:"channels"`
	Fingerprint      Fingerprint `json:"fingerprint"`
	Quality          Quality     `json:"quality"`
	CompressionRatio float64     `json:"compression_ratio"`
	TokensEstimate   int         `json:"tokens_estimate"`
	OriginalSize     int         `json:"original_size"`
	OptimizedSize    int         `json:"optimized_size"`
	MIMEType         string      `json:"mime_type"`
	Analysis         *Analysis   `json:"analysis,omitempty"`
	Cropped          bool        `json:"cropped"`
}

type Optimizer struct {
	hasher   *Hasher
	analyzer *Analyzer
	cropper  *Cropper
	logger   *zap.Logger
}

func NewOptimizer(hasher *Hasher, analyzer *Analyzer, cropper *Cropper, logger *zap.Logger) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hasher == nil {
		hasher = DefaultHasher()
	}
	if analyzer == nil {
		analyzer = NewAnalyzer(logger)
	}
	if cropper == nil {
		cropper = NewCropper(logger)
	}
	return &Optimizer{
		hasher:   hasher,
		analyzer: analyzer,
		cropper:  cropper,
		logger:   logger.Named("optimizer"),
	}
}

// Optimize runs crop, analyze, fit, encode, hash and token estimation.
// Only a decode failure or ctx cancellation makes it fail.
func (o *Optimizer) Optimize(ctx context.Context, data []byte, opts Options) (*OptimizationResult, error) {
	img, meta, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, cropped := o.cropper.CropImage(img)

	out := &OptimizationResult{
		Channels:     meta.Channels,
		OriginalSize: len(data),
		MIMEType:     OutputMIMEType,
		Cropped:      cropped,
	}

	if opts.ForceQuality != "" {
		out.Quality = opts.ForceQuality
	} else {
		analysis := o.analyzer.AnalyzeImage(img)
		out.Analysis = &analysis
		out.Quality = analysis.Recommended
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	maxDims := opts.MaxDimensions
	if maxDims.Width <= 0 {
		maxDims.Width = DefaultMaxDimensions.Width
	}
	if maxDims.Height <= 0 {
		maxDims.Height = DefaultMaxDimensions.Height
	}
	// Fit never enlarges.
	fitted := imaging.Fit(img, maxDims.Width, maxDims.Height, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, imaging.JPEG, imaging.JPEGQuality(out.Quality.JPEGQuality())); err != nil {
		return nil, fmt.Errorf("encode optimized image: %w", err)
	}
	out.Buffer = buf.Bytes()
	out.OptimizedSize = len(out.Buffer)
	out.Width = fitted.Bounds().Dx()
	out.Height = fitted.Bounds().Dy()
	out.CompressionRatio = float64(out.OriginalSize) / float64(out.OptimizedSize)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fp, err := o.hasher.Hash(out.Buffer)
	if err != nil {
		o.logger.Debug("hashing encoded output failed, hashing pixels", zap.Error(err))
		if fp, err = o.hasher.HashImage(fitted); err != nil {
			return nil, fmt.Errorf("fingerprint optimized image: %w", err)
		}
	}
	out.Fingerprint = fp

	out.TokensEstimate = EstimateTokens(out.OptimizedSize, Metadata{
		Width:    out.Width,
		Height:   out.Height,
		Channels: meta.Channels,
	})

	o.logger.Debug("image optimized",
		zap.String("source_mime", meta.MIMEType),
		zap.Int("source_width", meta.Width),
		zap.Int("source_height", meta.Height),
		zap.Int("width", out.Width),
		zap.Int("height", out.Height),
		zap.String("quality", string(out.Quality)),
		zap.Bool("cropped", cropped),
		zap.Float64("compression_ratio", out.CompressionRatio),
		zap.Int("tokens_estimate", out.TokensEstimate),
	)

	return out, nil
}

// EstimateTokens approximates the model's billing cost for an encoded image:
// 100 * sqrt(area / 512^2) * (1.2 with alpha) * max(1, log2(KB)), never below 100.
func EstimateTokens(size int, meta Metadata) int {
	area := float64(meta.Width) * float64(meta.Height)
	areaFactor := math.Sqrt(area / (512 * 512))

	channelFactor := 1.0
	if meta.Channels > 3 {
		channelFactor = 1.2
	}

	sizeKB := float64(size) / 1024
	sizeFactor := 1.0
	if sizeKB > 0 {
		sizeFactor = math.Max(1, math.Log2(sizeKB))
	}

	tokens := int(math.Round(baseTokens * areaFactor * channelFactor * sizeFactor))
	if tokens < baseTokens {
		return baseTokens
	}
	return tokens
}
