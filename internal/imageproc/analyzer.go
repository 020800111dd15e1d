package imageproc

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

type Quality string

const (
	QualityHigh   Quality = "high"
	QualityMedium Quality = "medium"
	QualityLow    Quality = "low"
)

// ParseQuality accepts "", "high", "medium" or "low". Empty means not forced.
func ParseQuality(s string) (Quality, error) {
	switch q := Quality(s); q {
	case "", QualityHigh, QualityMedium, QualityLow:
		return q, nil
	default:
		return "", fmt.Errorf("unknown quality tier %q", s)
	}
}

// JPEGQuality maps a tier to the encoder quality factor.
func (q Quality) JPEGQuality() int {
	switch q {
	case QualityHigh:
		return 85
	case QualityLow:
		return 65
	default:
		return 75
	}
}

var laplacian = [9]float64{
	-1, -1, -1,
	-1, 8, -1,
	-1, -1, -1,
}

const (
	inkThreshold        = 0.3
	complexityThreshold = 0.4
)

type Analysis struct {
	Complexity    float64 `json:"complexity"`
	InkLikelihood float64 `json:"ink_likelihood"`
	Recommended   Quality `json:"recommended_quality"`
}

// DefaultAnalysis is returned whenever the image cannot be analyzed.
var DefaultAnalysis = Analysis{Complexity: 0.5, InkLikelihood: 0.3, Recommended: QualityMedium}

type Analyzer struct {
	logger *zap.Logger
}

func NewAnalyzer(logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{logger: logger.Named("analyzer")}
}

func (a *Analyzer) Analyze(data []byte) Analysis {
	img, _, err := Decode(data)
	if err != nil {
		a.logger.Debug("analysis degraded to default", zap.Error(err))
		return DefaultAnalysis
	}
	return a.AnalyzeImage(img)
}

func (a *Analyzer) AnalyzeImage(img image.Image) Analysis {
	if img == nil || img.Bounds().Empty() {
		return DefaultAnalysis
	}

	gray := imaging.Grayscale(img)
	n := float64(gray.Rect.Dx() * gray.Rect.Dy())

	var sum, sumSq float64
	for i := 0; i < len(gray.Pix); i += 4 {
		v := float64(gray.Pix[i])
		sum += v
		sumSq += v * v
	}
	mean := sum / n
	variance := math.Max(0, sumSq/n-mean*mean)
	complexity := math.Sqrt(variance) / 255

	edges := imaging.Convolve3x3(gray, laplacian, &imaging.ConvolveOptions{Abs: true})
	var edgeSum float64
	for i := 0; i < len(edges.Pix); i += 4 {
		edgeSum += float64(edges.Pix[i])
	}
	ink := math.Min(edgeSum/n/100, 1)

	out := Analysis{Complexity: complexity, InkLikelihood: ink}
	switch {
	case ink > inkThreshold:
		out.Recommended = QualityHigh
	case complexity > complexityThreshold:
		out.Recommended = QualityMedium
	default:
		out.Recommended = QualityLow
	}
	return out
}
