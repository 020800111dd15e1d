package imageproc

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/disintegration/imaging"
	gocache "github.com/patrickmn/go-cache"
)

// Fingerprint is a row-major string of '0'/'1' characters, Size*Size long.
type Fingerprint string

// Bits returns the fingerprint length.
func (f Fingerprint) Bits() int { return len(f) }

type Algorithm string

const (
	AlgorithmAverage    Algorithm = "average"
	AlgorithmDifference Algorithm = "difference"
	AlgorithmPerception Algorithm = "perception"
)

const DefaultHashSize = 8

var ErrFingerprintLength = errors.New("fingerprint length mismatch")

type HasherConfig struct {
	Size      int
	Algorithm Algorithm
	// MemoTTL bounds how long fingerprints of byte-identical uploads are remembered.
	MemoTTL time.Duration
}

// Hasher reduces images to perceptual fingerprints.
type Hasher struct {
	size int
	algo Algorithm
	memo *gocache.Cache
}

func NewHasher(cfg HasherConfig) (*Hasher, error) {
	if cfg.Size == 0 {
		cfg.Size = DefaultHashSize
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmAverage
	}
	if cfg.MemoTTL <= 0 {
		cfg.MemoTTL = 5 * time.Minute
	}

	switch cfg.Algorithm {
	case AlgorithmAverage:
		if cfg.Size < 2 || cfg.Size > 64 {
			return nil, fmt.Errorf("hash size must be between 2 and 64, got %d", cfg.Size)
		}
	case AlgorithmDifference, AlgorithmPerception:
		// goimagehash produces 64-bit hashes only.
		if cfg.Size != DefaultHashSize {
			return nil, fmt.Errorf("%s hash requires size %d, got %d", cfg.Algorithm, DefaultHashSize, cfg.Size)
		}
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", cfg.Algorithm)
	}

	return &Hasher{
		size: cfg.Size,
		algo: cfg.Algorithm,
		memo: gocache.New(cfg.MemoTTL, 2*cfg.MemoTTL),
	}, nil
}

// DefaultHasher returns an 8x8 average hasher.
func DefaultHasher() *Hasher {
	h, _ := NewHasher(HasherConfig{})
	return h
}

func (h *Hasher) Size() int            { return h.size }
func (h *Hasher) Algorithm() Algorithm { return h.algo }

// Hash decodes data and fingerprints it. Undecodable input yields a *DecodeError.
func (h *Hasher) Hash(data []byte) (Fingerprint, error) {
	sum := sha256.Sum256(data)
	memoKey := hex.EncodeToString(sum[:])
	if v, ok := h.memo.Get(memoKey); ok {
		return v.(Fingerprint), nil
	}

	img, _, err := Decode(data)
	if err != nil {
		return "", err
	}

	fp, err := h.HashImage(img)
	if err != nil {
		return "", err
	}
	h.memo.SetDefault(memoKey, fp)
	return fp, nil
}

// HashImage fingerprints an already decoded image.
func (h *Hasher) HashImage(img image.Image) (Fingerprint, error) {
	switch h.algo {
	case AlgorithmDifference:
		hash, err := goimagehash.DifferenceHash(img)
		if err != nil {
			return "", fmt.Errorf("difference hash: %w", err)
		}
		return Fingerprint(fmt.Sprintf("%064b", hash.GetHash())), nil
	case AlgorithmPerception:
		hash, err := goimagehash.PerceptionHash(img)
		if err != nil {
			return "", fmt.Errorf("perception hash: %w", err)
		}
		return Fingerprint(fmt.Sprintf("%064b", hash.GetHash())), nil
	default:
		return averageHash(img, h.size), nil
	}
}

// averageHash samples an n x n grid, then sets a bit for every sample at or
// above the mean intensity. A flat grid has no contrast to split on, so it is
// compared against mid-gray instead: blank white is all ones, solid black all zeros.
func averageHash(img image.Image, n int) Fingerprint {
	small := imaging.Grayscale(imaging.Resize(img, n, n, imaging.NearestNeighbor))

	values := make([]float64, 0, n*n)
	var sum float64
	flat := true
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			v := float64(small.Pix[y*small.Stride+x*4])
			if len(values) > 0 && v != values[0] {
				flat = false
			}
			values = append(values, v)
			sum += v
		}
	}
	mean := sum / float64(len(values))
	if flat {
		mean = 128
	}

	var sb strings.Builder
	sb.Grow(len(values))
	for _, v := range values {
		if v >= mean {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return Fingerprint(sb.String())
}

// Similarity is the fraction of matching bits. Fingerprints of different
// lengths compare as 0.
func Similarity(a, b Fingerprint) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	dist, _ := HammingDistance(a, b)
	return float64(len(a)-dist) / float64(len(a))
}

// HammingDistance counts differing bit positions.
func HammingDistance(a, b Fingerprint) (int, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrFingerprintLength, len(a), len(b))
	}
	dist := 0
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			dist++
		}
	}
	return dist, nil
}
