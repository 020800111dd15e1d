package imageproc

import (
	"image"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canvascache/internal/testutil"
)

func TestHashDeterministic(t *testing.T) {
	h := DefaultHasher()
	data := testutil.Canvas256(t)

	first, err := h.Hash(data)
	require.NoError(t, err)
	assert.Len(t, string(first), 64)

	for i := 0; i < 3; i++ {
		again, err := h.Hash(data)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	// A fresh hasher has no memo and must agree.
	other, err := DefaultHasher().Hash(data)
	require.NoError(t, err)
	assert.Equal(t, first, other)
}

func TestHashRowMajorBits(t *testing.T) {
	fp, err := DefaultHasher().Hash(testutil.Canvas256(t))
	require.NoError(t, err)

	for row := 0; row < 8; row++ {
		assert.Equal(t, "00001111", string(fp[row*8:row*8+8]), "row %d", row)
	}
}

func TestHashSizeConfigurable(t *testing.T) {
	h, err := NewHasher(HasherConfig{Size: 16})
	require.NoError(t, err)

	fp, err := h.Hash(testutil.Canvas256(t))
	require.NoError(t, err)
	assert.Equal(t, 256, fp.Bits())
}

func TestNewHasherValidation(t *testing.T) {
	_, err := NewHasher(HasherConfig{Size: 1})
	assert.Error(t, err)

	_, err = NewHasher(HasherConfig{Algorithm: "wavelet"})
	assert.Error(t, err)

	_, err = NewHasher(HasherConfig{Algorithm: AlgorithmDifference, Size: 16})
	assert.Error(t, err)

	h, err := NewHasher(HasherConfig{Algorithm: AlgorithmPerception})
	require.NoError(t, err)
	assert.Equal(t, AlgorithmPerception, h.Algorithm())
}

func TestAlternativeAlgorithms(t *testing.T) {
	for _, algo := range []Algorithm{AlgorithmDifference, AlgorithmPerception} {
		t.Run(string(algo), func(t *testing.T) {
			h, err := NewHasher(HasherConfig{Algorithm: algo})
			require.NoError(t, err)

			base := testutil.Canvas256(t)
			a, err := h.Hash(base)
			require.NoError(t, err)
			again, err := h.Hash(base)
			require.NoError(t, err)
			noise, err := h.Hash(testutil.EncodePNG(t, testutil.Noise(256, 256, 7)))
			require.NoError(t, err)

			assert.Len(t, string(a), 64)
			assert.Equal(t, a, again)
			assert.NotEqual(t, a, noise)
		})
	}
}

func TestHashDecodeError(t *testing.T) {
	_, err := DefaultHasher().Hash([]byte("definitely not an image"))
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))

	_, err = DefaultHasher().Hash(nil)
	require.Error(t, err)

	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestSimilarityProperties(t *testing.T) {
	a := Fingerprint("1100110011001100")
	b := Fingerprint("1100110011000011")

	assert.Equal(t, 1.0, Similarity(a, a))
	assert.Equal(t, Similarity(a, b), Similarity(b, a))
	assert.InDelta(t, 12.0/16.0, Similarity(a, b), 1e-9)

	s := Similarity(a, Fingerprint("0011001100110011"))
	assert.GreaterOrEqual(t, s, 0.0)
	assert.LessOrEqual(t, s, 1.0)
}

func TestSimilarityLengthMismatch(t *testing.T) {
	assert.Equal(t, 0.0, Similarity("1111", "11111111"))
	assert.Equal(t, 0.0, Similarity("", ""))

	_, err := HammingDistance("1111", "11111111")
	assert.ErrorIs(t, err, ErrFingerprintLength)
}

func TestNearDuplicates(t *testing.T) {
	h := DefaultHasher()
	base, err := h.Hash(testutil.Canvas256(t))
	require.NoError(t, err)

	t.Run("recompressed", func(t *testing.T) {
		fp, err := h.Hash(testutil.EncodeJPEG(t, testutil.HalfSplit(256, 256), 40))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, Similarity(base, fp), 0.85)
	})

	t.Run("pixel noise", func(t *testing.T) {
		img := testutil.HalfSplit(256, 256)
		testutil.Fill(img, image.Rect(16, 16, 18, 18), testutil.White)
		testutil.Fill(img, image.Rect(200, 100, 201, 101), testutil.Black)

		fp, err := h.Hash(testutil.EncodePNG(t, img))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, Similarity(base, fp), 0.85)
	})
}

func TestDistinctCanvases(t *testing.T) {
	h := DefaultHasher()
	a, err := h.Hash(testutil.EncodePNG(t, testutil.HalfSplit(256, 256)))
	require.NoError(t, err)
	b, err := h.Hash(testutil.EncodePNG(t, testutil.InvertedHalfSplit(256, 256)))
	require.NoError(t, err)

	assert.Less(t, Similarity(a, b), 0.5)
}

func TestUniformCanvasesStayDistinct(t *testing.T) {
	h := DefaultHasher()
	black, err := h.Hash(testutil.EncodePNG(t, testutil.Solid(64, 64, testutil.Black)))
	require.NoError(t, err)
	white, err := h.Hash(testutil.EncodePNG(t, testutil.Solid(64, 64, testutil.White)))
	require.NoError(t, err)

	assert.Equal(t, Fingerprint(strings.Repeat("0", 64)), black)
	assert.Equal(t, Fingerprint(strings.Repeat("1", 64)), white)
	assert.Less(t, Similarity(black, white), 0.5)
}
