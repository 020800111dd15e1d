package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityKeyNormalizeAndString(t *testing.T) {
	k := IdentityKey{UserID: " u1 ", ProblemID: "p1"}.Normalize()

	assert.Equal(t, KindCanvas, k.Kind)
	assert.Equal(t, DefaultSessionID, k.SessionID)
	assert.Equal(t, "canvas:u1:p1:default", k.String())

	parsed, ok := ParseIdentityKey(k.String())
	require.True(t, ok)
	assert.Equal(t, k, parsed)

	_, ok = ParseIdentityKey("exact:u:m:v:h")
	assert.False(t, ok)
}

func TestIdentityKeyValidate(t *testing.T) {
	assert.NoError(t, canvasKey("u", "p", "s").Validate())
	assert.Error(t, canvasKey("", "p", "s").Validate())
	assert.Error(t, canvasKey("u", "", "s").Validate())
	assert.Error(t, canvasKey("u:x", "p", "s").Validate())
	assert.Error(t, IdentityKey{Kind: "video", UserID: "u", ProblemID: "p"}.Validate())
}

func TestKindDefaults(t *testing.T) {
	assert.Equal(t, 2*time.Hour, KindCanvas.DefaultTTL())
	assert.Equal(t, 24*time.Hour, KindImage.DefaultTTL())

	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindCanvas, k)

	k, err = ParseKind("IMAGE")
	require.NoError(t, err)
	assert.Equal(t, KindImage, k)

	_, err = ParseKind("video")
	assert.Error(t, err)
}
