package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCS(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(out))
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]any{"s": "<&>"})
	require.NoError(t, err)
	assert.Equal(t, `{"s":"<&>"}`, string(out))
}

func TestDigestStableAcrossKeyOrder(t *testing.T) {
	type payload struct {
		X int    `json:"x"`
		Y string `json:"y"`
	}
	d1, err := Digest(payload{X: 3, Y: "ok"})
	require.NoError(t, err)
	d2, err := Digest(map[string]any{"y": "ok", "x": 3})
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Contains(t, d1, "sha256:")
}

func TestDigestDiffersOnContent(t *testing.T) {
	d1, err := Digest(map[string]any{"x": 1})
	require.NoError(t, err)
	d2, err := Digest(map[string]any{"x": 2})
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}
