package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	a, err := Generate(32)
	require.NoError(t, err)
	b, err := Generate(32)
	require.NoError(t, err)

	assert.Len(t, a, 43)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "+")
	assert.NotContains(t, a, "/")
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("abc", "abc"))
	assert.False(t, Equal("abc", "abd"))
	assert.False(t, Equal("abc", "ab"))
	assert.False(t, Equal("", ""))
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("secret-token")
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, Fingerprint("secret-token"))
	assert.NotEqual(t, fp, Fingerprint("other-token"))
	assert.NotContains(t, fp, "secret")
}

func TestHash(t *testing.T) {
	h := Hash("secret-token")
	assert.Len(t, h, 64)
	assert.True(t, Equal(h, Hash("secret-token")))
	assert.Equal(t, h[:16], Fingerprint("secret-token"))
}
