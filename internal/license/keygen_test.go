package license

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey_Format(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	parts := strings.Split(key, "-")
	require.Len(t, parts, 4)
	for _, part := range parts {
		assert.Len(t, part, 8)
	}
	assert.True(t, ValidKeyFormat(key))
}

func TestGenerateKey_ExcludesAmbiguousGlyphs(t *testing.T) {
	for i := 0; i < 50; i++ {
		key, err := GenerateKey()
		require.NoError(t, err)
		assert.NotContainsf(t, key, "0", "key %s", key)
		assert.NotContainsf(t, key, "O", "key %s", key)
		assert.NotContainsf(t, key, "1", "key %s", key)
		assert.NotContainsf(t, key, "I", "key %s", key)
		assert.NotContainsf(t, key, "L", "key %s", key)
	}
}

func TestGenerateKey_NoImmediateCollisions(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		key, err := GenerateKey()
		require.NoError(t, err)
		require.False(t, seen[key], "generated duplicate key %s", key)
		seen[key] = true
	}
}

func TestValidKeyFormat(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"valid", "7WMKP3XH-2BQRTV9A-CDEFGH23-456789JK", true},
		{"empty", "", false},
		{"too few groups", "7WMKP3XH-2BQRTV9A-CDEFGH23", false},
		{"too many groups", "7WMKP3XH-2BQRTV9A-CDEFGH23-456789JK-AAAAAAAA", false},
		{"short group", "7WMKP3X-2BQRTV9A-CDEFGH23-456789JK", false},
		{"ambiguous glyph", "7WMKP3XO-2BQRTV9A-CDEFGH23-456789JK", false},
		{"lowercase", "7wmkp3xh-2bqrtv9a-cdefgh23-456789jk", false},
		{"no dashes", "7WMKP3XH2BQRTV9ACDEFGH23456789JK", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidKeyFormat(tt.key))
		})
	}
}
