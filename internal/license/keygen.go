package license

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// keyAlphabet excludes the visually ambiguous glyphs 0/O, 1/I and L so
// keys survive being read aloud or retyped from paper.
const keyAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const (
	keyGroups    = 4
	keyGroupSize = 8
)

// GenerateKey produces a license key of four eight-character groups,
// e.g. "7WMKP3XH-2BQRTV9A-...". Randomness comes from crypto/rand;
// uniqueness is enforced by the store's unique index.
func GenerateKey() (string, error) {
	groups := make([]string, keyGroups)
	max := big.NewInt(int64(len(keyAlphabet)))

	for g := 0; g < keyGroups; g++ {
		var sb strings.Builder
		for i := 0; i < keyGroupSize; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", fmt.Errorf("failed to read randomness: %w", err)
			}
			sb.WriteByte(keyAlphabet[n.Int64()])
		}
		groups[g] = sb.String()
	}

	return strings.Join(groups, "-"), nil
}

// ValidKeyFormat reports whether key matches the issued structure:
// four dash-separated groups of eight characters from the key alphabet.
func ValidKeyFormat(key string) bool {
	parts := strings.Split(key, "-")
	if len(parts) != keyGroups {
		return false
	}
	for _, part := range parts {
		if len(part) != keyGroupSize {
			return false
		}
		for i := 0; i < len(part); i++ {
			if !strings.ContainsRune(keyAlphabet, rune(part[i])) {
				return false
			}
		}
	}
	return true
}
