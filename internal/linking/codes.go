package linking

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"math/big"
	"strings"
)

var sixDigits = big.NewInt(1_000_000)

// newEmailCode returns a uniformly random 6-digit code.
func newEmailCode() (string, error) {
	n, err := rand.Int(rand.Reader, sixDigits)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// newChallengeCode returns PREFIX-XXXXXX where X is base32.
func newChallengeCode(prefix string) (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	suffix := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)[:6]
	return strings.ToUpper(prefix) + "-" + suffix, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func codesMatch(stored, given string) bool {
	return subtle.ConstantTimeCompare([]byte(normalizeCode(stored)), []byte(normalizeCode(given))) == 1
}
