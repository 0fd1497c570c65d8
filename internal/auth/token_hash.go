package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

var errEmptySecret = errors.New("secret required")

// digest hashes a secret to a fixed-length value so comparisons take the same
// time regardless of the candidate's length.
func digest(secret string) (string, error) {
	if secret == "" {
		return "", errEmptySecret
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:]), nil
}

func digestsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
