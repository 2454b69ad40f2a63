package secrets

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrInvalidSignature marks a webhook whose signature does not match.
var ErrInvalidSignature = errors.New("secrets: invalid webhook signature")

const signaturePrefix = "sha256="

// Sign returns "sha256=" + hex(HMAC-SHA256(payload, secret)).
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against payload in constant time. The signature
// must match the exact lowercase form produced by Sign. An empty secret never
// verifies.
func Verify(payload []byte, signature, secret string) bool {
	if secret == "" || !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(payload, secret)))
}

// CheckSignature is Verify returning ErrInvalidSignature on mismatch.
func CheckSignature(payload []byte, signature, secret string) error {
	if !Verify(payload, signature, secret) {
		return ErrInvalidSignature
	}
	return nil
}
