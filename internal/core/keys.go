package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// apiKeyPrefixLen is how much of the secret is stored in clear for the
// indexed lookup. "sat_" plus eight hex chars narrows a lookup to one
// document without revealing anything usable.
const apiKeyPrefixLen = 12

// MintAPIKey returns a fresh bearer secret, its indexable prefix and the
// hash that gets persisted. The plaintext is shown to the caller once and
// never stored.
func MintAPIKey() (secret, prefix, hash string) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	secret = "sat_" + hex.EncodeToString(buf)
	return secret, KeyPrefix(secret), HashAPIKey(secret)
}

// HashAPIKey is the storage form of a key secret.
func HashAPIKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// KeyPrefix extracts the indexed lookup prefix from a presented secret.
func KeyPrefix(secret string) string {
	if len(secret) < apiKeyPrefixLen {
		return secret
	}
	return secret[:apiKeyPrefixLen]
}
