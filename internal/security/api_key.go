package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
)

// apiKeyPrefix is the prefix used for generated API keys.
const apiKeyPrefix = "sk-"

// apiKeyRandomBytes sizes the random suffix at 128 bits of entropy.
const apiKeyRandomBytes = 16

// userIDPattern restricts user identities to non-empty URL-safe strings.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]{1,100}$`)

// GenerateAPIKey creates a new credential of the form sk-{user_id}-{random}.
// The embedded user identity is advisory only; validation always re-confirms
// the full key against the store.
func GenerateAPIKey(userID string) (string, error) {
	secret := make([]byte, apiKeyRandomBytes)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return apiKeyPrefix + userID + "-" + hex.EncodeToString(secret), nil
}

// ValidUserID reports whether an identity string is acceptable as a user ID.
func ValidUserID(userID string) bool {
	return userIDPattern.MatchString(userID)
}
