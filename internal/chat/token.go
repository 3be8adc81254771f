package chat

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const tokenBytes = 32

// NewToken returns a 64 character hex session token.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// maskToken shortens a token for logs.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:8] + "…"
}
