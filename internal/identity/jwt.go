package identity

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "supportdesk"

// ErrInvalidAgentToken is returned for malformed, expired or forged tokens.
var ErrInvalidAgentToken = errors.New("invalid agent token")

// AgentClaims is the payload of an agent bearer token.
type AgentClaims struct {
	AgentID int64  `json:"agent_id"`
	Name    string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// IssueAgentToken signs an HS256 token for agentID valid for ttl.
func IssueAgentToken(secret []byte, agentID int64, name string, ttl time.Duration) (string, error) {
	if agentID <= 0 {
		return "", fmt.Errorf("agent id must be positive, got %d", agentID)
	}
	now := time.Now()
	claims := AgentClaims{
		AgentID: agentID,
		Name:    name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   strconv.FormatInt(agentID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign agent token: %w", err)
	}
	return signed, nil
}

// ParseAgentToken verifies the signature, issuer and expiry of a token.
func ParseAgentToken(secret []byte, tokenStr string) (*AgentClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &AgentClaims{}, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAgentToken, err)
	}
	claims, ok := token.Claims.(*AgentClaims)
	if !ok || !token.Valid || claims.AgentID <= 0 {
		return nil, ErrInvalidAgentToken
	}
	return claims, nil
}
