// Package identity resolves who is calling: agents by bearer token,
// customers by their session token.
package identity

import (
	"context"
	"net"
	"net/http"
	"strings"
)

const (
	// CustomerTokenHeader carries the session token for customer requests.
	CustomerTokenHeader = "X-Chat-Token"
	customerTokenParam  = "token"
	// accessTokenParam carries the agent token where headers cannot be set
	// (EventSource, browser websockets).
	accessTokenParam = "access_token"
)

type contextKey int

const (
	agentIDKey contextKey = iota
	agentNameKey
)

// WithAgent returns a context carrying the authenticated agent.
func WithAgent(ctx context.Context, agentID int64, name string) context.Context {
	ctx = context.WithValue(ctx, agentIDKey, agentID)
	return context.WithValue(ctx, agentNameKey, name)
}

// AgentIDFromContext extracts the agent ID from the request context.
func AgentIDFromContext(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(agentIDKey).(int64)
	return v, ok && v > 0
}

// AgentNameFromContext extracts the agent display name from the request context.
func AgentNameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(agentNameKey).(string); ok {
		return v
	}
	return ""
}

// BearerToken returns the token from an "Authorization: Bearer" value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func agentTokenFromRequest(r *http.Request) string {
	if tok := BearerToken(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	return r.URL.Query().Get(accessTokenParam)
}

// AgentMiddleware rejects requests without a valid agent token and injects
// the agent identity into the request context.
func AgentMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := agentTokenFromRequest(r)
			if tok == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="agent"`)
				http.Error(w, `{"error":"agent authentication required","code":"unauthenticated"}`, http.StatusUnauthorized)
				return
			}

			claims, err := ParseAgentToken(secret, tok)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				http.Error(w, `{"error":"invalid agent token","code":"unauthenticated"}`, http.StatusUnauthorized)
				return
			}

			ctx := WithAgent(r.Context(), claims.AgentID, claims.Name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CustomerToken extracts the customer's session token from the header or
// the query string.
func CustomerToken(r *http.Request) string {
	if tok := strings.TrimSpace(r.Header.Get(CustomerTokenHeader)); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.URL.Query().Get(customerTokenParam))
}

// IPFromRequest returns a normalized remote IP for rate limiting and tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
