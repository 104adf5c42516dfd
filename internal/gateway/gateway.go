// Package gateway defines the interface for user-facing entry points and the
// API-key checks they share.
package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Gateway is a user-facing interface (HTTP, WebSocket, MCP).
type Gateway interface {
	// Start launches the gateway's event loop and blocks until the gateway
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}

// BearerToken extracts the API key from the Authorization header, falling
// back to the token query parameter for clients that cannot set headers.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Authenticate maps an API key onto its client ID. Every configured key is
// compared in constant time.
func Authenticate(keys map[string]string, apiKey string) (string, bool) {
	if apiKey == "" {
		return "", false
	}
	clientID := ""
	for key, id := range keys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			clientID = id
		}
	}
	return clientID, clientID != ""
}

// ClientAddr returns the remote host used as the rate-limit key for
// unauthenticated clients.
func ClientAddr(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}

// RequireAPIKey rejects requests to next that do not carry one of keys.
// With no keys configured next is returned unchanged.
func RequireAPIKey(keys map[string]string, next http.Handler) http.Handler {
	if len(keys) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := Authenticate(keys, BearerToken(r)); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
