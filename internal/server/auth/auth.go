// Package auth binds bearer tokens to device identities using a static
// configured map and constant-time comparison.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"invertertelemetry/internal/telemetry"
)

// Authenticator maps bearer tokens to device_id.
type Authenticator struct {
	tokens map[string]string // token -> device_id
}

// New returns an Authenticator backed by the given token->device_id map.
func New(tokens map[string]string) *Authenticator {
	return &Authenticator{tokens: tokens}
}

// Authenticate checks the Authorization header's bearer token against
// every configured token using a constant-time comparison, returning
// the bound device_id on a match.
func (a *Authenticator) Authenticate(r *http.Request) (deviceID string, ok bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	presented := []byte(strings.TrimPrefix(header, prefix))

	for token, device := range a.tokens {
		if subtle.ConstantTimeCompare(presented, []byte(token)) == 1 {
			return device, true
		}
	}
	return "", false
}

type ctxKey int

const deviceIDKey ctxKey = iota

// Middleware authenticates every request, rejecting an absent or
// mismatched bearer token with 401 and a WWW-Authenticate challenge,
// and otherwise attaching the resolved device_id to the request
// context for downstream handlers.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID, ok := a.Authenticate(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(telemetry.ErrorResponse{Detail: "missing or invalid bearer token"})
			return
		}
		ctx := contextWithDeviceID(r.Context(), deviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
