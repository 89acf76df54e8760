// Dashboard authentication middleware: static bearer token.
//
// Every request except GET /api/health must carry one of:
//
//	Authorization: Bearer <api_key>
//	X-API-Key: <api_key>
//
// WebSocket upgrades may pass the token as a query parameter instead:
//
//	ws://host/api/ws?token=<api_key>
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/sipeed/clawgate/pkg/logger"
)

// authMiddleware wraps a handler with bearer token checking. An empty apiKey
// turns it into a pass-through; NewServer generates a key so that only
// happens when key generation failed.
func authMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		logger.WarnC("auth", "Dashboard auth disabled: no API key")
		return next
	}

	logger.InfoC("auth", "Dashboard bearer token auth enabled")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// CORS preflight
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		// Extract token from request
		token := extractToken(r)

		if !tokenValid(token, apiKey) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="clawgate"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "unauthorized: bearer token required",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractToken pulls the bearer token from Authorization header,
// X-API-Key header, or ?token= query param (for WebSocket upgrades).
func extractToken(r *http.Request) string {
	// Authorization: Bearer <token>
	if auth := r.Header.Get("Authorization"); auth != "" {
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}

	// X-API-Key: <token>
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}

	// ?token=<token> for WebSocket clients
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}

	return ""
}

// tokenValid does a constant-time comparison to prevent timing attacks.
func tokenValid(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// isPublicPath returns true for paths that never require authentication.
func isPublicPath(path string) bool {
	return path == "/api/health"
}
