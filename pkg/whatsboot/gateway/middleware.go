package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// compareTokens hashes both inputs before the constant-time compare so the
// token length does not leak.
func compareTokens(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// isPublic reports paths served without a token.
func isPublic(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/uploads/")
}

var (
	errNoCredentials = errors.New("missing Authorization header")
	errBadScheme     = errors.New("invalid Authorization format")
	errBadToken      = errors.New("invalid token")
)

// presentedToken extracts the caller's token. Browsers cannot set headers
// on a websocket handshake, so /ws also accepts ?token=.
func presentedToken(r *http.Request) (string, error) {
	if r.URL.Path == "/ws" {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, nil
		}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errNoCredentials
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errBadScheme
	}
	return token, nil
}

// authMiddleware guards every non-public route once a token is configured.
func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.config.AuthToken != "" && !isPublic(r.URL.Path) {
			token, err := presentedToken(r)
			if err == nil && !compareTokens(token, g.config.AuthToken) {
				err = errBadToken
			}
			if err != nil {
				g.logger.Debug("gateway: rejected request", "path", r.URL.Path, "reason", err)
				g.writeError(w, err.Error(), http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed matches an Origin header against the configured list.
func (g *Gateway) originAllowed(origin string) bool {
	for _, o := range g.config.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// corsMiddleware adds CORS headers when origins are configured.
func (g *Gateway) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(g.config.CORSOrigins) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if origin := r.Header.Get("Origin"); g.originAllowed(origin) {
			if origin == "" {
				origin = g.config.CORSOrigins[0]
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		// QR images are re-rendered under the same name; let clients
		// revalidate instead of caching API responses.
		if strings.HasPrefix(r.URL.Path, "/uploads/") {
			h.Set("Cache-Control", "no-cache")
		} else {
			h.Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin gates websocket handshakes. With no CORS list every origin
// is accepted, matching the plain HTTP routes.
func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.config.CORSOrigins) == 0 {
		return true
	}
	return g.originAllowed(origin)
}
