package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"merchantd/taler"
)

// Authenticator guards the private management endpoints with a shared
// bearer token compared in constant time. An empty token leaves them open,
// which is only sensible for local development; NewAuthenticator logs a
// warning so the operator cannot miss it.
type Authenticator struct {
	token []byte
	open  bool
}

func NewAuthenticator(token string, logger *slog.Logger) *Authenticator {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		if logger != nil {
			logger.Warn("no admin bearer token configured, private endpoints are open")
		}
		return &Authenticator{open: true}
	}
	return &Authenticator{token: []byte(trimmed)}
}

// Middleware rejects requests whose Authorization header does not carry the
// configured token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.open {
			presented, ok := parseBearerToken(r.Header.Get("Authorization"))
			if !ok || subtle.ConstantTimeCompare([]byte(presented), a.token) != 1 {
				writeTalerError(w, taler.NewError(taler.CodeUnauthorized, http.StatusUnauthorized, "invalid or missing bearer token"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func parseBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}
