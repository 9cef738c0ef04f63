package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/animus-labs/medscan/internal/platform/httpserver"
)

type AuthorizeFunc func(r *http.Request, identity Identity) error

type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	Authorize     AuthorizeFunc
	SkipPrefixes  []string
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range m.SkipPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		if err != nil {
			reason := "invalid_token"
			if errors.Is(err, ErrUnauthenticated) {
				reason = "unauthorized"
			}
			m.logDeny(r, http.StatusUnauthorized, reason, err)
			httpserver.WriteError(w, r, http.StatusUnauthorized, reason, nil)
			return
		}

		if m.Authorize != nil {
			if err := m.Authorize(r, identity); err != nil {
				m.logDeny(r, http.StatusForbidden, "forbidden", err, "subject", identity.Subject)
				httpserver.WriteError(w, r, http.StatusForbidden, "forbidden", nil)
				return
			}
		}

		r = r.WithContext(ContextWithIdentity(r.Context(), identity))
		next.ServeHTTP(w, r)
	})
}

func (m Middleware) logDeny(r *http.Request, status int, reason string, err error, extra ...any) {
	if m.Logger == nil {
		return
	}
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	fields := []any{
		"reason", reason,
		"status", status,
		"request_id", requestID,
		"method", r.Method,
		"path", r.URL.Path,
		"error", err.Error(),
	}
	fields = append(fields, extra...)
	m.Logger.Warn("auth deny", fields...)
}
