package apikey

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aigw/gateway/internal/apierr"
)

// HeaderName carries the presented key on every authenticated request.
const HeaderName = "X-API-Key"

type contextKey struct{}

// FromContext returns the authenticated key for a request, or nil when the
// request did not pass through Middleware.
func FromContext(ctx context.Context) *AuthedKey {
	key, _ := ctx.Value(contextKey{}).(*AuthedKey)
	return key
}

// Middleware authenticates the X-API-Key header and injects the resolved
// key into the request context. Failures are a uniform 401.
func Middleware(auth *Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(HeaderName)
			key, err := auth.Authenticate(r.Context(), presented)
			if err != nil {
				if !errors.Is(err, ErrInvalidKey) {
					logger.Error("api key authentication failed", "error", err)
				}
				apierr.Write(w, apierr.Unauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), contextKey{}, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
