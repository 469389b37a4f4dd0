// Package middleware holds the chi middleware shared by every API route:
// bearer-token authentication, request logging and Prometheus metrics.
package middleware

import (
	"context"
	"net/http"
	"strings"

	apierrors "github.com/prudhvinik1/fieldsync/internal/api/errors"
	"github.com/prudhvinik1/fieldsync/internal/models"
)

type contextKey string

const contextKeyActor contextKey = "actor"

// TokenVerifier resolves a bearer token into an actor.
type TokenVerifier interface {
	VerifyToken(token string) (*models.Actor, error)
}

// Authenticate rejects requests without a valid bearer token and stores the
// resolved actor in the request context. Browsers cannot set headers on a
// websocket handshake, so the token may also arrive as access_token.
func Authenticate(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				apierrors.Unauthorized(w, "missing bearer token")
				return
			}

			actor, err := verifier.VerifyToken(token)
			if err != nil {
				apierrors.Unauthorized(w, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), *actor)))
		})
	}
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, contextKeyActor, actor)
}

// ActorFromContext returns the authenticated actor. Handlers behind
// Authenticate can rely on ok being true.
func ActorFromContext(ctx context.Context) (models.Actor, bool) {
	actor, ok := ctx.Value(contextKeyActor).(models.Actor)
	return actor, ok
}
