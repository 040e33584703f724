// Package authmw provides HTTP middleware for bearer token authentication
// and operator identity.
package authmw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// ActorHeader names the operator performing a request. It is only trusted
// behind BearerToken.
const ActorHeader = "X-Warden-Actor"

// DefaultActor is recorded when an authenticated request does not name an operator.
const DefaultActor = "api"

const maxActorLen = 128

type actorKey struct{}

// BearerToken returns middleware that validates the Authorization header
// contains a Bearer token matching the expected value. Comparison uses
// constant-time equality to prevent timing side-channel attacks. On success
// the operator named in ActorHeader (or DefaultActor) is stored in the
// request context.
func BearerToken(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			got := []byte(auth[len("Bearer "):])

			if subtle.ConstantTimeCompare(got, expected) != 1 {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actorFromHeader(r))))
		})
	}
}

func actorFromHeader(r *http.Request) string {
	actor := strings.TrimSpace(r.Header.Get(ActorHeader))
	if actor == "" {
		return DefaultActor
	}
	if len(actor) > maxActorLen {
		actor = actor[:maxActorLen]
	}
	return actor
}

// WithActor returns a context carrying the operator identity.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the operator identity set by BearerToken or WithActor.
func ActorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorKey{}).(string)
	return actor, ok && actor != ""
}
