package httpx

import (
	"context"
	"net/http"
	"strings"

	"github.com/spacetimedb/hostd/internal/errs"
	"github.com/spacetimedb/hostd/internal/host"
)

// TokenAuthenticator resolves a bearer token to the caller Identity it
// authenticates, or an Auth-tagged error if the token is invalid.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, token string) (host.Identity, error)
}

type identityCtxKey int

const identityKey identityCtxKey = 0

// RequireBearer extracts the Authorization: Bearer token from each
// request, resolves it via auth, and stores the resulting Identity in
// the request context for handlers to read back with IdentityFromContext.
func RequireBearer(auth TokenAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				JSONError(w, r, http.StatusUnauthorized, "auth", err.Error())
				return
			}
			id, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				JSONError(w, r, http.StatusUnauthorized, "auth", err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", errs.New(errs.Auth, "httpx: missing or malformed Authorization header")
	}
	token := strings.TrimSpace(h[len(prefix):])
	if token == "" {
		return "", errs.New(errs.Auth, "httpx: empty bearer token")
	}
	return token, nil
}

// IdentityFromContext returns the Identity RequireBearer resolved for
// this request, if any.
func IdentityFromContext(ctx context.Context) (host.Identity, bool) {
	id, ok := ctx.Value(identityKey).(host.Identity)
	return id, ok
}
