// Package middleware provides JWT bearer authentication for the HTTP API and
// the websocket handshake.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
)

type contextKey string

const profileIDKey contextKey = "authedProfileID"

// ProfileIDFromContext returns the verified profile id injected by the auth
// middleware.
func ProfileIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(profileIDKey).(string)
	return id, ok && id != ""
}

// ContextWithProfileID is exposed for tests and local tooling.
func ContextWithProfileID(ctx context.Context, profileID string) context.Context {
	return context.WithValue(ctx, profileIDKey, profileID)
}

// NewJWTAuthMiddleware verifies HS256 bearer tokens. The credential travels
// in the Authorization header, or in the "token" query parameter for
// websocket handshakes where custom headers are unavailable.
//
// When the request also claims a profile id (the "profile_id" query
// parameter of the handshake), the token subject must resolve to that same
// id; a mismatch is rejected before any connection state exists.
func NewJWTAuthMiddleware(secret []byte, logger zerolog.Logger) (func(http.Handler) http.Handler, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt secret cannot be empty")
	}
	key, err := jwk.FromRaw(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to build jwk from secret: %w", err)
	}
	log := logger.With().Str("component", "AuthMiddleware").Logger()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			tok, err := jwt.Parse([]byte(raw), jwt.WithKey(jwa.HS256, key), jwt.WithValidate(true))
			if err != nil {
				log.Debug().Err(err).Msg("Rejected invalid token.")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			sub := tok.Subject()
			if sub == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if claimed := r.URL.Query().Get("profile_id"); claimed != "" && claimed != sub {
				log.Warn().Str("claimed", claimed).Str("subject", sub).Msg("Handshake profile id does not match credential.")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithProfileID(r.Context(), sub)))
		})
	}, nil
}

// NoopAuth injects a fixed profile id without verifying anything. Tests only.
func NoopAuth(profileID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(ContextWithProfileID(r.Context(), profileID)))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if raw, ok := strings.CutPrefix(h, "Bearer "); ok {
			return raw
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
