package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rakunlabs/rcrt/internal/model"
)

type identityContextKey struct{}

// claims is the decoded shape of the bearer token: { subject, owner_id,
// roles }. Token issuance/signing/rotation are out of scope (see
// spec's Authentication paragraph); this middleware only parses the
// claims a trusted issuer already produced. When ForwardAuth has already
// authenticated the caller upstream, the token is read the same way — a
// base64url JSON blob carried as the bearer value — so parsing needs no
// real signing dependency. Dev mode reads no token at all: identity comes
// from the X-RCRT-* headers (see identityMiddleware).
type claims struct {
	Subject string   `json:"subject"`
	OwnerID string   `json:"owner_id"`
	Roles   []string `json:"roles"`
}

// identityMiddleware parses the Authorization header into a
// model.Identity stored on the request context. DevMode bypasses parsing
// entirely and trusts three plain headers instead, for local iteration
// and integration tests that don't want to construct tokens.
func (s *Server) identityMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.config.DevMode {
				identity := model.Identity{
					Subject: firstNonEmpty(r.Header.Get("X-RCRT-Subject"), "dev-agent"),
					OwnerID: firstNonEmpty(r.Header.Get("X-RCRT-Owner"), "dev-tenant"),
					Roles:   splitRoles(r.Header.Get("X-RCRT-Roles"), "emitter", "subscriber", "curator"),
				}
				next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
				return
			}

			auth := r.Header.Get("Authorization")
			token := strings.TrimPrefix(auth, "Bearer ")
			if auth == "" || token == auth {
				httpResponse(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			identity, err := parseToken(token)
			if err != nil {
				httpResponse(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
		})
	}
}

// parseToken decodes the bearer value as base64url-encoded JSON claims.
// Real deployments sit ForwardAuth (or an equivalent gateway) in front of
// this service to verify signatures before the request ever arrives
// here; this function only extracts the identity payload it trusts.
func parseToken(token string) (model.Identity, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return model.Identity{}, err
	}
	var c claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return model.Identity{}, err
	}
	return model.Identity{Subject: c.Subject, OwnerID: c.OwnerID, Roles: c.Roles}, nil
}

func withIdentity(ctx context.Context, identity model.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

func identityFromContext(ctx context.Context) model.Identity {
	identity, _ := ctx.Value(identityContextKey{}).(model.Identity)
	return identity
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitRoles(raw string, fallback ...string) []string {
	if raw == "" {
		return fallback
	}
	return strings.Split(raw, ",")
}
