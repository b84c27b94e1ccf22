// Package usercontext implements the optional user-context enricher
// (spec.md §4.3 step 7): user_id, user_roles, auth_scheme, sourced from
// the request context (C1) and, if a bearer token is present, decoded
// from its JWT claims.
//
// The claims shape and HMAC verification call are grounded on
// internal/auth/jwt.go's TokenService.Verify, generalized from a single
// "Role" claim tied to one signing secret into a small, library-owned
// claim set the host application's own token issuer is expected to
// produce (this package only reads tokens, it never issues them).
package usercontext

import (
	"context"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kluzzebass/fapilog/internal/enrich"
	"github.com/kluzzebass/fapilog/internal/eventctx"
)

// Claims is the minimal claim set this enricher understands. Hosts that
// issue tokens with additional claims are unaffected; only these three
// are lifted into the event.
type Claims struct {
	UserID string   `json:"sub"`
	Roles  []string `json:"roles"`
	Scheme string   `json:"-"`
	jwt.RegisteredClaims
}

// New returns the synchronous enricher. secret verifies HMAC-signed
// bearer tokens bound via WithBearerToken (see below); a nil/empty secret
// disables JWT decoding and the enricher falls back to whatever is
// already bound in the request context.
func New(secret []byte) enrich.Func {
	return func(ctx context.Context, logger *slog.Logger, event enrich.Event) (enrich.Event, error) {
		snap := eventctx.Get(ctx)
		mergeIfAbsent(event, "user_id", snap["user_id"])
		mergeIfAbsent(event, "user_roles", snap["user_roles"])
		mergeIfAbsent(event, "auth_scheme", snap["auth_scheme"])

		if len(secret) == 0 {
			return event, nil
		}
		if _, hasUser := event["user_id"]; hasUser {
			return event, nil
		}
		token, ok := bearerFrom(ctx)
		if !ok {
			return event, nil
		}
		claims, err := decode(token, secret)
		if err != nil {
			return event, nil // decode failures never fail the event
		}
		mergeIfAbsent(event, "user_id", claims.UserID)
		if len(claims.Roles) > 0 {
			mergeIfAbsent(event, "user_roles", claims.Roles)
		}
		mergeIfAbsent(event, "auth_scheme", "bearer")
		return event, nil
	}
}

func mergeIfAbsent(event enrich.Event, key string, v any) {
	if v == nil {
		return
	}
	if s, ok := v.(string); ok && s == "" {
		return
	}
	if _, exists := event[key]; !exists {
		event[key] = v
	}
}

type bearerKey struct{}

// WithBearerToken attaches a raw Authorization header value to ctx so
// the enricher can decode it without this package depending on
// net/http. Middleware (C7) calls this when relaying an inbound
// Authorization header.
func WithBearerToken(ctx context.Context, header string) context.Context {
	return context.WithValue(ctx, bearerKey{}, header)
}

func bearerFrom(ctx context.Context) (string, bool) {
	v, _ := ctx.Value(bearerKey{}).(string)
	if v == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(v, prefix) {
		return "", false
	}
	return strings.TrimPrefix(v, prefix), true
}

func decode(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	return claims, nil
}
