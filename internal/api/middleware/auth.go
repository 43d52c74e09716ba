package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated caller
type Principal struct {
	UserID      string
	WorkplaceID string
	Roles       []string
}

// Claims are the token claims the API understands
type Claims struct {
	jwt.RegisteredClaims
	WorkplaceID string   `json:"workplace_id"`
	Roles       []string `json:"roles"`
}

// WithPrincipal stores p in ctx
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the caller stored by Auth
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// Auth authenticates every request. With a secret, a HS256 bearer token is
// required and its subject and workplace_id claims identify the caller.
// Without one, the X-User-ID and X-Workplace-ID headers are trusted, which
// is only meant for local runs behind a gateway.
func Auth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				p   Principal
				err error
			)
			if len(secret) > 0 {
				p, err = fromToken(r, secret)
			} else {
				p, err = fromHeaders(r)
			}
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func fromToken(r *http.Request, secret []byte) (Principal, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return Principal{}, errors.New("missing bearer token")
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" || claims.WorkplaceID == "" {
		return Principal{}, errors.New("token must carry sub and workplace_id")
	}
	return Principal{UserID: claims.Subject, WorkplaceID: claims.WorkplaceID, Roles: claims.Roles}, nil
}

func fromHeaders(r *http.Request) (Principal, error) {
	p := Principal{
		UserID:      r.Header.Get("X-User-ID"),
		WorkplaceID: r.Header.Get("X-Workplace-ID"),
	}
	if p.UserID == "" || p.WorkplaceID == "" {
		return Principal{}, errors.New("X-User-ID and X-Workplace-ID headers are required")
	}
	return p, nil
}

// writeError writes the API failure envelope
func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   map[string]interface{}{"type": kind, "message": message},
	})
}
