package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hackgods/telemedicine-scheduling/internal/appointment"
)

const principalKey contextKey = "principal"

var errUnauthenticated = errors.New("missing or invalid credentials")

// Claims is what the identity service puts in an access token.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenValidator checks HS256 access tokens issued by the identity service.
type TokenValidator struct {
	secret []byte
}

func NewTokenValidator(secret string) *TokenValidator {
	return &TokenValidator{secret: []byte(secret)}
}

func (tv *TokenValidator) Validate(tokenString string) (appointment.Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tv.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return appointment.Principal{}, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return appointment.Principal{}, errUnauthenticated
	}

	return principalFrom(claims.Subject, claims.Role)
}

func principalFrom(userID, role string) (appointment.Principal, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return appointment.Principal{}, fmt.Errorf("user id: %w", err)
	}
	r := appointment.Role(strings.ToLower(strings.TrimSpace(role)))
	if !r.Valid() {
		return appointment.Principal{}, fmt.Errorf("unknown role %q", role)
	}
	return appointment.Principal{UserID: id, Role: r}, nil
}

// AuthMiddleware resolves the caller. With a validator it requires a bearer
// token; without one it trusts the X-User-ID and X-User-Role headers set by
// the gateway.
func AuthMiddleware(tv *TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				p   appointment.Principal
				err error
			)

			if tv != nil {
				header := r.Header.Get("Authorization")
				token, ok := strings.CutPrefix(header, "Bearer ")
				if !ok || token == "" {
					err = errUnauthenticated
				} else {
					p, err = tv.Validate(token)
				}
			} else {
				p, err = principalFrom(r.Header.Get("X-User-ID"), r.Header.Get("X-User-Role"))
			}

			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFrom returns the caller stored by AuthMiddleware.
func PrincipalFrom(ctx context.Context) (appointment.Principal, bool) {
	p, ok := ctx.Value(principalKey).(appointment.Principal)
	return p, ok
}
