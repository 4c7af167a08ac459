package server

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// authenticator validates operator bearer tokens on mutating routes.
type authenticator struct {
	secret []byte
}

func newAuthenticator(secret string) *authenticator {
	return &authenticator{secret: []byte(secret)}
}

// middleware rejects requests without a valid HS256 bearer token.
// The verified subject is exposed to handlers via the X-Fleetd-Operator header.
func (a *authenticator) middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			Unauthorized(w, "missing bearer token", r.URL.Path)
			return
		}

		claims := jwt.RegisteredClaims{}
		parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
			return a.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !parsed.Valid {
			Unauthorized(w, "invalid token", r.URL.Path)
			return
		}

		r.Header.Set("X-Fleetd-Operator", claims.Subject)
		next(w, r)
	}
}
