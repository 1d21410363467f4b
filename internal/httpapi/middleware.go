// Package httpapi exposes the daemon's status/poll/config/ratelimit
// surface over HTTP: a chi router guarded by a bearer JWT, in the style
// of the teacher's handler+httputil pair.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dispatchd/dispatchd/internal/httputil"
)

// BearerAuth returns chi middleware that rejects requests without a
// valid HMAC-signed (HS256/HS384/HS512) bearer token signed with secret. The control surface has
// no notion of per-user identity (spec's daemon is single-tenant), so
// claims are validated but not inspected beyond signature and expiry.
func BearerAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				httputil.Unauthorized(w, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				httputil.Unauthorized(w, "invalid authorization header format")
				return
			}

			token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				httputil.Unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
