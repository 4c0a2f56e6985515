package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kalambet/quadsearch/internal/budget"
)

const fingerprintHeader = "X-Device-Fingerprint"

type ctxKey int

const (
	identityKey ctxKey = iota
	adminKey
)

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Identify resolves the budget identity of every request. A valid HS256 JWT
// makes the caller a verified user; the admin token marks the request as
// admin; an invalid token is rejected. Without a token the caller is
// anonymous and keyed by device fingerprint or address.
func Identify(jwtSecret, adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var userID string
			admin := false

			if auth := r.Header.Get("Authorization"); auth != "" {
				const prefix = "Bearer "
				if !strings.HasPrefix(auth, prefix) {
					httpError(w, http.StatusUnauthorized, "authentication_error", "malformed Authorization header (expected: Bearer <token>)")
					return
				}
				token := auth[len(prefix):]
				if adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) == 1 {
					admin = true
				} else {
					sub, err := verifyJWT(token, jwtSecret)
					if err != nil {
						slog.Debug("rejecting bearer token", "error", err)
						httpError(w, http.StatusUnauthorized, "authentication_error", "invalid token")
						return
					}
					userID = sub
				}
			}

			id := budget.ResolveIdentity(userID, r.Header.Get(fingerprintHeader), r.RemoteAddr)
			ctx := context.WithValue(r.Context(), identityKey, id)
			ctx = context.WithValue(ctx, adminKey, admin)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func verifyJWT(tokenString, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("jwt verification is not configured")
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token is invalid")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func identityFrom(ctx context.Context) budget.Identity {
	if id, ok := ctx.Value(identityKey).(budget.Identity); ok {
		return id
	}
	return budget.ResolveIdentity("", "", "")
}

func isAdmin(ctx context.Context) bool {
	admin, _ := ctx.Value(adminKey).(bool)
	return admin
}
