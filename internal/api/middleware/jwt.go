package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

const operatorKey contextKey = "operator"

// tokenIssuer is stamped into and required on every operator token.
const tokenIssuer = "wakeupd"

// OperatorClaims identifies the front-desk operator or integration that
// holds an API token.
type OperatorClaims struct {
	Operator string `json:"op"`
	jwt.RegisteredClaims
}

// GenerateToken signs an HS256 bearer token for operator, valid for ttl.
func GenerateToken(secret []byte, operator string, ttl time.Duration) (string, time.Time, error) {
	if operator == "" {
		return "", time.Time{}, errors.New("operator name is required")
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := OperatorClaims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
			Subject:   operator,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// RequireToken returns middleware that accepts only requests carrying a valid
// operator bearer token. The operator name is stored in the request context.
func RequireToken(secret []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("subsystem", "auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, raw, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || raw == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			claims := &OperatorClaims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				logger.Debug("rejected bearer token", "error", err, "remote_addr", r.RemoteAddr)
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			if claims.Operator == "" || !claims.VerifyIssuer(tokenIssuer, true) {
				writeError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			ctx := context.WithValue(r.Context(), operatorKey, claims.Operator)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorFromContext returns the authenticated operator, or "" when the
// request was not authenticated.
func OperatorFromContext(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey).(string)
	return op
}
