package authz

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"snakkaz-e2ee/internal/observability/metrics"
	obsmw "snakkaz-e2ee/internal/observability/middleware"
)

type HMACValidator struct {
	secret []byte
	issuer string
}

func NewHMACValidator(secret, issuer string) *HMACValidator {
	return &HMACValidator{
		secret: []byte(secret),
		issuer: issuer,
	}
}

func (h *HMACValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := "success"
		defer func() { metrics.AuthenticationAttemptsTotal.WithLabelValues("hmac", result).Inc() }()
		reqID := obsmw.RequestIDFromContext(r.Context())

		tokStr, err := bearer(r)
		if err != nil {
			result = "failure"
			http.Error(w, err.Error(), http.StatusUnauthorized)
			slog.Warn("chatd auth missing bearer", "request_id", reqID)
			return
		}

		token, err := jwt.Parse(tokStr, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %T", token.Method)
			}
			return h.secret, nil
		}, jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			result = "failure"
			http.Error(w, "invalid token", http.StatusUnauthorized)
			slog.Warn("chatd auth invalid token", "error", err, "request_id", reqID)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			result = "failure"
			http.Error(w, "invalid token claims", http.StatusUnauthorized)
			return
		}
		if iss, _ := claims["iss"].(string); iss != "" && iss != h.issuer {
			result = "failure"
			http.Error(w, "issuer mismatch", http.StatusUnauthorized)
			slog.Warn("chatd auth issuer mismatch", "issuer", iss, "request_id", reqID)
			return
		}
		sub, _ := claims["sub"].(string)
		if sub == "" {
			result = "failure"
			http.Error(w, "no subject", http.StatusUnauthorized)
			slog.Warn("chatd auth missing subject", "request_id", reqID)
			return
		}

		slog.Debug("chatd auth passed", "method", "hmac", "subject", sub, "request_id", reqID)
		next.ServeHTTP(w, r.WithContext(contextWithSubject(r.Context(), sub)))
	})
}
