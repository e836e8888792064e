package authz

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"snakkaz-e2ee/internal/observability/metrics"
	obsmw "snakkaz-e2ee/internal/observability/middleware"
)

type JWTValidator struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWTValidator fetches the key set once and keeps refreshing it in the
// background until ctx is done or Close is called.
func NewJWTValidator(ctx context.Context, jwksURL, issuer string) (*JWTValidator, error) {
	options := keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   time.Minute * 15,
		RefreshTimeout:    time.Second * 10,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			slog.Warn("chatd jwks refresh failed", "url", jwksURL, "error", err)
		},
	}
	jwks, err := keyfunc.Get(jwksURL, options)
	if err != nil {
		return nil, err
	}
	return &JWTValidator{jwks: jwks, issuer: issuer}, nil
}

func (j *JWTValidator) Close() {
	j.jwks.EndBackground()
}

func (j *JWTValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := "success"
		defer func() { metrics.AuthenticationAttemptsTotal.WithLabelValues("jwks", result).Inc() }()
		reqID := obsmw.RequestIDFromContext(r.Context())

		tokStr, err := bearer(r)
		if err != nil {
			result = "failure"
			http.Error(w, err.Error(), http.StatusUnauthorized)
			slog.Warn("chatd jwks missing bearer", "request_id", reqID)
			return
		}

		token, err := jwt.Parse(tokStr, j.jwks.Keyfunc)
		if err != nil || !token.Valid {
			result = "failure"
			http.Error(w, "invalid token", http.StatusUnauthorized)
			slog.Warn("chatd jwks invalid token", "error", err, "request_id", reqID)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			result = "failure"
			http.Error(w, "invalid token claims", http.StatusUnauthorized)
			return
		}
		if iss, _ := claims["iss"].(string); iss != "" && iss != j.issuer {
			result = "failure"
			http.Error(w, "issuer mismatch", http.StatusUnauthorized)
			slog.Warn("chatd jwks issuer mismatch", "issuer", iss, "request_id", reqID)
			return
		}
		sub, _ := claims["sub"].(string)
		if sub == "" {
			result = "failure"
			http.Error(w, "no subject", http.StatusUnauthorized)
			slog.Warn("chatd jwks missing subject", "request_id", reqID)
			return
		}

		slog.Debug("chatd auth passed", "method", "jwks", "subject", sub, "request_id", reqID)
		next.ServeHTTP(w, r.WithContext(contextWithSubject(r.Context(), sub)))
	})
}
