// Package authz guards the local chatd API with bearer tokens. Tokens are
// either HS256 with a shared secret or verified against a remote JWKS.
package authz

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var errNoBearer = errors.New("missing bearer token")

// Validator is satisfied by HMACValidator and JWTValidator.
type Validator interface {
	Middleware(next http.Handler) http.Handler
}

type subjectKey struct{}

func contextWithSubject(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, subjectKey{}, sub)
}

func SubjectFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(subjectKey{}).(string)
	return v, ok
}

func bearer(r *http.Request) (string, error) {
	raw := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
		return "", errNoBearer
	}
	tok := strings.TrimSpace(raw[len("Bearer "):])
	if tok == "" {
		return "", errNoBearer
	}
	return tok, nil
}
