package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"meshtrust/pkg/httpx"
)

type contextKey string

const tokenNameContextKey contextKey = "meshtrust.token_name"

// BearerTokens maps an operator-facing name to a static API token.
type BearerTokens map[string]string

// ParseBearerTokens reads "name=token,name2=token2". A bare token gets the
// name "default".
func ParseBearerTokens(raw string) BearerTokens {
	out := BearerTokens{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, token, ok := strings.Cut(part, "=")
		if !ok {
			name, token = "default", part
		}
		name, token = strings.TrimSpace(name), strings.TrimSpace(token)
		if token != "" {
			out[name] = token
		}
	}
	return out
}

func (t BearerTokens) match(token string) (string, bool) {
	matched, found := "", false
	for name, expected := range t {
		if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1 {
			matched, found = name, true
		}
	}
	return matched, found
}

// BearerMiddleware guards read-only operator endpoints. With no tokens
// configured every request is refused.
func BearerMiddleware(tokens BearerTokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				httpx.Error(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			name, ok := tokens.match(token)
			if !ok {
				httpx.Error(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenNameContextKey, name)))
		})
	}
}

// TokenNameFromContext returns the name of the token that authorized r.
func TokenNameFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(tokenNameContextKey).(string)
	return name, ok
}
