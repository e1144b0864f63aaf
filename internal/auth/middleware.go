package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

type identityContextKey struct{}

// Middleware rejects requests without a valid access token and stores the
// token's identity in the request context.
func Middleware(tokenSvc *TokenService) func(http.Handler) http.Handler {
	return MiddlewareWithDevMode(tokenSvc, nil)
}

// MiddlewareWithDevMode is Middleware that also accepts the literal token
// "dev" as devIdentity. A nil devIdentity disables the shortcut.
func MiddlewareWithDevMode(tokenSvc *TokenService, devIdentity *Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, msg := authenticate(tokenSvc, devIdentity, r)
			if identity == nil {
				writeAuthError(w, http.StatusUnauthorized, msg)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// authenticate resolves the caller. On failure it returns nil and the message
// sent back to the client.
func authenticate(tokenSvc *TokenService, devIdentity *Identity, r *http.Request) (*Identity, string) {
	token, err := extractBearerToken(r)
	if err != nil {
		return nil, err.Error()
	}
	if devIdentity != nil && token == "dev" {
		return devIdentity, ""
	}

	identity, err := tokenSvc.ValidateToken(token)
	switch {
	case err != nil:
		return nil, "invalid token"
	case identity.TokenType != TokenTypeAccess:
		return nil, "access token required"
	}
	return identity, ""
}

// GetIdentity retrieves the authenticated identity from the request context.
func GetIdentity(ctx context.Context) *Identity {
	identity, _ := ctx.Value(identityContextKey{}).(*Identity)
	return identity
}

// RequireIdentity returns the caller's user id, or ErrUnauthorized when the
// request carries no identity.
func RequireIdentity(ctx context.Context) (string, error) {
	identity := GetIdentity(ctx)
	if identity == nil || identity.UserID == "" {
		return "", ErrUnauthorized
	}
	return identity.UserID, nil
}

// BearerSecret guards machine endpoints (cron) with a static shared secret.
// An empty secret disables the endpoint.
func BearerSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeAuthError(w, http.StatusServiceUnavailable, "endpoint disabled")
				return
			}
			token, err := extractBearerToken(r)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, err.Error())
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				writeAuthError(w, http.StatusUnauthorized, "invalid secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

var (
	errMissingHeader = errors.New("missing authorization header")
	errHeaderFormat  = errors.New("invalid authorization header format")
)

func extractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errMissingHeader
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errHeaderFormat
	}
	return strings.TrimSpace(token), nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
