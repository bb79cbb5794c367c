package handler

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pesio-ai/be-ops-approvals/internal/logger"
)

// Claims are the bearer token claims the service reads.
type Claims struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"org_id"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller.
type Identity struct {
	UserID         string
	OrganizationID string
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the caller stored by the auth middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// TokenValidator verifies RS256 bearer tokens.
type TokenValidator struct {
	publicKey *rsa.PublicKey
}

// NewTokenValidator parses a PEM encoded RSA public key.
func NewTokenValidator(pemData []byte) (*TokenValidator, error) {
	if len(pemData) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return &TokenValidator{publicKey: key}, nil
}

// VerifyToken checks the signature and standard claims of a token. A
// "Bearer " prefix is accepted.
func (v *TokenValidator) VerifyToken(tokenStr string) (*Claims, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token has no user")
	}
	return claims, nil
}

// Authenticate resolves the caller of every request. With a validator a valid
// bearer token is required. Without one the caller is taken from devHeader and
// the X-Organization-ID header, which is meant for local runs only.
func Authenticate(v *TokenValidator, devHeader string, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id Identity

			if v != nil {
				authHeader := r.Header.Get("Authorization")
				if authHeader == "" {
					writeJSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", false)
					return
				}
				claims, err := v.VerifyToken(authHeader)
				if err != nil {
					log.Warn().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
					writeJSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid bearer token", false)
					return
				}
				id = Identity{UserID: claims.UserID, OrganizationID: claims.OrganizationID}
			} else {
				id = Identity{
					UserID:         r.Header.Get(devHeader),
					OrganizationID: r.Header.Get("X-Organization-ID"),
				}
				if id.UserID == "" {
					writeJSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", devHeader+" header is required", false)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
