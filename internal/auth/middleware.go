package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const identityKey contextKey = "authIdentity"

// GetIdentity retrieves the authenticated subject from context.
func GetIdentity(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(identityKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// WithIdentity stores an authenticated subject on ctx.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// Verifier validates HS256 bearer tokens and extracts their subject.
type Verifier struct {
	secret   []byte
	audience string
}

// NewVerifier builds a verifier. An empty audience disables the audience check.
func NewVerifier(secret, audience string) *Verifier {
	return &Verifier{
		secret:   []byte(strings.TrimSpace(secret)),
		audience: strings.TrimSpace(audience),
	}
}

// Verify parses the raw Authorization value and returns the token subject.
func (v *Verifier) Verify(header string) (string, error) {
	tokenString, err := extractBearerToken(header)
	if err != nil {
		return "", err
	}
	if len(v.secret) == 0 {
		return "", errors.New("missing JWT secret")
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}

	if v.audience != "" && !containsAudience(claims.Audience, v.audience) {
		return "", errors.New("invalid audience")
	}
	if claims.Subject == "" {
		return "", errors.New("missing subject")
	}
	return claims.Subject, nil
}

// JWTMiddleware validates bearer tokens and injects the caller identity.
func JWTMiddleware(secret, audience string) gin.HandlerFunc {
	verifier := NewVerifier(secret, audience)

	return func(c *gin.Context) {
		identity, err := verifier.Verify(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), identity))
		c.Set(string(identityKey), identity)

		c.Next()
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}

func containsAudience(claims jwt.ClaimStrings, expected string) bool {
	for _, aud := range claims {
		if aud == expected {
			return true
		}
	}
	return false
}
