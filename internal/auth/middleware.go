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

// subjectKey holds the caller's subject; lookups are recorded and read back
// under it.
const subjectKey contextKey = "lookupSubject"

var (
	errNoCredentials   = errors.New("authorization header required")
	errMalformedBearer = errors.New("expected a bearer token")
	errNoSecret        = errors.New("gateway has no signing secret")
	errRejectedToken   = errors.New("invalid token")
	errNoSubject       = errors.New("token has no subject")
)

// hmacMethods are the only algorithms the gateway accepts. Anything else,
// including "none", is rejected before the key is consulted.
var hmacMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

// JWTMiddleware guards the lookup routes. Callers present an HMAC-signed
// bearer token; its subject becomes the owner of every lookup made with it.
// An empty audience disables the audience check.
func JWTMiddleware(secret, audience string) gin.HandlerFunc {
	key := []byte(strings.TrimSpace(secret))

	opts := []jwt.ParserOption{jwt.WithValidMethods(hmacMethods)}
	if audience = strings.TrimSpace(audience); audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		subject, err := authenticate(parser, key, c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), subjectKey, subject))
		c.Set(string(subjectKey), subject)
		c.Next()
	}
}

func authenticate(parser *jwt.Parser, key []byte, header string) (string, error) {
	raw, err := bearerToken(header)
	if err != nil {
		return "", err
	}
	if len(key) == 0 {
		return "", errNoSecret
	}

	var claims jwt.RegisteredClaims
	if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	}); err != nil {
		return "", errRejectedToken
	}
	if claims.Subject == "" {
		return "", errNoSubject
	}
	return claims.Subject, nil
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", errNoCredentials
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errMalformedBearer
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errMalformedBearer
	}
	return token, nil
}

// UserID returns the subject the middleware authenticated for this request.
func UserID(c *gin.Context) (string, bool) {
	if subject := c.GetString(string(subjectKey)); subject != "" {
		return subject, true
	}
	return UserIDFromContext(c.Request.Context())
}

// UserIDFromContext is UserID for code that only holds the request context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	subject, ok := ctx.Value(subjectKey).(string)
	return subject, ok && subject != ""
}
