package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"quelyos-auth/internal/audit"
	"quelyos-auth/internal/security"
)

const (
	bearerPrefix = "bearer "
	subjectKey   = "quelyos.subject"
)

// AccessValidator validates access tokens. *security.TokenProvider satisfies it.
type AccessValidator interface {
	ValidateAccess(token string) (*security.Subject, error)
}

// ClientIP stores the caller address on the request context so audit rows carry it.
func ClientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := audit.WithClientIP(c.Request.Context(), c.ClientIP())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireBearer rejects requests without a valid access token and stores the token subject for handlers.
func RequireBearer(tokens AccessValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c.GetHeader("Authorization"))
		if token == "" {
			respondError(c, http.StatusUnauthorized, "missing or invalid authorization")
			c.Abort()
			return
		}
		sub, err := tokens.ValidateAccess(token)
		if err != nil {
			respondError(c, http.StatusUnauthorized, "missing or invalid authorization")
			c.Abort()
			return
		}
		c.Set(subjectKey, *sub)
		c.Next()
	}
}

// subjectFrom returns the subject set by RequireBearer.
func subjectFrom(c *gin.Context) (security.Subject, bool) {
	v, ok := c.Get(subjectKey)
	if !ok {
		return security.Subject{}, false
	}
	sub, ok := v.(security.Subject)
	return sub, ok
}

// extractBearer returns the token from an Authorization header value, or "" if missing or malformed.
func extractBearer(header string) string {
	v := strings.TrimSpace(header)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
