package middleware

import (
	"context"
	"strings"

	"shopkey-licensing/pkg/authtoken"
	"shopkey-licensing/pkg/errutil"

	"github.com/gin-gonic/gin"
)

const (
	// AdminIDKey is the gin context key carrying the authenticated admin id.
	AdminIDKey = "admin_id"

	apiKeyHeader = "X-API-Key"
)

// APIKeyVerifier checks a client credential of the form "<key id>.<secret>".
type APIKeyVerifier interface {
	VerifyKey(ctx context.Context, keyID, secret string) error
}

// APIKeyAuth guards the license verification endpoint.
func APIKeyAuth(verifier APIKeyVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(apiKeyHeader)
		if raw == "" {
			c.AbortWithStatusJSON(401, gin.H{"error": gin.H{
				"code":    errutil.StatusUnauthorized,
				"message": "missing API key",
			}})
			return
		}

		keyID, secret, ok := strings.Cut(raw, ".")
		if !ok {
			c.AbortWithStatusJSON(401, gin.H{"error": gin.H{
				"code":    errutil.StatusUnauthorized,
				"message": "malformed API key",
			}})
			return
		}

		if err := verifier.VerifyKey(c.Request.Context(), keyID, secret); err != nil {
			c.AbortWithStatusJSON(401, gin.H{"error": gin.H{
				"code":    errutil.StatusUnauthorized,
				"message": "invalid API key",
			}})
			return
		}

		c.Next()
	}
}

// AdminAuth guards the admin endpoints with a bearer token.
func AdminAuth(tokens *authtoken.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(401, gin.H{"error": gin.H{
				"code":    errutil.StatusUnauthorized,
				"message": "missing bearer token",
			}})
			return
		}

		adminID, err := tokens.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(401, gin.H{"error": gin.H{
				"code":    errutil.StatusUnauthorized,
				"message": "invalid bearer token",
			}})
			return
		}

		c.Set(AdminIDKey, adminID)
		c.Next()
	}
}
