package httpmw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const internalKeyHeader = "X-Internal-Api-Key"

// AuthConfig holds credentials accepted by the admin API.
// Either the internal shared secret header or a bearer JWT signed with
// JWTSecret grants access. Empty values disable the respective scheme.
type AuthConfig struct {
	InternalAPIKey string
	JWTSecret      string
}

// Auth guards admin routes. Requests must present the internal API key
// header or a valid HS256 bearer token.
func Auth(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.InternalAPIKey == "" && cfg.JWTSecret == "" {
			// Auth not configured (dev mode); allow everything.
			c.Next()
			return
		}

		if cfg.InternalAPIKey != "" && c.GetHeader(internalKeyHeader) == cfg.InternalAPIKey {
			c.Next()
			return
		}

		if cfg.JWTSecret != "" {
			auth := c.GetHeader("Authorization")
			if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
				if validateJWT(token, cfg.JWTSecret) {
					c.Next()
					return
				}
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func validateJWT(tokenString, secret string) bool {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	return err == nil && token.Valid
}
