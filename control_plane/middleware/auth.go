package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/itskum47/SettingsForge/control_plane/auth"
)

const ClaimsKey = "claims"

// AdminAuth requires a valid bearer token. Websocket upgrades may pass the
// token as the access_token query parameter since browsers cannot set headers.
func AdminAuth(signer *auth.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		claims, err := signer.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// RequireWrite rejects read-only users. It must run after AdminAuth.
func RequireWrite() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := Claims(c)
		if claims == nil || !claims.CanWrite() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if t := c.Query("access_token"); t != "" && c.IsWebsocket() {
			return t, nil
		}
		return "", errors.New("missing Authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", errors.New("expected 'Bearer <token>'")
	}
	return token, nil
}

// Claims returns the authenticated admin, or nil.
func Claims(c *gin.Context) *auth.Claims {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

func Username(c *gin.Context) string {
	if claims := Claims(c); claims != nil {
		return claims.Username
	}
	return ""
}
