package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyPrincipal is the gin context key for the authenticated Principal.
	ContextKeyPrincipal = "authPrincipal"

	HeaderAdminSecret    = "X-Admin-Secret"
	HeaderOperatorSecret = "X-Operator-Secret"
	HeaderActor          = "X-Actor"
)

// Middleware authenticates the request and stores the Principal in the
// context. Requests without valid credentials are rejected.
func Middleware(secrets Secrets) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, err := secrets.Authenticate(c.GetHeader(HeaderAdminSecret), c.GetHeader(HeaderOperatorSecret))
		if errors.Is(err, ErrNoCredentials) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin credentials required. Include the X-Admin-Secret or X-Operator-Secret header.",
			})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin credentials",
			})
			return
		}

		actor := strings.TrimSpace(c.GetHeader(HeaderActor))
		if actor == "" {
			actor = string(role)
		}
		c.Set(ContextKeyPrincipal, Principal{Actor: actor, Role: role})
		c.Next()
	}
}

// RequireRole rejects principals whose role is not listed.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin credentials required",
			})
			return
		}
		for _, r := range roles {
			if p.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Role " + string(p.Role) + " may not perform this operation",
		})
	}
}

// GetPrincipal returns the authenticated principal, if any.
func GetPrincipal(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(ContextKeyPrincipal)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
