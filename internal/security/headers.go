// Package security provides response hardening and request limits for the
// JSON API.
package security

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize bounds request bodies. Every API payload is a small JSON
// object.
const MaxRequestSize = 1 << 20

// HeadersMiddleware adds security headers to all responses. The API serves
// JSON only, so nothing may be framed, sniffed or loaded from it.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// BodyLimitMiddleware caps the request body at maxBytes. Reads past the
// limit fail, which surfaces as a bind error in the handler.
func BodyLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": "Request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
