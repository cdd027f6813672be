// Package controller provides the HTTP handlers of the status API: health,
// server stats and the grant listing.
package controller

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// BaseController provides common functionality for all controllers, including authentication checks.
type BaseController struct {
	apiKey string
}

// checkAPIKey answers 404 unless the request carries the configured key, so
// the protected routes stay hidden from anonymous callers.
func (a *BaseController) checkAPIKey(c *gin.Context) {
	key := c.GetHeader("X-Api-Key")
	if a.apiKey == "" || key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(a.apiKey)) != 1 {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	c.Next()
}
