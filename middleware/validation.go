package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var scannerAgents = []string{"sqlmap", "nmap", "nikto", "masscan", "zgrab"}

// RequestValidationMiddleware rejects request bodies that are neither JSON nor multipart
// uploads, and clients that only accept non-JSON responses. Paths in exempt (such as the
// Prometheus endpoint) skip the Accept check.
func RequestValidationMiddleware(exempt ...string) gin.HandlerFunc {
	skipAccept := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		skipAccept[p] = true
	}

	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			// bodiless POSTs such as /process carry no Content-Type
			if c.Request.ContentLength != 0 {
				contentType := c.GetHeader("Content-Type")
				if !strings.HasPrefix(contentType, "application/json") &&
					!strings.HasPrefix(contentType, "multipart/form-data") {
					c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{
						"error": "Content-Type must be application/json or multipart/form-data",
					})
					return
				}
			}
		}

		if !skipAccept[c.Request.URL.Path] {
			accept := c.GetHeader("Accept")
			if accept != "" && !strings.Contains(accept, "application/json") &&
				!strings.Contains(accept, "*/*") {
				c.AbortWithStatusJSON(http.StatusNotAcceptable, gin.H{
					"error": "API only supports application/json responses",
				})
				return
			}
		}

		userAgent := strings.ToLower(c.GetHeader("User-Agent"))
		for _, pattern := range scannerAgents {
			if strings.Contains(userAgent, pattern) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Request rejected"})
				return
			}
		}

		c.Next()
	}
}
