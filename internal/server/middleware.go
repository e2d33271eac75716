// Package server mounts the Anthropic-compatible HTTP surface over the
// dispatch pipeline.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
	"github.com/poemonsense/cloudcode-relay/pkg/anthropic"
)

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "GET, POST, PUT, PATCH, DELETE, OPTIONS",
	"Access-Control-Allow-Headers": "Content-Type, Authorization, X-API-Key",
	"Access-Control-Max-Age":       "86400",
}

// CORSMiddleware sets permissive CORS headers and short-circuits
// preflight requests.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		for name, value := range corsHeaders {
			header.Set(name, value)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// clientAPIKey resolves the key a request presented: a bearer token wins
// over the x-api-key header.
func clientAPIKey(c *gin.Context) string {
	if bearer, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return bearer
	}
	return c.GetHeader("X-API-Key")
}

// APIKeyAuthMiddleware gates a route group behind the configured API key.
// An empty configured key disables the gate entirely.
func APIKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		required := cfg.APIKey
		if required != "" && clientAPIKey(c) != required {
			utils.Warn("[API] Rejected request from %s: bad or missing API key", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				anthropic.NewErrorResponse("authentication_error", "Invalid or missing API key"))
			return
		}
		c.Next()
	}
}

// quietPaths only get logged in debug mode; they fire constantly and say
// nothing.
var quietPaths = []string{
	"/api/event_logging/batch",
	"/v1/messages/count_tokens",
	"/.well-known/",
}

func isQuietPath(path string) bool {
	for _, prefix := range quietPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// RequestLoggingMiddleware logs one line per request at a level matching
// the status class.
func RequestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		line := func(log func(string, ...any)) {
			log("[%s] %s %d (%dms)", c.Request.Method, c.Request.URL.Path,
				status, time.Since(start).Milliseconds())
		}

		switch {
		case isQuietPath(c.Request.URL.Path):
			line(utils.Debug)
		case status >= 500:
			line(utils.Error)
		case status >= 400:
			line(utils.Warn)
		default:
			line(utils.Info)
		}
	}
}

// silentPosts are client-chatter endpoints answered with an empty OK
// before they reach any handler.
var silentPosts = map[string]bool{
	"/":                        true,
	"/api/event_logging/batch": true,
}

// SilentHandlerMiddleware absorbs client chatter without noise.
func SilentHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost && silentPosts[c.Request.URL.Path] {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			c.Abort()
			return
		}
		c.Next()
	}
}
