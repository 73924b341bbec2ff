package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication regardless of method.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
}

// NewSkipper returns a skipper that lets health checks and CDS service
// discovery (GET on the mount prefix) through without a bearer token.
func NewSkipper(prefix string) func(echo.Context) bool {
	prefix = "/" + strings.Trim(prefix, "/")
	return func(c echo.Context) bool {
		path := c.Request().URL.Path
		if publicPaths[path] {
			return true
		}
		if c.Request().Method != http.MethodGet {
			return false
		}
		return path == prefix || path == prefix+"/"
	}
}

// IsPublicPath reports whether path is a health endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
