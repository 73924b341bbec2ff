package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/cdshooks/internal/platform/fhir"
)

// RequestTimeout puts a deadline on each request context. Handlers are
// expected to honor it; if one returns after the deadline without writing
// a response, a 503 OperationOutcome is sent. A non-positive timeout
// disables the middleware.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if timeout <= 0 {
			return next
		}
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if c.Response().Committed {
				return err
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return c.JSON(http.StatusServiceUnavailable,
					fhir.TimeoutOutcome("request processing exceeded the allowed time limit"))
			}
			return err
		}
	}
}
