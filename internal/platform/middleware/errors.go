package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/platform/fhir"
)

// ErrorHandler renders errors returned by handlers and middleware as FHIR
// OperationOutcome bodies. Non-HTTP errors are logged and reported as 500
// without their message.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := "internal server error"
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			msg = fmt.Sprint(he.Message)
		} else {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).Str("request_id", rid).Str("path", c.Request().URL.Path).Msg("unhandled error")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, OutcomeForStatus(code, msg))
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}

// OutcomeForStatus picks the OperationOutcome issue type for an HTTP status.
func OutcomeForStatus(code int, msg string) *fhir.OperationOutcome {
	switch code {
	case http.StatusBadRequest:
		return fhir.InvalidOutcome(msg)
	case http.StatusUnauthorized:
		return fhir.UnauthorizedOutcome(msg)
	case http.StatusForbidden:
		return fhir.ForbiddenOutcome(msg)
	case http.StatusNotFound:
		return fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, msg)
	case http.StatusMethodNotAllowed:
		return fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotSupported, msg)
	case http.StatusRequestEntityTooLarge:
		return fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTooCostly, msg)
	case http.StatusTooManyRequests:
		return fhir.ThrottleOutcome()
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fhir.TimeoutOutcome(msg)
	}
	if code >= 500 {
		return fhir.InternalErrorOutcome(msg)
	}
	return fhir.ErrorOutcome(msg)
}
