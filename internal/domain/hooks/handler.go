package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/platform/fhir"
	"github.com/ehr/cdshooks/pkg/pagination"
)

// DefaultPathPrefix is where CDS services are mounted unless configured.
const DefaultPathPrefix = "/cds-services"

// Handler serves discovery, hook invocation and feedback over HTTP.
type Handler struct {
	registry   *Registry
	dispatcher *Dispatcher
	feedback   *FeedbackService
	prefix     string
	logger     zerolog.Logger
}

// NewHandler creates a Handler. feedback may be nil, in which case feedback
// posts are acknowledged without being stored.
func NewHandler(registry *Registry, dispatcher *Dispatcher, feedback *FeedbackService, logger zerolog.Logger) *Handler {
	return &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		feedback:   feedback,
		prefix:     DefaultPathPrefix,
		logger:     logger,
	}
}

// RegisterRoutes mounts the CDS Hooks endpoints under prefix.
func (h *Handler) RegisterRoutes(e *echo.Echo, prefix string, mw ...echo.MiddlewareFunc) {
	prefix = NormalizePrefix(prefix)
	h.prefix = prefix
	g := e.Group(prefix, mw...)
	g.GET("", h.Discovery)
	g.GET("/", h.Discovery)
	g.POST("/:id", h.Invoke)
	g.POST("/:id/feedback", h.SubmitFeedback)
	g.GET("/:id/feedback", h.ListFeedback)
}

// NormalizePrefix returns prefix with one leading slash and no trailing
// slash. An empty prefix yields DefaultPathPrefix.
func NormalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return DefaultPathPrefix
	}
	return "/" + prefix
}

// Discovery handles GET {prefix} and lists every registered service.
func (h *Handler) Discovery(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]HookService{
		"services": h.registry.List(),
	})
}

// Invoke handles POST {prefix}/:id.
func (h *Handler) Invoke(c echo.Context) error {
	id := c.Param("id")

	var req HookRequest
	if err := decodeBody(c, &req); err != nil {
		return bodyError(c, "hook request", err)
	}

	resp, err := h.dispatcher.Invoke(c.Request().Context(), id, req)
	if err != nil {
		return h.writeError(c, id, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// SubmitFeedback handles POST {prefix}/:id/feedback.
func (h *Handler) SubmitFeedback(c echo.Context) error {
	id := c.Param("id")

	var req FeedbackRequest
	if err := decodeBody(c, &req); err != nil {
		return bodyError(c, "feedback", err)
	}

	if h.feedback == nil {
		if _, err := h.registry.Find(id); err != nil {
			return h.writeError(c, id, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
	if _, err := h.feedback.Submit(c.Request().Context(), id, req); err != nil {
		return h.writeError(c, id, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ListFeedback handles GET {prefix}/:id/feedback.
func (h *Handler) ListFeedback(c echo.Context) error {
	id := c.Param("id")
	if h.feedback == nil {
		return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeNotSupported, "feedback is not stored by this server"))
	}
	p := pagination.FromContext(c)
	items, total, err := h.feedback.List(c.Request().Context(), id, p.Limit, p.Offset)
	if err != nil {
		return h.writeError(c, id, err)
	}
	if items == nil {
		items = []*FeedbackRecord{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p, h.prefix+"/"+id+"/feedback"))
}

// writeError maps dispatch errors to status codes with OperationOutcome bodies.
func (h *Handler) writeError(c echo.Context, id string, err error) error {
	switch {
	case errors.Is(err, ErrServiceNotFound):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("CDS Service", id))
	case errors.Is(err, ErrInvalidRequest):
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	case errors.Is(err, ErrAuthorizationDenied):
		return c.JSON(http.StatusForbidden, fhir.ForbiddenOutcome(err.Error()))
	case errors.Is(err, ErrServiceUnavailable) && errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusServiceUnavailable, fhir.TimeoutOutcome(err.Error()))
	case errors.Is(err, ErrServiceUnavailable):
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	h.logger.Error().Err(err).Str("service_id", id).Msg("cds request failed")
	return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("internal server error"))
}

// bodyError reports a body that could not be decoded. Errors raised by the
// body limit reader keep their status.
func bodyError(c echo.Context, what string, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(fmt.Sprintf("invalid %s body: %v", what, err)))
}

func decodeBody(c echo.Context, v interface{}) error {
	body := c.Request().Body
	if body == nil {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return err
		}
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
