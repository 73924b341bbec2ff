package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/cdshooks/internal/platform/auth"
	"github.com/ehr/cdshooks/internal/platform/telemetry"
)

// DefaultTimeout bounds a decision-logic invocation when neither the
// service nor the dispatcher configures one.
const DefaultTimeout = 5 * time.Second

// Invocation is what decision logic sees: the service it runs for and the
// request with prefetch completed and authorized.
type Invocation struct {
	Service HookService
	Request HookRequest
}

// ContextString returns a string context field, or "" when absent.
func (inv *Invocation) ContextString(field string) string {
	return gjson.GetBytes(inv.Request.Context, field).String()
}

// ContextValue returns a context field for ad-hoc queries.
func (inv *Invocation) ContextValue(field string) gjson.Result {
	return gjson.GetBytes(inv.Request.Context, field)
}

// Prefetched returns the authorized prefetch resource under key.
func (inv *Invocation) Prefetched(key string) (json.RawMessage, bool) {
	r, ok := inv.Request.Prefetch[key]
	return r, ok && !isNull(r)
}

// Document renders the invocation as a single JSON object with hook,
// hookInstance, context and prefetch members, for path-based rules.
func (inv *Invocation) Document() []byte {
	doc := struct {
		Hook         HookType                   `json:"hook"`
		HookInstance string                     `json:"hookInstance"`
		Context      json.RawMessage            `json:"context"`
		Prefetch     map[string]json.RawMessage `json:"prefetch"`
	}{inv.Request.Hook, inv.Request.HookInstance, inv.Request.Context, inv.Request.Prefetch}
	if doc.Prefetch == nil {
		doc.Prefetch = map[string]json.RawMessage{}
	}
	b, _ := json.Marshal(doc)
	return b
}

// Dispatcher routes hook requests to registered services.
type Dispatcher struct {
	registry *Registry
	gate     AuthorizationGate
	source   ResourceSource
	timeout  time.Duration
	logger   zerolog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithGate sets the pre-show authorization gate. The default is AllowAll.
func WithGate(g AuthorizationGate) DispatcherOption {
	return func(d *Dispatcher) { d.gate = g }
}

// WithResourceSource enables prefetch completion from src.
func WithResourceSource(src ResourceSource) DispatcherOption {
	return func(d *Dispatcher) { d.source = src }
}

// WithTimeout sets the default decision-logic timeout.
func WithTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher over registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		gate:     AllowAll{},
		timeout:  DefaultTimeout,
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Handle invokes serviceID and returns its cards in generation order.
func (d *Dispatcher) Handle(ctx context.Context, serviceID string, req HookRequest) ([]Card, error) {
	resp, err := d.Invoke(ctx, serviceID, req)
	if err != nil {
		return nil, err
	}
	return resp.Cards, nil
}

// Invoke runs the full dispatch and returns the hook response.
func (d *Dispatcher) Invoke(ctx context.Context, serviceID string, req HookRequest) (*Response, error) {
	var resp *Response
	err := telemetry.WithSpan(ctx, "cds.dispatch", func(ctx context.Context) error {
		var err error
		resp, err = d.invoke(ctx, serviceID, req)
		return err
	},
		attribute.String("cds.service_id", serviceID),
		attribute.String("cds.hook", string(req.Hook)),
		attribute.String("cds.hook_instance", req.HookInstance),
	)
	return resp, err
}

func (d *Dispatcher) invoke(ctx context.Context, serviceID string, req HookRequest) (*Response, error) {
	reg, err := d.registry.Find(serviceID)
	if err != nil {
		return nil, err
	}
	svc := reg.Service
	if err := validateRequest(svc, req); err != nil {
		return nil, err
	}

	log := d.logger.With().
		Str("service_id", svc.ID).
		Str("hook_instance", req.HookInstance).
		Str("client_id", auth.ClientIDFromContext(ctx)).
		Str("user_id", auth.UserIDFromContext(ctx)).
		Logger()

	prefetch := d.completePrefetch(ctx, svc, &req, log)
	// Scopes the EHR granted this service narrow what the gate may show.
	// They never widen what the caller's own token allows.
	if fa := req.FHIRAuthorization; fa != nil && strings.TrimSpace(fa.Scope) != "" {
		ctx = auth.WithScopes(ctx, narrowScopes(strings.Fields(fa.Scope), auth.ScopesFromContext(ctx)))
	}
	authorized, err := d.authorize(ctx, svc, prefetch, log)
	if err != nil {
		return nil, err
	}
	req.Prefetch = authorized

	inv := &Invocation{Service: svc, Request: req}
	resp, err := d.evaluate(ctx, reg.Logic, inv)
	if err != nil {
		log.Warn().Err(err).Msg("decision logic failed")
		return nil, err
	}
	telemetry.SetAttributes(ctx, attribute.Int("cds.cards", len(resp.Cards)))
	return resp, nil
}

// validateRequest enforces the request shape for the service's hook.
func validateRequest(svc HookService, req HookRequest) error {
	if req.Hook != svc.Hook {
		return fmt.Errorf("%w: hook %q does not match service hook %q", ErrInvalidRequest, req.Hook, svc.Hook)
	}
	if req.HookInstance == "" {
		return fmt.Errorf("%w: hookInstance is required", ErrInvalidRequest)
	}
	if _, err := uuid.Parse(req.HookInstance); err != nil {
		return fmt.Errorf("%w: hookInstance must be a UUID", ErrInvalidRequest)
	}
	ctxDoc := gjson.ParseBytes(req.Context)
	if len(req.Context) == 0 || !ctxDoc.IsObject() {
		return fmt.Errorf("%w: context must be a JSON object", ErrInvalidRequest)
	}
	var missing []string
	for _, field := range svc.Hook.RequiredContext() {
		v := ctxDoc.Get(field)
		if !v.Exists() || v.Type == gjson.Null || (v.Type == gjson.String && v.Str == "") {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing context fields %v for hook %s", ErrInvalidRequest, missing, svc.Hook)
	}
	if req.FHIRAuthorization != nil && req.FHIRServer == "" {
		return fmt.Errorf("%w: fhirAuthorization requires fhirServer", ErrInvalidRequest)
	}
	return nil
}

// completePrefetch copies the caller's prefetch and fills declared keys the
// caller left out. Keys that cannot be rendered or fetched stay absent.
func (d *Dispatcher) completePrefetch(ctx context.Context, svc HookService, req *HookRequest, log zerolog.Logger) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(req.Prefetch)+len(svc.Prefetch))
	for k, v := range req.Prefetch {
		out[k] = v
	}
	if d.source == nil {
		return out
	}
	for key, tmpl := range svc.Prefetch {
		if _, ok := out[key]; ok {
			continue
		}
		query, err := RenderPrefetchTemplate(tmpl, req.Context)
		if err != nil {
			log.Debug().Err(err).Str("prefetch_key", key).Msg("prefetch template not rendered")
			continue
		}
		res, err := d.source.Fetch(ctx, query, req)
		if err != nil {
			log.Warn().Err(err).Str("prefetch_key", key).Str("query", query).Msg("prefetch fetch failed")
			continue
		}
		out[key] = res
	}
	return out
}

// authorize runs the gate over every non-null prefetched resource. The
// input map is not modified.
func (d *Dispatcher) authorize(ctx context.Context, svc HookService, prefetch map[string]json.RawMessage, log zerolog.Logger) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(prefetch))
	for _, key := range sortedKeys(prefetch) {
		res := prefetch[key]
		if isNull(res) {
			out[key] = res
			continue
		}
		decision, err := d.gate.AuthorizePreShow(ctx, append(json.RawMessage(nil), res...))
		if err != nil {
			log.Error().Err(err).Str("prefetch_key", key).Msg("authorization gate failed")
			decision = Deny(err.Error())
		}
		switch decision.Effect {
		case EffectAllow:
			out[key] = res
		case EffectRedact:
			out[key] = decision.Resource
		case EffectDeny:
			if svc.requiresPrefetch(key) {
				return nil, fmt.Errorf("%w: prefetch %q: %s", ErrAuthorizationDenied, key, decision.Reason)
			}
			log.Info().Str("prefetch_key", key).Str("reason", decision.Reason).Msg("prefetch resource withheld")
			telemetry.AddEvent(ctx, "cds.prefetch_withheld", attribute.String("cds.prefetch_key", key))
		}
	}
	return out, nil
}

// evaluate runs logic under the service timeout and normalizes its cards.
func (d *Dispatcher) evaluate(ctx context.Context, logic Logic, inv *Invocation) (*Response, error) {
	timeout := d.timeout
	if inv.Service.Timeout > 0 {
		timeout = inv.Service.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan logicResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- logicResult{err: fmt.Errorf("decision logic panicked: %v", r)}
			}
		}()
		resp, err := logic.Evaluate(ctx, inv)
		done <- logicResult{resp: resp, err: err}
	}()

	res, ok := awaitLogic(ctx, done)
	if !ok {
		return nil, fmt.Errorf("%w: %s: %w", ErrServiceUnavailable, inv.Service.ID, ctx.Err())
	}
	if res.err != nil {
		if errors.Is(res.err, ErrInvalidRequest) || errors.Is(res.err, ErrAuthorizationDenied) {
			return nil, res.err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrServiceUnavailable, inv.Service.ID, res.err)
	}
	return normalizeResponse(inv.Service, res.resp)
}

type logicResult struct {
	resp *Response
	err  error
}

// awaitLogic waits for the logic result or the deadline. A result already
// delivered when the deadline fires still wins.
func awaitLogic(ctx context.Context, done <-chan logicResult) (logicResult, bool) {
	select {
	case res := <-done:
		return res, true
	case <-ctx.Done():
		select {
		case res := <-done:
			return res, true
		default:
			return logicResult{}, false
		}
	}
}

// normalizeResponse fills card defaults and rejects malformed cards.
func normalizeResponse(svc HookService, resp *Response) (*Response, error) {
	if resp == nil {
		return &Response{Cards: []Card{}}, nil
	}
	out := &Response{
		Cards:         make([]Card, 0, len(resp.Cards)),
		SystemActions: resp.SystemActions,
	}
	for i, c := range resp.Cards {
		if c.UUID == "" {
			c.UUID = uuid.NewString()
		}
		if c.Source.Label == "" {
			c.Source.Label = svc.Title
			if c.Source.Label == "" {
				c.Source.Label = svc.ID
			}
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: card %d: %v", ErrServiceUnavailable, svc.ID, i, err)
		}
		out.Cards = append(out.Cards, c)
	}
	return out, nil
}

func isNull(r json.RawMessage) bool {
	r = bytes.TrimSpace(r)
	return len(r) == 0 || bytes.Equal(r, []byte("null"))
}
