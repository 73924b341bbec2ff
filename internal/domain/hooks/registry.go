package hooks

import (
	"context"
	"fmt"
	"regexp"
	"sync"
)

// Logic is the decision logic behind a single CDS service.
type Logic interface {
	Evaluate(ctx context.Context, inv *Invocation) (*Response, error)
}

// LogicFunc adapts a function to the Logic interface.
type LogicFunc func(ctx context.Context, inv *Invocation) (*Response, error)

func (f LogicFunc) Evaluate(ctx context.Context, inv *Invocation) (*Response, error) {
	return f(ctx, inv)
}

// Registration pairs a service description with its logic.
type Registration struct {
	Service HookService
	Logic   Logic
}

var serviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Registry holds the set of known CDS services. It is written during boot
// and read by every dispatch afterwards.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]Registration
	order []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Registration)}
}

// Register adds a service. It never overwrites an existing id.
func (r *Registry) Register(svc HookService, logic Logic) error {
	if !serviceIDPattern.MatchString(svc.ID) {
		return fmt.Errorf("register %q: id must be a non-empty url-safe token", svc.ID)
	}
	if !svc.Hook.IsSupported() {
		return fmt.Errorf("register %q: unsupported hook %q", svc.ID, svc.Hook)
	}
	if svc.Description == "" {
		return fmt.Errorf("register %q: description is required", svc.ID)
	}
	if logic == nil {
		return fmt.Errorf("register %q: decision logic is required", svc.ID)
	}
	for _, key := range svc.RequiredPrefetch {
		if _, ok := svc.Prefetch[key]; !ok {
			return fmt.Errorf("register %q: required prefetch %q has no template", svc.ID, key)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[svc.ID]; exists {
		return fmt.Errorf("register %q: %w", svc.ID, ErrDuplicateService)
	}
	r.byID[svc.ID] = Registration{Service: cloneService(svc), Logic: logic}
	r.order = append(r.order, svc.ID)
	return nil
}

// Find returns the registration for id.
func (r *Registry) Find(id string) (Registration, error) {
	r.mu.RLock()
	reg, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return Registration{}, fmt.Errorf("%q: %w", id, ErrServiceNotFound)
	}
	return reg, nil
}

// List returns every registered service in registration order.
func (r *Registry) List() []HookService {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HookService, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, cloneService(r.byID[id].Service))
	}
	return out
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// cloneService copies the maps and slices so callers cannot mutate a
// registered service through a shared reference.
func cloneService(svc HookService) HookService {
	if svc.Prefetch != nil {
		p := make(map[string]string, len(svc.Prefetch))
		for k, v := range svc.Prefetch {
			p[k] = v
		}
		svc.Prefetch = p
	}
	if svc.RequiredPrefetch != nil {
		svc.RequiredPrefetch = append([]string(nil), svc.RequiredPrefetch...)
	}
	return svc
}
