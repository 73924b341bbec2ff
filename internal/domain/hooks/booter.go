package hooks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// LogicFactory builds decision logic for a declared service.
type LogicFactory func(def ServiceDefinition) (Logic, error)

// RulesLogicName is the catalog name of the declarative card-rule logic.
const RulesLogicName = "rules"

// LogicCatalog maps logic names used in the services file to factories.
type LogicCatalog struct {
	mu        sync.RWMutex
	factories map[string]LogicFactory
}

// NewLogicCatalog returns a catalog holding the built-in "rules" logic.
func NewLogicCatalog() *LogicCatalog {
	c := &LogicCatalog{factories: make(map[string]LogicFactory)}
	c.factories[RulesLogicName] = func(def ServiceDefinition) (Logic, error) {
		return NewRulesLogic(def.Cards)
	}
	return c
}

// Add registers a factory under name, replacing any previous one.
func (c *LogicCatalog) Add(name string, f LogicFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[name] = f
}

// Names returns the registered logic names in lexical order.
func (c *LogicCatalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.factories))
	for n := range c.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build resolves def's logic.
func (c *LogicCatalog) Build(def ServiceDefinition) (Logic, error) {
	name := def.Logic
	if name == "" {
		name = RulesLogicName
	}
	c.mu.RLock()
	f, ok := c.factories[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown logic %q", name)
	}
	return f(def)
}

// BootState is the booter lifecycle state.
type BootState int

const (
	StateUninitialized BootState = iota
	StateBooted
)

func (s BootState) String() string {
	if s == StateBooted {
		return "booted"
	}
	return "uninitialized"
}

// ContextBooter registers statically declared services at startup.
type ContextBooter struct {
	registry *Registry
	catalog  *LogicCatalog
	defs     []ServiceDefinition
	logger   zerolog.Logger

	mu    sync.Mutex
	state BootState
}

// NewContextBooter creates a booter for defs.
func NewContextBooter(registry *Registry, catalog *LogicCatalog, defs []ServiceDefinition, logger zerolog.Logger) *ContextBooter {
	return &ContextBooter{
		registry: registry,
		catalog:  catalog,
		defs:     defs,
		logger:   logger,
	}
}

// State returns the current lifecycle state.
func (b *ContextBooter) State() BootState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Boot registers every definition. Duplicate ids are logged and skipped;
// other failures are collected and returned together. Calls after a
// completed boot do nothing.
func (b *ContextBooter) Boot(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateBooted {
		b.logger.Debug().Msg("cds hooks context already booted")
		return nil
	}
	if len(b.defs) == 0 {
		b.logger.Info().Msg("no static cds services declared, assuming services are registered in code")
	}

	var result *multierror.Error
	registered := 0
	for _, def := range b.defs {
		if err := ctx.Err(); err != nil {
			return err
		}
		logic, err := b.catalog.Build(def)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("service %q: %w", def.ID, err))
			continue
		}
		err = b.registry.Register(def.Service(), logic)
		switch {
		case errors.Is(err, ErrDuplicateService):
			b.logger.Warn().Str("service_id", def.ID).Msg("cds service already registered, skipping")
		case err != nil:
			result = multierror.Append(result, err)
		default:
			registered++
			b.logger.Info().
				Str("service_id", def.ID).
				Str("hook", string(def.Hook)).
				Msg("cds service registered")
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("boot cds services: %w", err)
	}
	b.state = StateBooted
	b.logger.Info().Int("registered", registered).Int("total", b.registry.Len()).Msg("cds hooks context booted")
	return nil
}

// ValidateDefinitions checks definitions without registering them into a
// live registry. It reports every problem, including duplicate ids.
func ValidateDefinitions(catalog *LogicCatalog, defs []ServiceDefinition) error {
	scratch := NewRegistry()
	var result *multierror.Error
	for _, def := range defs {
		logic, err := catalog.Build(def)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("service %q: %w", def.ID, err))
			continue
		}
		if err := scratch.Register(def.Service(), logic); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
