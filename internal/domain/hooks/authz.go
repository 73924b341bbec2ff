package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ehr/cdshooks/internal/platform/auth"
)

// Effect is the outcome of a pre-show authorization check.
type Effect int

const (
	EffectAllow Effect = iota
	EffectDeny
	EffectRedact
)

func (e Effect) String() string {
	switch e {
	case EffectAllow:
		return "allow"
	case EffectDeny:
		return "deny"
	case EffectRedact:
		return "redact"
	}
	return fmt.Sprintf("effect(%d)", int(e))
}

// Decision is returned by an AuthorizationGate for one resource.
type Decision struct {
	Effect Effect
	// Resource is the replacement body when Effect is EffectRedact.
	Resource json.RawMessage
	Reason   string
}

func Allow() Decision { return Decision{Effect: EffectAllow} }

func Deny(reason string) Decision { return Decision{Effect: EffectDeny, Reason: reason} }

func Redact(resource json.RawMessage) Decision {
	return Decision{Effect: EffectRedact, Resource: resource}
}

// AuthorizationGate is consulted once per prefetched resource before the
// resource reaches decision logic. Implementations must not modify the
// resource they are given; redactions return a new body.
type AuthorizationGate interface {
	AuthorizePreShow(ctx context.Context, resource json.RawMessage) (Decision, error)
}

// AllowAll lets every resource through unchanged.
type AllowAll struct{}

func (AllowAll) AuthorizePreShow(context.Context, json.RawMessage) (Decision, error) {
	return Allow(), nil
}

// Chain runs gates in order. A deny stops the chain; redactions feed the
// redacted body into the next gate.
type Chain []AuthorizationGate

func (c Chain) AuthorizePreShow(ctx context.Context, resource json.RawMessage) (Decision, error) {
	current := resource
	redacted := false
	for _, g := range c {
		d, err := g.AuthorizePreShow(ctx, current)
		if err != nil {
			return Decision{}, err
		}
		switch d.Effect {
		case EffectDeny:
			return d, nil
		case EffectRedact:
			current = d.Resource
			redacted = true
		}
	}
	if redacted {
		return Redact(current), nil
	}
	return Allow(), nil
}

// ScopeGate admits resources whose type is readable under the caller's
// SMART scopes. Bundle entries the caller may not read are removed.
type ScopeGate struct {
	// Scopes returns the caller's scopes; defaults to the JWT scopes on ctx.
	Scopes func(ctx context.Context) []string
}

func (g ScopeGate) AuthorizePreShow(ctx context.Context, resource json.RawMessage) (Decision, error) {
	scopesFn := g.Scopes
	if scopesFn == nil {
		scopesFn = auth.ScopesFromContext
	}
	scopes := scopesFn(ctx)

	rt := gjson.GetBytes(resource, "resourceType").String()
	if rt == "" {
		return Deny("resource has no resourceType"), nil
	}
	if rt != "Bundle" {
		if !scopesPermitRead(scopes, rt) {
			return Deny(fmt.Sprintf("no read scope for %s", rt)), nil
		}
		return Allow(), nil
	}

	var drop []int
	for i, t := range bundleEntryTypes(resource) {
		if t != "" && !scopesPermitRead(scopes, t) {
			drop = append(drop, i)
		}
	}
	if len(drop) == 0 {
		return Allow(), nil
	}
	out := append(json.RawMessage(nil), resource...)
	for i := len(drop) - 1; i >= 0; i-- {
		var err error
		out, err = sjson.DeleteBytes(out, fmt.Sprintf("entry.%d", drop[i]))
		if err != nil {
			return Decision{}, fmt.Errorf("remove bundle entry %d: %w", drop[i], err)
		}
	}
	return Redact(out), nil
}

// bundleEntryTypes returns the resourceType of every Bundle entry by
// position; entries without a resource yield "".
func bundleEntryTypes(bundle json.RawMessage) []string {
	var types []string
	gjson.GetBytes(bundle, "entry").ForEach(func(_, e gjson.Result) bool {
		types = append(types, e.Get("resource.resourceType").String())
		return true
	})
	return types
}

// scopesPermitRead reports whether any SMART v1 or v2 scope grants read on
// resourceType, e.g. patient/Observation.read, user/*.*, system/*.rs.
// Scopes with a query constraint (patient/Observation.rs?category=laboratory)
// cannot be checked against a whole resource and grant nothing here.
func scopesPermitRead(scopes []string, resourceType string) bool {
	for _, s := range scopes {
		_, rest, ok := strings.Cut(s, "/")
		if !ok {
			continue
		}
		typ, perm, ok := strings.Cut(rest, ".")
		if !ok || strings.ContainsRune(perm, '?') {
			continue
		}
		if typ != "*" && typ != resourceType {
			continue
		}
		if perm == "*" || perm == "read" {
			return true
		}
		if perm != "write" && strings.ContainsRune(perm, 'r') {
			return true
		}
	}
	return false
}

// narrowScopes keeps the requested scopes whose read access granted already
// covers. A wildcard type is kept only when granted has a wildcard read too.
func narrowScopes(requested, granted []string) []string {
	var out []string
	for _, s := range requested {
		_, rest, ok := strings.Cut(s, "/")
		if !ok {
			continue
		}
		typ, _, ok := strings.Cut(rest, ".")
		if !ok {
			continue
		}
		if scopesPermitRead(granted, typ) {
			out = append(out, s)
		}
	}
	return out
}

// RedactGate strips configured JSON paths from resources by type. The "*"
// key applies to every resource type. Bundle entries are redacted too.
type RedactGate struct {
	Paths map[string][]string
}

func (g RedactGate) AuthorizePreShow(_ context.Context, resource json.RawMessage) (Decision, error) {
	out := append(json.RawMessage(nil), resource...)
	changed := false

	apply := func(prefix, resourceType string) error {
		for _, p := range g.pathsFor(resourceType) {
			full := prefix + p
			if !gjson.GetBytes(out, full).Exists() {
				continue
			}
			var err error
			out, err = sjson.DeleteBytes(out, full)
			if err != nil {
				return fmt.Errorf("redact %s: %w", full, err)
			}
			changed = true
		}
		return nil
	}

	rt := gjson.GetBytes(resource, "resourceType").String()
	if err := apply("", rt); err != nil {
		return Decision{}, err
	}
	if rt == "Bundle" {
		for i, t := range bundleEntryTypes(resource) {
			if err := apply(fmt.Sprintf("entry.%d.resource.", i), t); err != nil {
				return Decision{}, err
			}
		}
	}
	if !changed {
		return Allow(), nil
	}
	return Redact(out), nil
}

func (g RedactGate) pathsFor(resourceType string) []string {
	paths := append([]string(nil), g.Paths["*"]...)
	if resourceType != "" {
		paths = append(paths, g.Paths[resourceType]...)
	}
	return paths
}

// ParseRedactRules parses "Patient:telecom,address;*:text" into RedactGate
// paths.
func ParseRedactRules(spec string) (map[string][]string, error) {
	rules := make(map[string][]string)
	for _, group := range strings.Split(spec, ";") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		typ, list, ok := strings.Cut(group, ":")
		typ = strings.TrimSpace(typ)
		if !ok || typ == "" {
			return nil, fmt.Errorf("redact rule %q: expected Type:path[,path]", group)
		}
		for _, p := range strings.Split(list, ",") {
			if p = strings.TrimSpace(p); p != "" {
				rules[typ] = append(rules[typ], p)
			}
		}
		if len(rules[typ]) == 0 {
			return nil, fmt.Errorf("redact rule %q: no paths", group)
		}
	}
	return rules, nil
}

// sortedKeys returns map keys in lexical order.
func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
