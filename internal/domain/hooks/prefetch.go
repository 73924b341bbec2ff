package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// ResourceSource loads a prefetch query ("Patient/123" or
// "Observation?patient=123") on behalf of a hook request. Implementations
// may use the request's fhirServer and fhirAuthorization.
type ResourceSource interface {
	Fetch(ctx context.Context, query string, req *HookRequest) (json.RawMessage, error)
}

// ResourceSourceFunc adapts a function to ResourceSource.
type ResourceSourceFunc func(ctx context.Context, query string, req *HookRequest) (json.RawMessage, error)

func (f ResourceSourceFunc) Fetch(ctx context.Context, query string, req *HookRequest) (json.RawMessage, error) {
	return f(ctx, query, req)
}

var templateToken = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.#-]+)\s*\}\}`)

// renderTokens substitutes every {{token}} in tmpl using lookup. It fails on
// the first token lookup cannot resolve.
func renderTokens(tmpl string, lookup func(token string) (string, bool)) (string, error) {
	var missing string
	out := templateToken.ReplaceAllStringFunc(tmpl, func(m string) string {
		if missing != "" {
			return m
		}
		token := templateToken.FindStringSubmatch(m)[1]
		v, ok := lookup(token)
		if !ok {
			missing = token
			return m
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("unresolved template token %q", missing)
	}
	return out, nil
}

// RenderPrefetchTemplate resolves a prefetch template against a hook
// context. Supported tokens are context.<field> and the user shorthands
// userPractitionerId, userPatientId and userRelatedPersonId.
func RenderPrefetchTemplate(tmpl string, hookContext json.RawMessage) (string, error) {
	return renderTokens(tmpl, func(token string) (string, bool) {
		switch token {
		case "userPractitionerId":
			return userReference(hookContext, "Practitioner")
		case "userPatientId":
			return userReference(hookContext, "Patient")
		case "userRelatedPersonId":
			return userReference(hookContext, "RelatedPerson")
		}
		path, ok := strings.CutPrefix(token, "context.")
		if !ok {
			return "", false
		}
		return scalar(gjson.GetBytes(hookContext, path))
	})
}

// userReference extracts the id from context.userId when it references the
// given resource type, e.g. "Practitioner/abc" -> "abc".
func userReference(hookContext json.RawMessage, resourceType string) (string, bool) {
	userID := gjson.GetBytes(hookContext, "userId").String()
	id, ok := strings.CutPrefix(userID, resourceType+"/")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// scalar returns the string form of a string, number or boolean result.
func scalar(r gjson.Result) (string, bool) {
	switch r.Type {
	case gjson.String, gjson.Number:
		return r.String(), true
	case gjson.True, gjson.False:
		return r.Raw, true
	}
	return "", false
}
