package hooks

import (
	"encoding/json"
	"fmt"
	"time"
)

// HookType names a CDS Hooks trigger point.
type HookType string

const (
	HookPatientView        HookType = "patient-view"
	HookOrderSelect        HookType = "order-select"
	HookOrderSign          HookType = "order-sign"
	HookOrderDispatch      HookType = "order-dispatch"
	HookAppointmentBook    HookType = "appointment-book"
	HookEncounterStart     HookType = "encounter-start"
	HookEncounterDischarge HookType = "encounter-discharge"
)

// requiredContext lists the context fields each hook must carry.
var requiredContext = map[HookType][]string{
	HookPatientView:        {"userId", "patientId"},
	HookOrderSelect:        {"userId", "patientId", "selections", "draftOrders"},
	HookOrderSign:          {"userId", "patientId", "draftOrders"},
	HookOrderDispatch:      {"patientId", "order", "performer"},
	HookAppointmentBook:    {"userId", "patientId", "appointments"},
	HookEncounterStart:     {"userId", "patientId", "encounterId"},
	HookEncounterDischarge: {"userId", "patientId", "encounterId"},
}

// IsSupported reports whether the hook type is one this server can host.
func (h HookType) IsSupported() bool {
	_, ok := requiredContext[h]
	return ok
}

// RequiredContext returns the context fields the hook type requires.
func (h HookType) RequiredContext() []string {
	return requiredContext[h]
}

// SupportedHooks returns every hook type in a stable order.
func SupportedHooks() []HookType {
	return []HookType{
		HookPatientView, HookOrderSelect, HookOrderSign, HookOrderDispatch,
		HookAppointmentBook, HookEncounterStart, HookEncounterDischarge,
	}
}

// HookService describes a single CDS service returned in discovery.
type HookService struct {
	Hook              HookType          `json:"hook"`
	Title             string            `json:"title,omitempty"`
	Description       string            `json:"description"`
	ID                string            `json:"id"`
	Prefetch          map[string]string `json:"prefetch,omitempty"`
	UsageRequirements string            `json:"usageRequirements,omitempty"`

	// RequiredPrefetch names prefetch keys the decision logic cannot run
	// without. A gate veto on one of these fails the call.
	RequiredPrefetch []string `json:"-"`
	// Timeout overrides the dispatcher's default decision-logic timeout.
	Timeout time.Duration `json:"-"`
}

// requiresPrefetch reports whether key is listed in RequiredPrefetch.
func (s HookService) requiresPrefetch(key string) bool {
	for _, k := range s.RequiredPrefetch {
		if k == key {
			return true
		}
	}
	return false
}

// HookRequest is the payload POSTed to invoke a hook.
type HookRequest struct {
	Hook              HookType                   `json:"hook"`
	HookInstance      string                     `json:"hookInstance"`
	FHIRServer        string                     `json:"fhirServer,omitempty"`
	FHIRAuthorization *FHIRAuthorization         `json:"fhirAuthorization,omitempty"`
	Context           json.RawMessage            `json:"context"`
	Prefetch          map[string]json.RawMessage `json:"prefetch,omitempty"`
}

// FHIRAuthorization carries the access token the EHR grants the service.
type FHIRAuthorization struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
	Subject     string `json:"subject"`
}

// Indicator is the urgency of a card.
type Indicator string

const (
	IndicatorInfo     Indicator = "info"
	IndicatorWarning  Indicator = "warning"
	IndicatorCritical Indicator = "critical"
)

// Valid reports whether the indicator is one of info, warning or critical.
func (i Indicator) Valid() bool {
	switch i {
	case IndicatorInfo, IndicatorWarning, IndicatorCritical:
		return true
	}
	return false
}

// MaxSummaryLength is the longest card summary a CDS Hooks card may carry.
const MaxSummaryLength = 140

// Card is a single recommendation returned to the EHR.
type Card struct {
	UUID              string       `json:"uuid,omitempty"`
	Summary           string       `json:"summary"`
	Detail            string       `json:"detail,omitempty"`
	Indicator         Indicator    `json:"indicator"`
	Source            Source       `json:"source"`
	Suggestions       []Suggestion `json:"suggestions,omitempty"`
	Links             []Link       `json:"links,omitempty"`
	OverrideReasons   []Coding     `json:"overrideReasons,omitempty"`
	SelectionBehavior string       `json:"selectionBehavior,omitempty"`
}

// Validate checks the card against the CDS Hooks card shape.
func (c Card) Validate() error {
	if c.Summary == "" {
		return fmt.Errorf("card summary is required")
	}
	if len([]rune(c.Summary)) > MaxSummaryLength {
		return fmt.Errorf("card summary exceeds %d characters", MaxSummaryLength)
	}
	if !c.Indicator.Valid() {
		return fmt.Errorf("invalid card indicator %q", c.Indicator)
	}
	if c.Source.Label == "" {
		return fmt.Errorf("card source label is required")
	}
	for i, s := range c.Suggestions {
		if s.Label == "" {
			return fmt.Errorf("suggestion %d: label is required", i)
		}
	}
	if len(c.Suggestions) > 0 && c.SelectionBehavior != "" &&
		c.SelectionBehavior != "at-most-one" && c.SelectionBehavior != "any" {
		return fmt.Errorf("invalid selectionBehavior %q", c.SelectionBehavior)
	}
	for i, l := range c.Links {
		if l.Label == "" || l.URL == "" {
			return fmt.Errorf("link %d: label and url are required", i)
		}
		if l.Type != "absolute" && l.Type != "smart" {
			return fmt.Errorf("link %d: invalid type %q", i, l.Type)
		}
	}
	return nil
}

// Source identifies who produced a card.
type Source struct {
	Label string  `json:"label"`
	URL   string  `json:"url,omitempty"`
	Icon  string  `json:"icon,omitempty"`
	Topic *Coding `json:"topic,omitempty"`
}

// Suggestion is a suggested set of actions within a card.
type Suggestion struct {
	Label         string   `json:"label"`
	UUID          string   `json:"uuid,omitempty"`
	IsRecommended bool     `json:"isRecommended,omitempty"`
	Actions       []Action `json:"actions,omitempty"`
}

// Action is an individual create, update or delete proposal.
type Action struct {
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Resource    json.RawMessage `json:"resource,omitempty"`
	ResourceID  string          `json:"resourceId,omitempty"`
}

// Link points the user at external guidance or a SMART app.
type Link struct {
	Label      string `json:"label"`
	URL        string `json:"url"`
	Type       string `json:"type"`
	AppContext string `json:"appContext,omitempty"`
}

// Coding is a code/system/display triple.
type Coding struct {
	Code    string `json:"code"`
	System  string `json:"system,omitempty"`
	Display string `json:"display,omitempty"`
}

// Response is returned from a hook invocation.
type Response struct {
	Cards         []Card   `json:"cards"`
	SystemActions []Action `json:"systemActions,omitempty"`
}

// Feedback outcomes.
const (
	OutcomeAccepted   = "accepted"
	OutcomeOverridden = "overridden"
)

// Feedback records what the user did with a card.
type Feedback struct {
	Card                string               `json:"card"`
	Outcome             string               `json:"outcome"`
	AcceptedSuggestions []AcceptedSuggestion `json:"acceptedSuggestions,omitempty"`
	OverrideReason      *OverrideReason      `json:"overrideReason,omitempty"`
	OutcomeTimestamp    time.Time            `json:"outcomeTimestamp"`
}

// AcceptedSuggestion references a suggestion the user accepted.
type AcceptedSuggestion struct {
	ID string `json:"id"`
}

// OverrideReason is why the user dismissed a card.
type OverrideReason struct {
	Reason      *Coding `json:"reason,omitempty"`
	UserComment string  `json:"userComment,omitempty"`
}

// FeedbackRequest is the body POSTed to the feedback endpoint.
type FeedbackRequest struct {
	Feedback []Feedback `json:"feedback"`
}

// FeedbackRecord is a stored feedback item.
type FeedbackRecord struct {
	ID        string    `db:"id" json:"id"`
	ServiceID string    `db:"service_id" json:"service_id"`
	Feedback  Feedback  `db:"-" json:"feedback"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Validate checks a feedback item.
func (f Feedback) Validate() error {
	if f.Card == "" {
		return fmt.Errorf("feedback card is required")
	}
	switch f.Outcome {
	case OutcomeAccepted:
		if f.OverrideReason != nil {
			return fmt.Errorf("overrideReason is only allowed for overridden cards")
		}
	case OutcomeOverridden:
		if len(f.AcceptedSuggestions) > 0 {
			return fmt.Errorf("acceptedSuggestions is only allowed for accepted cards")
		}
	default:
		return fmt.Errorf("invalid feedback outcome %q", f.Outcome)
	}
	if f.OutcomeTimestamp.IsZero() {
		return fmt.Errorf("outcomeTimestamp is required")
	}
	return nil
}
