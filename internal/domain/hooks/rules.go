package hooks

import (
	"context"
	"fmt"
	"regexp"

	"github.com/tidwall/gjson"
)

// Condition tests one path of the invocation document. All set operators
// must hold. Paths use gjson syntax rooted at the document, e.g.
// "context.patientId" or "prefetch.patient.gender".
type Condition struct {
	Path      string   `yaml:"path"`
	Exists    *bool    `yaml:"exists,omitempty"`
	Equals    *string  `yaml:"equals,omitempty"`
	NotEquals *string  `yaml:"notEquals,omitempty"`
	In        []string `yaml:"in,omitempty"`
	Matches   string   `yaml:"matches,omitempty"`
	Gte       *float64 `yaml:"gte,omitempty"`
	Lte       *float64 `yaml:"lte,omitempty"`

	re *regexp.Regexp
}

func (c *Condition) compile() error {
	if c.Path == "" {
		return fmt.Errorf("condition path is required")
	}
	if c.Matches != "" {
		re, err := regexp.Compile(c.Matches)
		if err != nil {
			return fmt.Errorf("condition %s: %w", c.Path, err)
		}
		c.re = re
	}
	return nil
}

func (c *Condition) holds(doc []byte) bool {
	v := gjson.GetBytes(doc, c.Path)
	exists := v.Exists() && v.Type != gjson.Null
	if c.Exists != nil && *c.Exists != exists {
		return false
	}
	if !exists {
		// Only an explicit exists:false can match an absent value.
		return c.Exists != nil && !*c.Exists
	}
	if c.Equals != nil && v.String() != *c.Equals {
		return false
	}
	if c.NotEquals != nil && v.String() == *c.NotEquals {
		return false
	}
	if len(c.In) > 0 && !contains(c.In, v.String()) {
		return false
	}
	if c.re != nil && !c.re.MatchString(v.String()) {
		return false
	}
	if c.Gte != nil && (v.Type != gjson.Number || v.Float() < *c.Gte) {
		return false
	}
	if c.Lte != nil && (v.Type != gjson.Number || v.Float() > *c.Lte) {
		return false
	}
	return true
}

// CardRule emits one card when every condition holds. Summary and detail
// may reference document paths as {{context.patientId}}.
type CardRule struct {
	Summary     string           `yaml:"summary"`
	Detail      string           `yaml:"detail,omitempty"`
	Indicator   Indicator        `yaml:"indicator"`
	Source      string           `yaml:"source,omitempty"`
	SourceURL   string           `yaml:"sourceUrl,omitempty"`
	When        []Condition      `yaml:"when,omitempty"`
	Suggestions []SuggestionRule `yaml:"suggestions,omitempty"`
	Links       []LinkRule       `yaml:"links,omitempty"`
}

// SuggestionRule is a static suggestion attached to a rule card.
type SuggestionRule struct {
	Label       string `yaml:"label"`
	Recommended bool   `yaml:"recommended,omitempty"`
}

// LinkRule is a static link attached to a rule card.
type LinkRule struct {
	Label string `yaml:"label"`
	URL   string `yaml:"url"`
	Type  string `yaml:"type,omitempty"`
}

// RulesLogic is decision logic driven by declarative card rules.
type RulesLogic struct {
	rules []CardRule
}

// NewRulesLogic validates and compiles rules.
func NewRulesLogic(rules []CardRule) (*RulesLogic, error) {
	compiled := make([]CardRule, len(rules))
	for i, r := range rules {
		if r.Summary == "" {
			return nil, fmt.Errorf("card rule %d: summary is required", i)
		}
		if !r.Indicator.Valid() {
			return nil, fmt.Errorf("card rule %d: invalid indicator %q", i, r.Indicator)
		}
		r.When = append([]Condition(nil), r.When...)
		for j := range r.When {
			if err := r.When[j].compile(); err != nil {
				return nil, fmt.Errorf("card rule %d: %w", i, err)
			}
		}
		for j, s := range r.Suggestions {
			if s.Label == "" {
				return nil, fmt.Errorf("card rule %d: suggestion %d: label is required", i, j)
			}
		}
		compiled[i] = r
	}
	return &RulesLogic{rules: compiled}, nil
}

// Evaluate emits a card for every rule whose conditions hold. A rule whose
// text references a path missing from the document is skipped.
func (l *RulesLogic) Evaluate(ctx context.Context, inv *Invocation) (*Response, error) {
	doc := inv.Document()
	lookup := func(token string) (string, bool) {
		return scalar(gjson.GetBytes(doc, token))
	}

	cards := []Card{}
	for _, r := range l.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !allHold(r.When, doc) {
			continue
		}
		summary, err := renderTokens(r.Summary, lookup)
		if err != nil {
			continue
		}
		detail, err := renderTokens(r.Detail, lookup)
		if err != nil {
			continue
		}
		card := Card{
			Summary:   summary,
			Detail:    detail,
			Indicator: r.Indicator,
			Source:    Source{Label: r.Source, URL: r.SourceURL},
		}
		for _, s := range r.Suggestions {
			card.Suggestions = append(card.Suggestions, Suggestion{Label: s.Label, IsRecommended: s.Recommended})
		}
		for _, lk := range r.Links {
			typ := lk.Type
			if typ == "" {
				typ = "absolute"
			}
			card.Links = append(card.Links, Link{Label: lk.Label, URL: lk.URL, Type: typ})
		}
		cards = append(cards, card)
	}
	return &Response{Cards: cards}, nil
}

func allHold(conds []Condition, doc []byte) bool {
	for i := range conds {
		if !conds[i].holds(doc) {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
