package hooks

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceDefinition is a statically declared service as read from the
// services file.
type ServiceDefinition struct {
	ID                string            `yaml:"id"`
	Hook              HookType          `yaml:"hook"`
	Title             string            `yaml:"title,omitempty"`
	Description       string            `yaml:"description"`
	UsageRequirements string            `yaml:"usageRequirements,omitempty"`
	Prefetch          map[string]string `yaml:"prefetch,omitempty"`
	RequiredPrefetch  []string          `yaml:"requiredPrefetch,omitempty"`
	Timeout           time.Duration     `yaml:"timeout,omitempty"`

	// Logic names an entry in the LogicCatalog; empty means "rules".
	Logic   string         `yaml:"logic,omitempty"`
	Cards   []CardRule     `yaml:"cards,omitempty"`
	Options map[string]any `yaml:"options,omitempty"`
}

// Service converts the definition to its discovery form.
func (d ServiceDefinition) Service() HookService {
	return HookService{
		ID:                d.ID,
		Hook:              d.Hook,
		Title:             d.Title,
		Description:       d.Description,
		UsageRequirements: d.UsageRequirements,
		Prefetch:          d.Prefetch,
		RequiredPrefetch:  d.RequiredPrefetch,
		Timeout:           d.Timeout,
	}
}

// DefinitionsFile is the root of the services YAML document.
type DefinitionsFile struct {
	Services []ServiceDefinition `yaml:"services"`
}

var envRef = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnv replaces ${VAR} and ${VAR:-default} references.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		parts := envRef.FindStringSubmatch(m)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// LoadDefinitions reads service definitions from a YAML file. An empty
// path yields no definitions: every service is then registered in code.
func LoadDefinitions(path string) ([]ServiceDefinition, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read services file %s: %w", path, err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions parses a services YAML document.
func ParseDefinitions(data []byte) ([]ServiceDefinition, error) {
	var f DefinitionsFile
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse services file: %w", err)
	}
	return f.Services, nil
}
