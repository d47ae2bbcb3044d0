// Package prompts holds the prompt catalog used by the router and the
// response assembler.
//
// The default catalog is embedded from prompts.yaml. An override file with
// the same layout replaces individual entries.
package prompts

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Catalog entry names.
const (
	Classification    = "classification"
	SlotExtraction    = "slot_extraction"
	InformationUpdate = "information_update"
	Itinerary         = "itinerary"
	TravelPlan        = "travel_plan"
	SupportTrip       = "support_trip"
)

//go:embed prompts.yaml
var defaultCatalog []byte

// Entry is the raw text of one prompt.
type Entry struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

type compiled struct {
	system *template.Template
	user   *template.Template
}

// Catalog renders named prompts.
type Catalog struct {
	entries map[string]compiled
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Load("")
}

// Load parses the embedded catalog and applies overridePath on top of it
// when set.
func Load(overridePath string) (*Catalog, error) {
	entries, err := parse(defaultCatalog)
	if err != nil {
		return nil, fmt.Errorf("failed to parse embedded prompts: %w", err)
	}

	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read prompts file: %w", err)
		}
		overrides, err := parse(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse prompts file %s: %w", overridePath, err)
		}
		for name, entry := range overrides {
			entries[name] = entry
		}
	}

	c := &Catalog{entries: make(map[string]compiled, len(entries))}
	for name, entry := range entries {
		system, err := template.New(name + ".system").Option("missingkey=zero").Parse(entry.System)
		if err != nil {
			return nil, fmt.Errorf("prompt %s: system template: %w", name, err)
		}
		user, err := template.New(name + ".user").Option("missingkey=zero").Parse(entry.User)
		if err != nil {
			return nil, fmt.Errorf("prompt %s: user template: %w", name, err)
		}
		c.entries[name] = compiled{system: system, user: user}
	}
	return c, nil
}

func parse(data []byte) (map[string]Entry, error) {
	entries := make(map[string]Entry)
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Names returns the entry names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render executes the named entry with data and returns the system and user
// prompts.
func (c *Catalog) Render(name string, data any) (system, user string, err error) {
	entry, ok := c.entries[name]
	if !ok {
		return "", "", fmt.Errorf("unknown prompt %q", name)
	}

	var buf bytes.Buffer
	if err := entry.system.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("prompt %s: %w", name, err)
	}
	system = strings.TrimSpace(buf.String())

	buf.Reset()
	if err := entry.user.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("prompt %s: %w", name, err)
	}
	user = strings.TrimSpace(buf.String())
	return system, user, nil
}
