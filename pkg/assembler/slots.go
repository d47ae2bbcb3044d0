package assembler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/tripmate/internal/config"
	"github.com/harun/tripmate/pkg/llm"
	"github.com/harun/tripmate/pkg/prompts"
	"github.com/harun/tripmate/pkg/router"
)

// Slot names.
const (
	SlotOrigin      = "origin"
	SlotDestination = "destination"
	SlotDates       = "dates"
	SlotStartTime   = "start_time"
	SlotTravelers   = "travelers"
	SlotBudget      = "budget"
)

// RequiredSlots are checked in this order.
var RequiredSlots = []string{SlotOrigin, SlotDates, SlotTravelers, SlotBudget}

// TripSlots are the details a travel plan needs.
type TripSlots struct {
	Origin      string `json:"origin,omitempty"`
	Destination string `json:"destination,omitempty"`
	Dates       string `json:"dates,omitempty"`
	StartTime   string `json:"start_time,omitempty"`
	Travelers   string `json:"travelers,omitempty"`
	Budget      string `json:"budget,omitempty"`
}

// SlotsFromMap reads slots from a name/value map. Unknown names are ignored.
func SlotsFromMap(m map[string]string) TripSlots {
	var s TripSlots
	for name, value := range m {
		s.set(name, value)
	}
	return s
}

func (s *TripSlots) set(name, value string) {
	value = strings.TrimSpace(value)
	switch name {
	case SlotOrigin:
		s.Origin = value
	case SlotDestination:
		s.Destination = value
	case SlotDates:
		s.Dates = value
	case SlotStartTime:
		s.StartTime = value
	case SlotTravelers:
		s.Travelers = value
	case SlotBudget:
		s.Budget = value
	}
}

func (s TripSlots) get(name string) string {
	switch name {
	case SlotOrigin:
		return s.Origin
	case SlotDestination:
		return s.Destination
	case SlotDates:
		return s.Dates
	case SlotStartTime:
		return s.StartTime
	case SlotTravelers:
		return s.Travelers
	case SlotBudget:
		return s.Budget
	}
	return ""
}

var slotOrder = []string{SlotOrigin, SlotDestination, SlotDates, SlotStartTime, SlotTravelers, SlotBudget}

// Map returns the non-empty slots.
func (s TripSlots) Map() map[string]string {
	out := make(map[string]string)
	for _, name := range slotOrder {
		if v := s.get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

// Fill returns s with its empty slots taken from other.
func (s TripSlots) Fill(other TripSlots) TripSlots {
	for _, name := range slotOrder {
		if s.get(name) == "" {
			s.set(name, other.get(name))
		}
	}
	return s
}

// Missing returns the empty required slots in RequiredSlots order.
func (s TripSlots) Missing() []string {
	var missing []string
	for _, name := range RequiredSlots {
		if s.get(name) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// SlotValue is a named slot for prompt rendering.
type SlotValue struct {
	Name  string
	Value string
}

func (s TripSlots) values() []SlotValue {
	var out []SlotValue
	for _, name := range slotOrder {
		if v := s.get(name); v != "" {
			out = append(out, SlotValue{Name: name, Value: v})
		}
	}
	return out
}

const slotSchema = `{
  "type": "object",
  "properties": {
    "origin":      {"type": ["string", "null"]},
    "destination": {"type": ["string", "null"]},
    "dates":       {"type": ["string", "null"]},
    "start_time":  {"type": ["string", "null"]},
    "travelers":   {"type": ["string", "integer", "null"]},
    "budget":      {"type": ["string", "number", "null"]}
  }
}`

// SlotExtractor asks the generator for trip details in a turn.
type SlotExtractor struct {
	generator llm.Generator
	catalog   *prompts.Catalog
	model     config.IntentModel
	schema    *gojsonschema.Schema
}

// NewSlotExtractor creates a SlotExtractor.
func NewSlotExtractor(generator llm.Generator, catalog *prompts.Catalog, models config.ModelsConfig) (*SlotExtractor, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(slotSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile slot schema: %w", err)
	}
	return &SlotExtractor{
		generator: generator,
		catalog:   catalog,
		model:     models.Intent(config.IntentSlotExtraction),
		schema:    schema,
	}, nil
}

// Extract returns the slots stated in input and history.
func (e *SlotExtractor) Extract(ctx context.Context, input string, history []router.Turn, known TripSlots) (TripSlots, error) {
	system, user, err := e.catalog.Render(prompts.SlotExtraction, struct {
		Input   string
		Known   map[string]string
		History []router.Turn
	}{Input: input, Known: known.Map(), History: history})
	if err != nil {
		return TripSlots{}, err
	}

	resp, err := e.generator.Generate(ctx, llm.Request{
		Model:       e.model.Model,
		System:      system,
		Prompt:      user,
		Temperature: e.model.Temperature,
		MaxTokens:   e.model.MaxTokens,
	})
	if err != nil {
		return TripSlots{}, err
	}
	return e.Parse(resp.Text)
}

// Parse validates a JSON reply against the slot schema. Surrounding prose
// and code fences are ignored.
func (e *SlotExtractor) Parse(text string) (TripSlots, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return TripSlots{}, fmt.Errorf("no JSON object in slot reply")
	}
	data := []byte(text[start : end+1])

	result, err := e.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return TripSlots{}, fmt.Errorf("slot reply is not JSON: %w", err)
	}
	if !result.Valid() {
		var errMsg string
		for i, verr := range result.Errors() {
			if i > 0 {
				errMsg += "; "
			}
			errMsg += verr.String()
		}
		return TripSlots{}, fmt.Errorf("slot reply failed validation: %s", errMsg)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return TripSlots{}, fmt.Errorf("slot reply is not JSON: %w", err)
	}

	var slots TripSlots
	for name, v := range raw {
		switch val := v.(type) {
		case string:
			slots.set(name, val)
		case float64:
			slots.set(name, strconv.FormatFloat(val, 'f', -1, 64))
		}
	}
	return slots, nil
}
