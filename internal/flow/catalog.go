package flow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Step is one question in the guided intake catalog.
type Step struct {
	// Key names the step in results and logs.
	Key string `json:"key"`
	// Prompt is the question text sent to the user.
	Prompt string `json:"prompt"`
	// Field is the answer field name recorded on the session.
	Field string `json:"field"`
	// Validator names a registered validator; defaults to nonempty.
	Validator string `json:"validator,omitempty"`
	// Options lists the accepted values for choice steps.
	Options []string `json:"options,omitempty"`
	// Hint describes the expected input; derived from the validator when empty.
	Hint string `json:"hint,omitempty"`
}

// Catalog is an ordered, immutable sequence of intake steps with their
// validators resolved. It is fixed at process start; sessions index into it
// by step index and never skip or revisit steps.
type Catalog struct {
	steps      []Step
	validators []Validator
}

// NewCatalog validates the step definitions, resolves each step's validator
// against the registry, and returns an immutable catalog.
func NewCatalog(steps []Step) (*Catalog, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("catalog must contain at least one step")
	}
	c := &Catalog{
		steps:      make([]Step, len(steps)),
		validators: make([]Validator, len(steps)),
	}
	seenKeys := make(map[string]bool, len(steps))
	seenFields := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s.Key == "" {
			return nil, fmt.Errorf("step %d: key is required", i)
		}
		if seenKeys[s.Key] {
			return nil, fmt.Errorf("step %d: duplicate key %q", i, s.Key)
		}
		seenKeys[s.Key] = true
		if s.Prompt == "" {
			return nil, fmt.Errorf("step %q: prompt is required", s.Key)
		}
		if s.Field == "" {
			return nil, fmt.Errorf("step %q: field is required", s.Key)
		}
		if seenFields[s.Field] {
			return nil, fmt.Errorf("step %q: duplicate field %q", s.Key, s.Field)
		}
		seenFields[s.Field] = true
		if s.Validator == "" {
			s.Validator = ValidatorNonEmpty
		}
		builder, ok := GetValidator(s.Validator)
		if !ok {
			return nil, fmt.Errorf("step %q: unknown validator %q", s.Key, s.Validator)
		}
		if s.Validator == ValidatorChoice && len(s.Options) == 0 {
			return nil, fmt.Errorf("step %q: choice validator requires options", s.Key)
		}
		if s.Hint == "" {
			s.Hint = defaultHint(s)
		}
		c.steps[i] = s
		c.validators[i] = builder(s)
	}
	return c, nil
}

// Len returns the number of steps in the catalog.
func (c *Catalog) Len() int {
	return len(c.steps)
}

// Step returns the step at the given index.
func (c *Catalog) Step(index int) (Step, bool) {
	if index < 0 || index >= len(c.steps) {
		return Step{}, false
	}
	return c.steps[index], true
}

// Steps returns a copy of the ordered step definitions.
func (c *Catalog) Steps() []Step {
	out := make([]Step, len(c.steps))
	copy(out, c.steps)
	return out
}

// Validate runs the resolved validator for the step at index against raw
// input. An empty reason means the input was accepted. The index must be a
// valid step index.
func (c *Catalog) Validate(index int, raw string) (normalized string, reason string) {
	return c.validators[index](raw)
}

// defaultHint derives an expected-input hint from the step's validator.
func defaultHint(s Step) string {
	switch s.Validator {
	case ValidatorChoice:
		return "One of: " + strings.Join(s.Options, ", ")
	case ValidatorYesNo:
		return "yes or no"
	default:
		return ""
	}
}

// DefaultCatalog returns the built-in law firm intake flow: full name, area
// of law, a short description of the situation, and whether the user wants
// a consultation scheduled.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]Step{
		{
			Key:       "name",
			Prompt:    "Hello! Welcome to our law firm. What is your full name?",
			Field:     "name",
			Validator: ValidatorNonEmpty,
		},
		{
			Key:       "area_of_law",
			Prompt:    "Which area of law do you need help with?\n\n1. Penal Law\n2. Civil Law\n3. Labor Law\n4. Other\n\nPlease type the number or name:",
			Field:     "area_of_law",
			Validator: ValidatorChoice,
			Options:   []string{"Penal Law", "Civil Law", "Labor Law", "Other"},
		},
		{
			Key:       "situation",
			Prompt:    "Please describe your legal situation briefly. This will help us understand how we can assist you:",
			Field:     "situation",
			Validator: ValidatorNonEmpty,
		},
		{
			Key:       "wants_meeting",
			Prompt:    "Thank you for the information. Even if budget is a concern, we can work together to find a suitable payment plan. Would you like me to schedule a consultation with one of our lawyers?\n\nPlease answer: Yes or No",
			Field:     "wants_meeting",
			Validator: ValidatorYesNo,
		},
	})
	if err != nil {
		panic("flow: default catalog is invalid: " + err.Error())
	}
	return c
}

// catalogFile is the on-disk JSON shape for flow file overrides, matching
// the step catalog document managed outside the code.
type catalogFile struct {
	Steps []Step `json:"steps"`
}

// LoadCatalogFile loads and validates a step catalog from a JSON file.
// Malformed files are rejected so a bad override fails startup instead of
// breaking sessions mid-flow.
func LoadCatalogFile(path string) (*Catalog, error) {
	slog.Debug("flow.LoadCatalogFile: loading flow file", "file", path)

	if path == "" {
		return nil, fmt.Errorf("flow file not configured")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("flow file does not exist: %s", path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		slog.Error("flow.LoadCatalogFile: failed to read flow file", "file", path, "error", err)
		return nil, fmt.Errorf("failed to read flow file: %w", err)
	}
	var parsed catalogFile
	if err := json.Unmarshal(content, &parsed); err != nil {
		slog.Error("flow.LoadCatalogFile: failed to parse flow file", "file", path, "error", err)
		return nil, fmt.Errorf("failed to parse flow file %s: %w", path, err)
	}
	c, err := NewCatalog(parsed.Steps)
	if err != nil {
		return nil, fmt.Errorf("invalid flow file %s: %w", path, err)
	}
	slog.Info("flow.LoadCatalogFile: flow file loaded", "file", path, "steps", c.Len())
	return c, nil
}
