package flow

import (
	"fmt"
	"strconv"
	"strings"
)

// Validator checks one raw user input against a step's expectations. It
// returns the normalized value to store and an empty reason on acceptance,
// or a user-facing reason on rejection. Validators are pure and
// deterministic; rejected input never mutates the session, so a step can be
// retried indefinitely.
type Validator func(raw string) (normalized string, reason string)

// ValidatorBuilder constructs a step-bound Validator from its catalog step.
type ValidatorBuilder func(step Step) Validator

// Built-in validator names usable in step definitions.
const (
	ValidatorNonEmpty = "nonempty"
	ValidatorChoice   = "choice"
	ValidatorYesNo    = "yesno"
	ValidatorOptional = "optional"
)

var validatorRegistry = make(map[string]ValidatorBuilder)

// RegisterValidator associates a validator name with a builder.
func RegisterValidator(name string, builder ValidatorBuilder) {
	validatorRegistry[name] = builder
}

// GetValidator retrieves the builder registered under name.
func GetValidator(name string) (ValidatorBuilder, bool) {
	b, ok := validatorRegistry[name]
	return b, ok
}

// Register built-in validators
func init() {
	RegisterValidator(ValidatorNonEmpty, nonEmptyValidator)
	RegisterValidator(ValidatorChoice, choiceValidator)
	RegisterValidator(ValidatorYesNo, yesNoValidator)
	RegisterValidator(ValidatorOptional, optionalValidator)
}

// nonEmptyValidator accepts any input with visible content, trimmed.
func nonEmptyValidator(step Step) Validator {
	return func(raw string) (string, string) {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			return "", "This answer cannot be empty."
		}
		return trimmed, ""
	}
}

// choiceValidator accepts a case-insensitive option name or a 1-based
// option number, the way the numbered prompt reads. The stored value is
// always the canonical option string.
func choiceValidator(step Step) Validator {
	options := step.Options
	reject := fmt.Sprintf("Please choose one of: %s.", strings.Join(options, ", "))
	return func(raw string) (string, string) {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			return "", reject
		}
		if n, err := strconv.Atoi(trimmed); err == nil && n >= 1 && n <= len(options) {
			return options[n-1], ""
		}
		for _, opt := range options {
			if strings.EqualFold(trimmed, opt) {
				return opt, ""
			}
		}
		return "", reject
	}
}

// yesNoValidator normalizes common affirmative and negative answers to
// plain yes/no.
func yesNoValidator(step Step) Validator {
	return func(raw string) (string, string) {
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "yes", "y", "yeah", "yep", "sure":
			return "yes", ""
		case "no", "n", "nope", "nah":
			return "no", ""
		default:
			return "", "Please answer yes or no."
		}
	}
}

// optionalValidator accepts anything, including empty input, trimmed.
func optionalValidator(step Step) Validator {
	return func(raw string) (string, string) {
		return strings.TrimSpace(raw), ""
	}
}
