package immunization

import (
	"encoding/json"
	"fmt"
	"time"
)

// Validator checks submitted content before any repository call. Its errors
// abort the operation and are surfaced verbatim; the repository never sees
// invalid content.
type Validator interface {
	Validate(raw json.RawMessage) error
}

var immunizationStatuses = map[string]bool{
	"completed":        true,
	"entered-in-error": true,
	"not-done":         true,
}

type structuralValidator struct{}

// NewStructuralValidator returns the default Validator: structural checks on
// the fields this layer depends on. Full profile validation belongs to an
// upstream rule engine.
func NewStructuralValidator() Validator {
	return structuralValidator{}
}

func (structuralValidator) Validate(raw json.RawMessage) error {
	var res struct {
		ResourceType       string `json:"resourceType"`
		Status             string `json:"status"`
		OccurrenceDateTime string `json:"occurrenceDateTime"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return &ValidationError{Diagnostics: "body contains malformed JSON: " + err.Error()}
	}
	if res.ResourceType != "Immunization" {
		return &ValidationError{Diagnostics: fmt.Sprintf("resourceType must be Immunization, got %q", res.ResourceType)}
	}
	if !immunizationStatuses[res.Status] {
		return &ValidationError{Diagnostics: fmt.Sprintf("status %q is not one of completed, entered-in-error, not-done", res.Status)}
	}
	if res.OccurrenceDateTime == "" {
		return &ValidationError{Diagnostics: "occurrenceDateTime is a mandatory field"}
	}
	if _, err := parseFHIRDateTime(res.OccurrenceDateTime); err != nil {
		return &ValidationError{Diagnostics: "occurrenceDateTime must be a valid FHIR dateTime"}
	}
	return nil
}

// parseFHIRDateTime accepts the dateTime precisions this layer filters on.
func parseFHIRDateTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized dateTime %q", s)
}
