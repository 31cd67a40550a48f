// Package fhir holds the FHIR wire shapes this service speaks: operation
// outcomes for errors and searchset bundles for patient search responses.
package fhir

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "processing", diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome("error", "not-found", resourceType+"/"+id+" not found")
}

func ValidationOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "invalid", diagnostics)
}

func ForbiddenOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "forbidden", diagnostics)
}

func ConflictOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "conflict", diagnostics)
}

func DuplicateOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "duplicate", diagnostics)
}

// UnauthorizedTypesOutcome marks a partially authorized search: the dropped
// vaccine types are carried in the issue expression so clients can detect
// them programmatically.
func UnauthorizedTypesOutcome(droppedTypes []string) *OperationOutcome {
	oo := NewOperationOutcome("warning", "forbidden",
		"results for some of the requested vaccine types were omitted because the caller is not authorized to search them")
	oo.Issue[0].Expression = droppedTypes
	return oo
}
