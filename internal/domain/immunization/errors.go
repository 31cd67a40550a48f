package immunization

import (
	"errors"
	"fmt"
)

// ErrNotFound is the sentinel kind behind NotFoundError so callers can use
// errors.Is without caring about the resource id.
var ErrNotFound = errors.New("resource not found")

// NotFoundError is returned when a record is absent or logically deleted and
// the operation does not special-case deletion.
type NotFoundError struct {
	ResourceType string
	ID           string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s resource does not exist. ID: %s", e.ResourceType, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ErrConflict is the sentinel kind behind ConflictError.
var ErrConflict = errors.New("write conflict")

// ConflictError is returned when a conditional write is rejected by the
// store: the stored version does not match the version the caller last
// observed, or the record's lifecycle state does not satisfy the write's
// precondition. The caller must re-fetch before retrying.
type ConflictError struct {
	ID      string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("write conflict on Immunization %s: %s", e.ID, e.Message)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// ErrDuplicateIdentifier is the sentinel kind behind IdentifierDuplicationError.
var ErrDuplicateIdentifier = errors.New("duplicate identifier")

// IdentifierDuplicationError is returned when the submitted business
// identifier is already bound to a different record.
type IdentifierDuplicationError struct {
	Identifier string
}

func (e *IdentifierDuplicationError) Error() string {
	return fmt.Sprintf("the provided identifier %s is duplicated", e.Identifier)
}

func (e *IdentifierDuplicationError) Is(target error) bool { return target == ErrDuplicateIdentifier }

// ErrUnauthorizedVax is returned when the caller does not hold the
// {vaccineType}:{operation} capability a single-record operation requires.
var ErrUnauthorizedVax = errors.New("unauthorized request for vaccine type")

// UnhandledResponseError wraps a store failure or a malformed store response.
// It is distinct from the request-level error kinds so callers can tell "your
// request was invalid" from "the store failed".
type UnhandledResponseError struct {
	Message string
	Err     error
}

func (e *UnhandledResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *UnhandledResponseError) Unwrap() error { return e.Err }

// ValidationError is returned when the submitted content fails structural
// validation or is inconsistent with the stored record. It is produced by
// the Validator collaborator or by the Service's own consistency checks and
// never interpreted by the Repository.
type ValidationError struct {
	Diagnostics string
}

func (e *ValidationError) Error() string { return e.Diagnostics }

// InvalidPatientIDError is returned when the patient identifier in the
// submitted content is invalid or unknown to the demographics service.
type InvalidPatientIDError struct {
	PatientIdentifier string
}

func (e *InvalidPatientIDError) Error() string {
	return fmt.Sprintf("NHS Number: %s is invalid or it doesn't exist", e.PatientIdentifier)
}
