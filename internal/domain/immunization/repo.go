package immunization

import (
	"context"

	"github.com/imms/imms/internal/platform/auth"
)

// Repository is the durable persistence contract for immunization records.
//
// The backing store offers only single-item conditional writes and
// eventually consistent secondary indexes; every invariant the repository
// guarantees is encoded as a conditional write plus read-before-write
// checks. Identifier uniqueness in particular is best effort: two concurrent
// creates with the same identifier can both pass the advisory index check
// and both land. Callers treat that as a documented gap, not a guarantee.
//
// Every operation re-derives the record's vaccine type and checks it against
// the caller's permissions, even when the record was located by primary key.
type Repository interface {
	// Create stores a new record under a fresh server-generated logical id
	// (any caller-supplied id is discarded) with Version 1.
	Create(ctx context.Context, content *RecordContent, supplier string, perms auth.PermissionSet) (*ImmunizationRecord, error)

	// GetByID returns the record, or NotFoundError when it is absent or
	// logically deleted.
	GetByID(ctx context.Context, id string, perms auth.PermissionSet) (*ImmunizationRecord, error)

	// GetByIDAll returns the record in any lifecycle state, including
	// logically deleted. It is the read the service uses to route the
	// delete/reinstate state machine and performs no permission check of
	// its own; the routed mutation re-checks.
	GetByIDAll(ctx context.Context, id string) (*ImmunizationRecord, error)

	// GetByIdentifier looks the record up by its "system#value" business
	// identifier, in any lifecycle state.
	GetByIdentifier(ctx context.Context, identifierKey string, perms auth.PermissionSet) (*ImmunizationRecord, error)

	// Update replaces the content of an active, never-deleted record. The
	// write is conditional on the stored version equalling expectedVersion;
	// rejection surfaces as ConflictError. The new version is
	// expectedVersion+1.
	Update(ctx context.Context, id string, content *RecordContent, supplier string, expectedVersion int, perms auth.PermissionSet) (*ImmunizationRecord, error)

	// Reinstate transitions a logically deleted record back to active,
	// marking it reinstated and bumping the version.
	Reinstate(ctx context.Context, id string, content *RecordContent, supplier string, expectedVersion int, perms auth.PermissionSet) (*ImmunizationRecord, error)

	// UpdateReinstated replaces the content of a record that has previously
	// been reinstated, preserving the reinstated marker.
	UpdateReinstated(ctx context.Context, id string, content *RecordContent, supplier string, expectedVersion int, perms auth.PermissionSet) (*ImmunizationRecord, error)

	// Delete logically deletes an active record and returns its previous
	// content for audit. Deleting an already-deleted record fails as
	// NotFoundError; the precondition is enforced by the store, so
	// concurrent double deletes fail deterministically.
	Delete(ctx context.Context, id string, supplier string, perms auth.PermissionSet) (*ImmunizationRecord, error)

	// FindByPatient returns the patient's active (or reinstated) records
	// for the given vaccine types. Authorization filtering of the requested
	// types happens in the service; the repository only filters by type.
	FindByPatient(ctx context.Context, patientID string, vaccineTypes []string) ([]*ImmunizationRecord, error)
}
