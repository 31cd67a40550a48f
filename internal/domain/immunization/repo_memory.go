package immunization

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imms/imms/internal/platform/auth"
)

// memoryRepo mirrors the DynamoDB repository's semantics over a map. The
// single mutex makes every operation atomic, so unlike the real store the
// dedup check here cannot race; tests that need the concurrent-duplicate
// window have to inject it at the store boundary instead.
type memoryRepo struct {
	mu      sync.Mutex
	records map[string]*ImmunizationRecord
	now     func() time.Time
	newID   func() string
}

// NewMemoryRepo returns an in-memory Repository for tests and local runs.
func NewMemoryRepo() Repository {
	return &memoryRepo{
		records: make(map[string]*ImmunizationRecord),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.NewString() },
	}
}

func (r *memoryRepo) Create(ctx context.Context, content *RecordContent, supplier string, perms auth.PermissionSet) (*ImmunizationRecord, error) {
	if !perms.Allows(content.VaccineType, auth.OpCreate) {
		return nil, ErrUnauthorizedVax
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder := r.identifierHolder(content.IdentifierKey()); holder != nil {
		return nil, &IdentifierDuplicationError{Identifier: content.IdentifierKey()}
	}

	id := r.newID()
	resource, err := WithID(content.Resource, id)
	if err != nil {
		return nil, err
	}
	rec := &ImmunizationRecord{
		ID:          id,
		Resource:    resource,
		Version:     1,
		VaccineType: content.VaccineType,
		PatientID:   content.PatientID,
		Identifier:  content.IdentifierKey(),
		Supplier:    supplier,
		Operation:   OperationCreate,
		Lifecycle:   Lifecycle{State: LifecycleActive},
		UpdatedAt:   r.now(),
	}
	r.records[id] = rec
	return cloneRecord(rec), nil
}

func (r *memoryRepo) GetByID(ctx context.Context, id string, perms auth.PermissionSet) (*ImmunizationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || !rec.Lifecycle.Active() {
		return nil, &NotFoundError{ResourceType: "Immunization", ID: id}
	}
	if !perms.Allows(rec.VaccineType, auth.OpRead) {
		return nil, ErrUnauthorizedVax
	}
	return cloneRecord(rec), nil
}

func (r *memoryRepo) GetByIDAll(ctx context.Context, id string) (*ImmunizationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, &NotFoundError{ResourceType: "Immunization", ID: id}
	}
	return cloneRecord(rec), nil
}

func (r *memoryRepo) GetByIdentifier(ctx context.Context, identifierKey string, perms auth.PermissionSet) (*ImmunizationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		if rec.Identifier != identifierKey {
			continue
		}
		if !perms.Allows(rec.VaccineType, auth.OpSearch) {
			return nil, ErrUnauthorizedVax
		}
		return cloneRecord(rec), nil
	}
	return nil, &NotFoundError{ResourceType: "Immunization", ID: identifierKey}
}

func (r *memoryRepo) Update(ctx context.Context, id string, content *RecordContent, supplier string, expectedVersion int, perms auth.PermissionSet) (*ImmunizationRecord, error) {
	return r.conditionalUpdate(id, content, supplier, expectedVersion, perms, func(rec *ImmunizationRecord) bool {
		return rec.Lifecycle.State == LifecycleActive && rec.Version == expectedVersion
	}, false)
}

func (r *memoryRepo) Reinstate(ctx context.Context, id string, content *RecordContent, supplier string, expectedVersion int, perms auth.PermissionSet) (*ImmunizationRecord, error) {
	return r.conditionalUpdate(id, content, supplier, expectedVersion, perms, func(rec *ImmunizationRecord) bool {
		return rec.Lifecycle.State == LifecycleDeleted && rec.Version == expectedVersion
	}, true)
}

func (r *memoryRepo) UpdateReinstated(ctx context.Context, id string, content *RecordContent, supplier string, expectedVersion int, perms auth.PermissionSet) (*ImmunizationRecord, error) {
	return r.conditionalUpdate(id, content, supplier, expectedVersion, perms, func(rec *ImmunizationRecord) bool {
		return rec.Lifecycle.State == LifecycleReinstated && rec.Version == expectedVersion
	}, false)
}

func (r *memoryRepo) conditionalUpdate(
	id string,
	content *RecordContent,
	supplier string,
	expectedVersion int,
	perms auth.PermissionSet,
	condition func(*ImmunizationRecord) bool,
	reinstate bool,
) (*ImmunizationRecord, error) {
	if !perms.Allows(content.VaccineType, auth.OpUpdate) {
		return nil, ErrUnauthorizedVax
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	// Mirrors the identifier-index check of the DynamoDB repository: on
	// update the identifier may only be bound to the record being written,
	// and even a logically deleted holder blocks a rebind.
	for _, rec := range r.records {
		if rec.Identifier == content.IdentifierKey() && rec.ID != id {
			return nil, &IdentifierDuplicationError{Identifier: content.IdentifierKey()}
		}
	}

	rec, ok := r.records[id]
	if !ok || !condition(rec) {
		return nil, &ConflictError{ID: id, Message: "the record was changed, deleted, or never existed; re-fetch and retry"}
	}

	resource, err := WithID(content.Resource, id)
	if err != nil {
		return nil, err
	}
	rec.Resource = resource
	rec.VaccineType = content.VaccineType
	rec.PatientID = content.PatientID
	rec.Identifier = content.IdentifierKey()
	rec.Supplier = supplier
	rec.Operation = OperationUpdate
	rec.Version = expectedVersion + 1
	rec.UpdatedAt = r.now()
	if reinstate {
		rec.Lifecycle = Lifecycle{State: LifecycleReinstated}
	}
	return cloneRecord(rec), nil
}

func (r *memoryRepo) Delete(ctx context.Context, id string, supplier string, perms auth.PermissionSet) (*ImmunizationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || !rec.Lifecycle.Active() {
		return nil, &NotFoundError{ResourceType: "Immunization", ID: id}
	}
	if !perms.Allows(rec.VaccineType, auth.OpDelete) {
		return nil, ErrUnauthorizedVax
	}
	previous := cloneRecord(rec)
	rec.Lifecycle = Lifecycle{State: LifecycleDeleted, DeletedAt: r.now()}
	rec.Operation = OperationDelete
	rec.Supplier = supplier
	rec.UpdatedAt = r.now()
	return previous, nil
}

func (r *memoryRepo) FindByPatient(ctx context.Context, patientID string, vaccineTypes []string) ([]*ImmunizationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[string]bool, len(vaccineTypes))
	for _, vt := range vaccineTypes {
		wanted[vt] = true
	}
	var out []*ImmunizationRecord
	for _, rec := range r.records {
		if rec.PatientID == patientID && rec.Lifecycle.Active() && wanted[rec.VaccineType] {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

// identifierHolder returns the record currently binding the identifier, if
// any. Logically deleted records release their identifier.
func (r *memoryRepo) identifierHolder(identifierKey string) *ImmunizationRecord {
	for _, rec := range r.records {
		if rec.Identifier == identifierKey && rec.Lifecycle.State != LifecycleDeleted {
			return rec
		}
	}
	return nil
}

func cloneRecord(rec *ImmunizationRecord) *ImmunizationRecord {
	out := *rec
	out.Resource = append([]byte(nil), rec.Resource...)
	return &out
}
