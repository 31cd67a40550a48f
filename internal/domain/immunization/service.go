package immunization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/imms/imms/internal/platform/auth"
	"github.com/imms/imms/internal/platform/pds"
)

// UpdateOutcome reports which branch of the delete/reinstate state machine an
// update went through.
type UpdateOutcome int

const (
	// OutcomeUpdated means a plain content replacement of an active record.
	OutcomeUpdated UpdateOutcome = iota
	// OutcomeReinstated means the record was logically deleted and the
	// update brought it back.
	OutcomeReinstated
)

// SearchEntry is one record shaped for a patient-search response.
type SearchEntry struct {
	ID       string
	Resource json.RawMessage
}

// SearchResult is a patient search response before bundle assembly. When the
// caller requested vaccine types it may not search, those types are listed in
// DroppedTypes and their records are silently absent; the search itself never
// fails on partial authorization.
type SearchResult struct {
	Entries        []SearchEntry
	Patient        json.RawMessage
	PatientFullURL string
	DroppedTypes   []string
}

// Service orchestrates validation, authorization, the delete/reinstate state
// machine, and response redaction around the Repository.
type Service struct {
	repo      Repository
	validator Validator
	pds       pds.Client
	log       zerolog.Logger
}

func NewService(repo Repository, validator Validator, pdsClient pds.Client, log zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		validator: validator,
		pds:       pdsClient,
		log:       log.With().Str("component", "immunization_service").Logger(),
	}
}

// Create validates and stores a new record. The caller must hold the
// {vaccineType}:create capability for the content's vaccine type.
func (s *Service) Create(ctx context.Context, raw json.RawMessage, supplier string, perms auth.PermissionSet) (*ImmunizationRecord, error) {
	content, err := s.validateContent(ctx, raw)
	if err != nil {
		return nil, err
	}
	rec, err := s.repo.Create(ctx, content, supplier, perms)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("id", rec.ID).Str("vaccine_type", rec.VaccineType).Str("supplier", supplier).Msg("immunization created")
	return rec, nil
}

// GetByID returns the record shaped by the read redaction profile. A failed
// demographics lookup applies the restricted profile rather than failing the
// read or leaking the unrestricted shape.
func (s *Service) GetByID(ctx context.Context, id string, perms auth.PermissionSet) (*ImmunizationRecord, error) {
	rec, err := s.repo.GetByID(ctx, id, perms)
	if err != nil {
		return nil, err
	}
	filtered, err := FilterRead(rec.Resource, s.patientRestricted(ctx, rec.PatientID))
	if err != nil {
		return nil, err
	}
	rec.Resource = filtered
	return rec, nil
}

// GetByIdentifier looks a record up by its "system#value" business identifier
// and returns only its logical id and version.
func (s *Service) GetByIdentifier(ctx context.Context, identifierKey string, perms auth.PermissionSet) (*ImmunizationRecord, error) {
	rec, err := s.repo.GetByIdentifier(ctx, identifierKey, perms)
	if err != nil {
		return nil, err
	}
	filtered, err := FilterIdentifier(rec.Resource, rec.Version)
	if err != nil {
		return nil, err
	}
	rec.Resource = filtered
	return rec, nil
}

// Update routes a content replacement through the delete/reinstate state
// machine:
//
//	active record     -> plain update, expectedVersion must match
//	deleted record    -> reinstate, expectedVersion ignored
//	reinstated record -> update preserving the reinstated marker
//
// A version mismatch on an active or reinstated record is rejected here,
// before any repository write.
func (s *Service) Update(ctx context.Context, id string, raw json.RawMessage, supplier string, expectedVersion int, perms auth.PermissionSet) (*ImmunizationRecord, UpdateOutcome, error) {
	content, err := s.validateContent(ctx, raw)
	if err != nil {
		return nil, OutcomeUpdated, err
	}

	existing, err := s.repo.GetByIDAll(ctx, id)
	if err != nil {
		return nil, OutcomeUpdated, err
	}

	switch existing.Lifecycle.State {
	case LifecycleDeleted:
		// Reinstating uses the stored version; the caller cannot know the
		// version of a record it cannot read.
		rec, err := s.repo.Reinstate(ctx, id, content, supplier, existing.Version, perms)
		if err != nil {
			return nil, OutcomeReinstated, err
		}
		s.log.Info().Str("id", id).Int("version", rec.Version).Msg("immunization reinstated")
		return rec, OutcomeReinstated, nil

	case LifecycleReinstated:
		if err := checkExpectedVersion(id, expectedVersion, existing.Version); err != nil {
			return nil, OutcomeUpdated, err
		}
		rec, err := s.repo.UpdateReinstated(ctx, id, content, supplier, expectedVersion, perms)
		return rec, OutcomeUpdated, err

	default:
		if err := checkExpectedVersion(id, expectedVersion, existing.Version); err != nil {
			return nil, OutcomeUpdated, err
		}
		rec, err := s.repo.Update(ctx, id, content, supplier, expectedVersion, perms)
		return rec, OutcomeUpdated, err
	}
}

// Delete logically deletes the record, returning its previous content.
func (s *Service) Delete(ctx context.Context, id string, supplier string, perms auth.PermissionSet) (*ImmunizationRecord, error) {
	rec, err := s.repo.Delete(ctx, id, supplier, perms)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("id", id).Str("supplier", supplier).Msg("immunization deleted")
	return rec, nil
}

// Search returns the patient's records for the requested vaccine types,
// shaped by the search redaction profile and optionally bounded by an
// occurrence date range (inclusive; zero time means unbounded).
func (s *Service) Search(ctx context.Context, patientID string, vaccineTypes []string, from, to time.Time, perms auth.PermissionSet) (*SearchResult, error) {
	allowed, dropped := perms.FilterSearchTypes(vaccineTypes)
	result := &SearchResult{DroppedTypes: dropped}
	if len(allowed) == 0 {
		return result, nil
	}

	recs, err := s.repo.FindByPatient(ctx, patientID, allowed)
	if err != nil {
		return nil, err
	}

	restricted := s.patientRestricted(ctx, patientID)
	result.PatientFullURL = "urn:uuid:" + uuid.NewString()
	result.Patient = searchPatientResource(patientID)
	for _, rec := range recs {
		if !occurrenceInRange(rec.Resource, from, to) {
			continue
		}
		filtered, err := FilterSearch(rec.Resource, result.PatientFullURL, restricted)
		if err != nil {
			return nil, err
		}
		result.Entries = append(result.Entries, SearchEntry{ID: rec.ID, Resource: filtered})
	}
	return result, nil
}

// validateContent runs structural validation, extracts the indexed
// attributes, and verifies the patient identifier against demographics.
// Records without a patient identifier skip the demographics check.
func (s *Service) validateContent(ctx context.Context, raw json.RawMessage) (*RecordContent, error) {
	if err := s.validator.Validate(raw); err != nil {
		return nil, err
	}
	content, err := ParseContent(raw)
	if err != nil {
		return nil, err
	}
	if content.PatientID == patientIDPending {
		return content, nil
	}
	if err := s.checkPatient(ctx, content.PatientID); err != nil {
		return nil, err
	}
	return content, nil
}

func (s *Service) checkPatient(ctx context.Context, patientID string) error {
	patient, err := s.pds.GetPatient(ctx, patientID)
	if errors.Is(err, pds.ErrNotFound) {
		return &InvalidPatientIDError{PatientIdentifier: patientID}
	}
	if err != nil {
		return &UnhandledResponseError{Message: "unable to validate NHS number with downstream service", Err: err}
	}
	if patient.NHSNumber != "" && patient.NHSNumber != patientID {
		return &ValidationError{Diagnostics: fmt.Sprintf(
			"NHS Number %s has been superseded by %s; resubmit with the current number", patientID, patient.NHSNumber)}
	}
	return nil
}

// patientRestricted selects the redaction profile for reads. A demographics
// failure must not fall back to the less restrictive profile, so lookup
// errors count as restricted.
func (s *Service) patientRestricted(ctx context.Context, patientID string) bool {
	if patientID == patientIDPending {
		return false
	}
	patient, err := s.pds.GetPatient(ctx, patientID)
	if err != nil {
		s.log.Warn().Err(err).Str("patient_id", patientID).Msg("demographics lookup failed, applying restricted profile")
		return true
	}
	return patient.Restricted
}

func checkExpectedVersion(id string, expected, stored int) error {
	if expected <= 0 {
		return &ValidationError{Diagnostics: "the current resource version must be specified in the E-Tag header for an update"}
	}
	if expected != stored {
		return &ConflictError{ID: id, Message: fmt.Sprintf(
			"the stored version is %d but the request expected %d; re-fetch and retry", stored, expected)}
	}
	return nil
}

// searchPatientResource is the bundle's shared patient entry: identifier
// only, no demographics.
func searchPatientResource(patientID string) json.RawMessage {
	out, _ := json.Marshal(map[string]any{
		"resourceType": "Patient",
		"identifier": []map[string]string{{
			"system": nhsNumberSystem,
			"value":  patientID,
		}},
	})
	return out
}

// occurrenceInRange applies the inclusive date-range search parameters to the
// resource's occurrenceDateTime. Unparseable dates are excluded only when a
// bound is set.
func occurrenceInRange(raw json.RawMessage, from, to time.Time) bool {
	if from.IsZero() && to.IsZero() {
		return true
	}
	var res struct {
		OccurrenceDateTime string `json:"occurrenceDateTime"`
	}
	// Records without a readable occurrence date are kept rather than
	// silently dropped from a date-bounded search.
	if err := json.Unmarshal(raw, &res); err != nil || res.OccurrenceDateTime == "" {
		return true
	}
	occurred, err := parseFHIRDateTime(res.OccurrenceDateTime)
	if err != nil {
		return true
	}
	if !from.IsZero() && occurred.Before(from) {
		return false
	}
	if !to.IsZero() && occurred.After(to) {
		return false
	}
	return true
}
