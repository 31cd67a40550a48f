package immunization

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Operation is the audit-event kind attached to each write. It is recorded
// for downstream audit consumers and never read back by this layer's logic.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// LifecycleState enumerates the delete/reinstate states of a record.
type LifecycleState int

const (
	// LifecycleActive means the record has never been deleted.
	LifecycleActive LifecycleState = iota
	// LifecycleDeleted means the record is logically deleted.
	LifecycleDeleted
	// LifecycleReinstated means the record was deleted and is active again.
	// It is kept distinct from LifecycleActive for audit consumers.
	LifecycleReinstated
)

func (s LifecycleState) String() string {
	switch s {
	case LifecycleDeleted:
		return "deleted"
	case LifecycleReinstated:
		return "reinstated"
	default:
		return "active"
	}
}

// Lifecycle is the tagged form of the stored delete/reinstate sentinel.
// DeletedAt is only meaningful when State is LifecycleDeleted.
type Lifecycle struct {
	State     LifecycleState
	DeletedAt time.Time
}

// Active reports whether the record is visible to normal reads.
func (l Lifecycle) Active() bool { return l.State != LifecycleDeleted }

// ImmunizationRecord is one stored clinical event.
type ImmunizationRecord struct {
	// ID is the server-generated logical id, immutable after create.
	ID string
	// Resource is the full clinical payload, passed through verbatim with
	// numeric precision preserved.
	Resource json.RawMessage
	// Version starts at 1 and increases by exactly 1 on every successful
	// mutation. It drives optimistic concurrency.
	Version int
	// VaccineType scopes authorization for every operation on the record.
	VaccineType string
	// PatientID is the patient identifier value the record is filed under.
	PatientID string
	// Identifier is the supplier-assigned business identifier as
	// "system#value". Unique across the store (best effort, see repository).
	Identifier string
	// Supplier is the supplier system that performed the last mutation.
	Supplier string
	// Operation is the kind of the last mutation.
	Operation Operation
	Lifecycle Lifecycle
	UpdatedAt time.Time
}

const (
	snomedSystem = "http://snomed.info/sct"

	// patientIDPending is filed when the submitted content carries no
	// patient identifier; such records are not reachable by patient search.
	patientIDPending = "TBC"
)

// diseasesToVaccineType maps a sorted ":"-joined combination of target
// disease codes to the vaccine type it represents.
var diseasesToVaccineType = map[string]string{
	"840539006":                  "COVID19",
	"6142004":                    "FLU",
	"240532009":                  "HPV",
	"55735004":                   "RSV",
	"14189004:36653000:36989005": "MMR",
}

// DiseaseCodesToVaccineType resolves a combination of SNOMED target disease
// codes to a vaccine type. Order does not matter.
func DiseaseCodesToVaccineType(codes []string) (string, error) {
	sorted := append([]string(nil), codes...)
	sort.Strings(sorted)
	if vt, ok := diseasesToVaccineType[strings.Join(sorted, ":")]; ok {
		return vt, nil
	}
	return "", &ValidationError{
		Diagnostics: fmt.Sprintf("%v is not a valid combination of disease codes for this service", codes),
	}
}

// RecordContent is the subset of a validated Immunization resource the
// repository needs to index it. The Resource payload itself stays opaque.
type RecordContent struct {
	Resource         json.RawMessage
	VaccineType      string
	PatientID        string
	IdentifierSystem string
	IdentifierValue  string
}

// IdentifierKey returns the "system#value" form used by the identifier index.
func (c *RecordContent) IdentifierKey() string {
	return c.IdentifierSystem + "#" + c.IdentifierValue
}

// ParseContent extracts the indexed attributes from a FHIR Immunization
// resource. The resource must already have passed content validation; this
// only pulls out what the repository indexes on and fails on the fields it
// cannot do without.
func ParseContent(raw json.RawMessage) (*RecordContent, error) {
	var res struct {
		Identifier []struct {
			System string `json:"system"`
			Value  string `json:"value"`
		} `json:"identifier"`
		Contained []json.RawMessage `json:"contained"`
		Protocol  []struct {
			TargetDisease []struct {
				Coding []struct {
					System string `json:"system"`
					Code   string `json:"code"`
				} `json:"coding"`
			} `json:"targetDisease"`
		} `json:"protocolApplied"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&res); err != nil {
		return nil, &ValidationError{Diagnostics: "body contains malformed JSON: " + err.Error()}
	}

	if len(res.Identifier) == 0 || res.Identifier[0].System == "" || res.Identifier[0].Value == "" {
		return nil, &ValidationError{Diagnostics: "identifier[0].system and identifier[0].value are mandatory fields"}
	}

	if len(res.Protocol) == 0 || len(res.Protocol[0].TargetDisease) == 0 {
		return nil, &ValidationError{Diagnostics: "protocolApplied[0].targetDisease is a mandatory field"}
	}
	var codes []string
	for i, td := range res.Protocol[0].TargetDisease {
		code := ""
		for _, coding := range td.Coding {
			if coding.System == snomedSystem {
				code = coding.Code
				break
			}
		}
		if code == "" {
			return nil, &ValidationError{Diagnostics: fmt.Sprintf(
				"protocolApplied[0].targetDisease[%d].coding[?(@.system=='%s')].code is a mandatory field", i, snomedSystem)}
		}
		codes = append(codes, code)
	}
	vaccineType, err := DiseaseCodesToVaccineType(codes)
	if err != nil {
		return nil, err
	}

	return &RecordContent{
		Resource:         raw,
		VaccineType:      vaccineType,
		PatientID:        containedPatientID(res.Contained),
		IdentifierSystem: res.Identifier[0].System,
		IdentifierValue:  res.Identifier[0].Value,
	}, nil
}

// containedPatientID pulls the identifier value from the contained Patient
// resource. Records without one are filed under a pending marker and are not
// reachable by patient search.
func containedPatientID(contained []json.RawMessage) string {
	for _, c := range contained {
		var p struct {
			ResourceType string `json:"resourceType"`
			Identifier   []struct {
				Value string `json:"value"`
			} `json:"identifier"`
		}
		if err := json.Unmarshal(c, &p); err != nil {
			continue
		}
		if p.ResourceType == "Patient" && len(p.Identifier) > 0 && p.Identifier[0].Value != "" {
			return p.Identifier[0].Value
		}
	}
	return patientIDPending
}

// WithID returns a copy of the raw resource with its id set. The rest of the
// payload is carried verbatim so numeric precision survives.
func WithID(raw json.RawMessage, id string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &ValidationError{Diagnostics: "body contains malformed JSON: " + err.Error()}
	}
	idRaw, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	fields["id"] = idRaw
	return json.Marshal(fields)
}

// ResourceID reads the id field of a raw resource, or "" when absent.
func ResourceID(raw json.RawMessage) string {
	var res struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &res)
	return res.ID
}
