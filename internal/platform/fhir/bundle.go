package fhir

import (
	"encoding/json"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// SearchEntry is one matched resource going into a searchset bundle.
type SearchEntry struct {
	FullURL  string
	Resource json.RawMessage
}

// NewSearchBundle builds a searchset Bundle: the matched entries, one shared
// include entry (the patient the matches reference), and an outcome entry when
// the search was only partially answered. Total counts matches only.
func NewSearchBundle(selfURL string, matches []SearchEntry, include *SearchEntry, outcome *OperationOutcome) *Bundle {
	now := time.Now().UTC()
	total := len(matches)

	entries := make([]BundleEntry, 0, len(matches)+2)
	for _, m := range matches {
		entries = append(entries, BundleEntry{
			FullURL:  m.FullURL,
			Resource: m.Resource,
			Search:   &BundleSearch{Mode: "match"},
		})
	}
	if include != nil {
		entries = append(entries, BundleEntry{
			FullURL:  include.FullURL,
			Resource: include.Resource,
			Search:   &BundleSearch{Mode: "include"},
		})
	}
	if outcome != nil {
		raw, _ := json.Marshal(outcome)
		entries = append(entries, BundleEntry{
			Resource: raw,
			Search:   &BundleSearch{Mode: "outcome"},
		})
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         []BundleLink{{Relation: "self", URL: selfURL}},
		Entry:        entries,
	}
}
