// Package pds looks patients up in the Personal Demographics Service. The
// service layer uses it to validate patient identifiers on writes and to
// learn whether a patient's record is restricted before releasing reads.
package pds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when the demographics service does not know the
// patient identifier.
var ErrNotFound = errors.New("patient not found in demographics service")

// Patient is the slice of the demographics record this system acts on.
type Patient struct {
	// NHSNumber is the patient's current identifier. It can differ from the
	// number the lookup was made with when that number has been superseded.
	NHSNumber string
	// Restricted reports whether the patient's demographics are flagged
	// restricted; restricted patients get the most restrictive redaction.
	Restricted bool
}

// Client resolves patient identifiers against the demographics service.
type Client interface {
	GetPatient(ctx context.Context, nhsNumber string) (*Patient, error)
}

type httpClient struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewHTTPClient returns a Client against the given demographics base URL.
func NewHTTPClient(baseURL string, log zerolog.Logger) Client {
	return &httpClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("component", "pds").Logger(),
	}
}

// pdsPatient is the subset of the FHIR Patient payload the lookup reads.
type pdsPatient struct {
	ID   string `json:"id"`
	Meta struct {
		Security []struct {
			Code string `json:"code"`
		} `json:"security"`
	} `json:"meta"`
}

func (c *httpClient) GetPatient(ctx context.Context, nhsNumber string) (*Patient, error) {
	url := fmt.Sprintf("%s/Patient/%s", c.baseURL, nhsNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("nhs_number", nhsNumber).Msg("demographics lookup failed")
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.Warn().Int("status", resp.StatusCode).Str("nhs_number", nhsNumber).Msg("unexpected demographics response")
		return nil, fmt.Errorf("demographics service returned %d: %s", resp.StatusCode, body)
	}

	var p pdsPatient
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode demographics response: %w", err)
	}
	out := &Patient{NHSNumber: p.ID}
	for _, sec := range p.Meta.Security {
		// R is restricted, V is very restricted; both hide demographics.
		if sec.Code == "R" || sec.Code == "V" {
			out.Restricted = true
		}
	}
	return out, nil
}
