package immunization

import (
	"errors"
	"strings"
	"testing"
)

func TestDiseaseCodesToVaccineType(t *testing.T) {
	cases := []struct {
		name  string
		codes []string
		want  string
		ok    bool
	}{
		{"covid", []string{"840539006"}, "COVID19", true},
		{"flu", []string{"6142004"}, "FLU", true},
		{"hpv", []string{"240532009"}, "HPV", true},
		{"rsv", []string{"55735004"}, "RSV", true},
		{"mmr sorted", []string{"14189004", "36653000", "36989005"}, "MMR", true},
		{"mmr any order", []string{"36989005", "14189004", "36653000"}, "MMR", true},
		{"unknown code", []string{"12345"}, "", false},
		{"partial mmr", []string{"14189004", "36653000"}, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DiseaseCodesToVaccineType(tc.codes)
			if tc.ok {
				if err != nil {
					t.Fatalf("err = %v", err)
				}
				if got != tc.want {
					t.Errorf("got %q, want %q", got, tc.want)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestParseContent(t *testing.T) {
	content, err := ParseContent(covidResource("pc-1"))
	if err != nil {
		t.Fatalf("ParseContent: %v", err)
	}
	if content.VaccineType != "COVID19" {
		t.Errorf("vaccine type = %q", content.VaccineType)
	}
	if content.PatientID != "9000000009" {
		t.Errorf("patient id = %q", content.PatientID)
	}
	if content.IdentifierKey() != "https://supplier.example/ids#pc-1" {
		t.Errorf("identifier key = %q", content.IdentifierKey())
	}
}

func TestParseContentMandatoryFields(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no identifier", `{"resourceType": "Immunization", "protocolApplied": [{"targetDisease": [{"coding": [{"system": "http://snomed.info/sct", "code": "840539006"}]}]}]}`},
		{"empty identifier value", `{"identifier": [{"system": "s", "value": ""}], "protocolApplied": [{"targetDisease": [{"coding": [{"system": "http://snomed.info/sct", "code": "840539006"}]}]}]}`},
		{"no target disease", `{"identifier": [{"system": "s", "value": "v"}], "protocolApplied": [{}]}`},
		{"no protocol applied", `{"identifier": [{"system": "s", "value": "v"}]}`},
		{"non snomed coding only", `{"identifier": [{"system": "s", "value": "v"}], "protocolApplied": [{"targetDisease": [{"coding": [{"system": "http://other", "code": "840539006"}]}]}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseContent([]byte(tc.body))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestParseContentWithoutPatient(t *testing.T) {
	body := `{
		"identifier": [{"system": "s", "value": "v"}],
		"protocolApplied": [{"targetDisease": [{"coding": [{"system": "http://snomed.info/sct", "code": "840539006"}]}]}]
	}`
	content, err := ParseContent([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if content.PatientID != "TBC" {
		t.Errorf("patient id = %q, want the pending marker", content.PatientID)
	}
}

func TestWithIDPreservesDecimals(t *testing.T) {
	raw := []byte(`{"resourceType": "Immunization", "doseQuantity": {"value": 0.30}}`)
	out, err := WithID(raw, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "0.30") {
		t.Errorf("trailing zero was lost: %s", out)
	}
	if ResourceID(out) != "abc" {
		t.Errorf("id = %q", ResourceID(out))
	}
}

func TestFilterReadKeepsExplicitIdentifierUse(t *testing.T) {
	raw := []byte(`{"identifier": [{"system": "s", "value": "v", "use": "secondary"}]}`)
	out, err := FilterRead(raw, false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `"use":"secondary"`) {
		t.Errorf("explicit use was overwritten: %s", out)
	}
}
