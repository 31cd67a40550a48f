package immunization

import (
	"bytes"
	"encoding/json"
	"strconv"
)

const (
	nhsNumberSystem      = "https://fhir.nhs.uk/Id/nhs-number"
	odsOrganizationCode  = "https://fhir.nhs.uk/Id/ods-organization-code"
	restrictedPostalCode = "ZZ99 3CZ"
	restrictedOrgValue   = "N2N9I"
)

// decodeResource decodes a raw resource into a generic map with numeric
// precision preserved: json.Number round-trips decimals verbatim.
func decodeResource(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var res map[string]any
	if err := dec.Decode(&res); err != nil {
		return nil, &ValidationError{Diagnostics: "body contains malformed JSON: " + err.Error()}
	}
	return res, nil
}

// FilterRead shapes a resource for a direct-by-id read response. The
// identifier use is defaulted and, for restricted patients, the restricted
// overlay is applied on top.
func FilterRead(raw json.RawMessage, restricted bool) (json.RawMessage, error) {
	res, err := decodeResource(raw)
	if err != nil {
		return nil, err
	}
	defaultIdentifierUse(res)
	if restricted {
		applyRestrictedOverlay(res)
	}
	return json.Marshal(res)
}

// FilterSearch shapes a resource for a patient-search bundle entry: the
// contained practitioner reference is dropped, the patient field is rewritten
// to point at the bundle's shared patient entry, and contained resources are
// flattened away.
func FilterSearch(raw json.RawMessage, patientFullURL string, restricted bool) (json.RawMessage, error) {
	res, err := decodeResource(raw)
	if err != nil {
		return nil, err
	}
	if restricted {
		applyRestrictedOverlay(res)
	}
	removeContainedPractitionerReference(res)
	if ref := patientReference(res, patientFullURL); ref != nil {
		res["patient"] = ref
	}
	defaultIdentifierUse(res)
	delete(res, "contained")
	return json.Marshal(res)
}

// FilterIdentifier shapes a resource for an identifier lookup with
// _element=id|meta: only the logical id and version are released.
func FilterIdentifier(raw json.RawMessage, version int) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"resourceType": "Immunization",
		"id":           ResourceID(raw),
		"meta":         map[string]any{"versionId": strconv.Itoa(version)},
	})
}

// applyRestrictedOverlay is the stricter profile for restricted patients:
// contained patient addresses collapse to a placeholder postal code and
// performing organizations are obfuscated.
func applyRestrictedOverlay(res map[string]any) {
	replaceAddressPostalCodes(res)
	replaceOrganizationValues(res)
}

// replaceAddressPostalCodes replaces every contained-patient address with a
// single placeholder postal code, dropping all other address fields.
func replaceAddressPostalCodes(res map[string]any) {
	for _, c := range asSlice(res["contained"]) {
		contained, ok := c.(map[string]any)
		if !ok || contained["resourceType"] != "Patient" {
			continue
		}
		for _, a := range asSlice(contained["address"]) {
			address, ok := a.(map[string]any)
			if !ok {
				continue
			}
			if address["postalCode"] != nil {
				address["postalCode"] = restrictedPostalCode
			}
			for key := range address {
				if key != "postalCode" {
					delete(address, key)
				}
			}
		}
	}
}

// replaceOrganizationValues obfuscates performing-organization identifiers to
// a placeholder ODS code and removes display names.
func replaceOrganizationValues(res map[string]any) {
	for _, p := range asSlice(res["performer"]) {
		performer, ok := p.(map[string]any)
		if !ok {
			continue
		}
		actor, ok := performer["actor"].(map[string]any)
		if !ok || actor["type"] != "Organization" {
			continue
		}
		if identifier, ok := actor["identifier"].(map[string]any); ok {
			if identifier["value"] != nil {
				identifier["value"] = restrictedOrgValue
				identifier["system"] = odsOrganizationCode
			}
			if identifier["system"] != nil {
				identifier["system"] = odsOrganizationCode
			}
			for key := range identifier {
				if key != "system" && key != "value" {
					delete(identifier, key)
				}
			}
		}
		for key := range actor {
			if key != "identifier" && key != "type" {
				delete(actor, key)
			}
		}
	}
}

// removeContainedPractitionerReference drops performer entries that point at
// a contained practitioner, since contained resources are flattened away from
// search entries.
func removeContainedPractitionerReference(res map[string]any) {
	var practitionerID string
	for _, c := range asSlice(res["contained"]) {
		contained, ok := c.(map[string]any)
		if !ok || contained["resourceType"] != "Practitioner" {
			continue
		}
		practitionerID, _ = contained["id"].(string)
		break
	}
	if practitionerID == "" {
		return
	}
	performers := asSlice(res["performer"])
	kept := make([]any, 0, len(performers))
	for _, p := range performers {
		performer, ok := p.(map[string]any)
		if ok {
			if actor, ok := performer["actor"].(map[string]any); ok {
				if ref, _ := actor["reference"].(string); ref == "#"+practitionerID {
					continue
				}
			}
		}
		kept = append(kept, p)
	}
	res["performer"] = kept
}

// patientReference builds the patient field for a search entry: a reference
// to the bundle's patient fullUrl carrying the nhs-number identifier from the
// contained patient. Returns nil when no contained patient carries one.
func patientReference(res map[string]any, patientFullURL string) map[string]any {
	for _, c := range asSlice(res["contained"]) {
		contained, ok := c.(map[string]any)
		if !ok || contained["resourceType"] != "Patient" {
			continue
		}
		for _, i := range asSlice(contained["identifier"]) {
			identifier, ok := i.(map[string]any)
			if !ok || identifier["system"] != nhsNumberSystem {
				continue
			}
			return map[string]any{
				"reference": patientFullURL,
				"type":      "Patient",
				"identifier": map[string]any{
					"system": identifier["system"],
					"value":  identifier["value"],
				},
			}
		}
	}
	return nil
}

// defaultIdentifierUse sets identifier[0].use to "official" when unset.
func defaultIdentifierUse(res map[string]any) {
	identifiers := asSlice(res["identifier"])
	if len(identifiers) == 0 {
		return
	}
	if identifier, ok := identifiers[0].(map[string]any); ok {
		if _, set := identifier["use"]; !set {
			identifier["use"] = "official"
		}
	}
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}
