package immunization

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/imms/imms/internal/platform/auth"
)

func newTestEcho() *echo.Echo {
	e := echo.New()
	svc := NewService(NewMemoryRepo(), NewStructuralValidator(), knownPatient(), zerolog.Nop())
	h := NewHandler(svc, zerolog.Nop())
	g := e.Group("", auth.Middleware([]byte("test-secret")))
	h.RegisterRoutes(g)
	return e
}

func doRequest(e *echo.Echo, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(auth.HeaderPermissions, "COVID19:create,COVID19:read,COVID19:update,COVID19:delete,COVID19:search")
	req.Header.Set(auth.HeaderSupplier, "SupplierA")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func createRecord(t *testing.T, e *echo.Echo, identifierValue string) string {
	t.Helper()
	rec := doRequest(e, http.MethodPost, "/Immunization", fullCovidResource(identifierValue, "2021-02-07T13:00:00+00:00"), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	location := rec.Header().Get("Location")
	if location == "" {
		t.Fatal("create must set the Location header")
	}
	return location[strings.LastIndex(location, "/")+1:]
}

func TestHandlerCreate(t *testing.T) {
	e := newTestEcho()
	rec := doRequest(e, http.MethodPost, "/Immunization", fullCovidResource("h-1", "2021-02-07"), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(HeaderETag); got != "1" {
		t.Errorf("E-Tag = %q, want 1", got)
	}
	if !strings.Contains(rec.Header().Get("Location"), "/Immunization/") {
		t.Errorf("Location = %q", rec.Header().Get("Location"))
	}
}

func TestHandlerCreateDuplicate(t *testing.T) {
	e := newTestEcho()
	createRecord(t, e, "h-dup")
	rec := doRequest(e, http.MethodPost, "/Immunization", fullCovidResource("h-dup", "2021-02-07"), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "duplicate") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHandlerCreateValidation(t *testing.T) {
	e := newTestEcho()
	rec := doRequest(e, http.MethodPost, "/Immunization", []byte(`{"resourceType": "Immunization"}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "OperationOutcome") {
		t.Errorf("error body must be an OperationOutcome: %s", rec.Body.String())
	}
}

func TestHandlerGet(t *testing.T) {
	e := newTestEcho()
	id := createRecord(t, e, "h-get")

	rec := doRequest(e, http.MethodGet, "/Immunization/"+id, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(HeaderETag); got != "1" {
		t.Errorf("E-Tag = %q, want 1", got)
	}
	var res map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res["id"] != id {
		t.Errorf("resource id = %v, want %s", res["id"], id)
	}

	if rec := doRequest(e, http.MethodGet, "/Immunization/nonexistent", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}
}

func TestHandlerGetForbidden(t *testing.T) {
	e := newTestEcho()
	id := createRecord(t, e, "h-forbidden")

	req := httptest.NewRequest(http.MethodGet, "/Immunization/"+id, nil)
	req.Header.Set(auth.HeaderPermissions, "FLU:read")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestHandlerUpdate(t *testing.T) {
	e := newTestEcho()
	id := createRecord(t, e, "h-upd")
	body := fullCovidResource("h-upd", "2021-02-07")

	t.Run("missing etag", func(t *testing.T) {
		rec := doRequest(e, http.MethodPut, "/Immunization/"+id, body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("stale etag", func(t *testing.T) {
		rec := doRequest(e, http.MethodPut, "/Immunization/"+id, body, map[string]string{HeaderETag: "7"})
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
	})

	t.Run("matching etag", func(t *testing.T) {
		rec := doRequest(e, http.MethodPut, "/Immunization/"+id, body, map[string]string{HeaderETag: "1"})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
		if got := rec.Header().Get(HeaderETag); got != "2" {
			t.Errorf("E-Tag = %q, want 2", got)
		}
	})

	t.Run("mismatched body id", func(t *testing.T) {
		withID, err := WithID(body, "other-id")
		if err != nil {
			t.Fatal(err)
		}
		rec := doRequest(e, http.MethodPut, "/Immunization/"+id, withID, map[string]string{HeaderETag: "2"})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestHandlerDeleteAndReinstate(t *testing.T) {
	e := newTestEcho()
	id := createRecord(t, e, "h-del")
	body := fullCovidResource("h-del", "2021-02-07")

	rec := doRequest(e, http.MethodDelete, "/Immunization/"+id, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodGet, "/Immunization/"+id, nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("read after delete status = %d, want 404", rec.Code)
	}
	if rec := doRequest(e, http.MethodDelete, "/Immunization/"+id, nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("double delete status = %d, want 404", rec.Code)
	}

	// An update of the deleted record reinstates it, no E-Tag needed.
	rec = doRequest(e, http.MethodPut, "/Immunization/"+id, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reinstate status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(HeaderETag); got != "2" {
		t.Errorf("E-Tag after reinstate = %q, want 2", got)
	}
	if rec := doRequest(e, http.MethodGet, "/Immunization/"+id, nil, nil); rec.Code != http.StatusOK {
		t.Errorf("read after reinstate status = %d, want 200", rec.Code)
	}
}

func TestHandlerSearchByPatient(t *testing.T) {
	e := newTestEcho()
	createRecord(t, e, "h-s1")
	createRecord(t, e, "h-s2")

	query := url.Values{}
	query.Set("patient.identifier", "https://fhir.nhs.uk/Id/nhs-number|9000000009")
	query.Set("-immunization.target", "COVID19,FLU")
	rec := doRequest(e, http.MethodGet, "/Immunization?"+query.Encode(), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var bundle struct {
		ResourceType string `json:"resourceType"`
		Type         string `json:"type"`
		Total        int    `json:"total"`
		Link         []struct {
			Relation string `json:"relation"`
			URL      string `json:"url"`
		} `json:"link"`
		Entry []struct {
			FullURL  string          `json:"fullUrl"`
			Resource json.RawMessage `json:"resource"`
			Search   struct {
				Mode string `json:"mode"`
			} `json:"search"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatal(err)
	}
	if bundle.ResourceType != "Bundle" || bundle.Type != "searchset" {
		t.Fatalf("bundle = %s/%s", bundle.ResourceType, bundle.Type)
	}
	if bundle.Total != 2 {
		t.Errorf("total = %d, want 2", bundle.Total)
	}

	modes := map[string]int{}
	for _, entry := range bundle.Entry {
		modes[entry.Search.Mode]++
	}
	if modes["match"] != 2 || modes["include"] != 1 {
		t.Errorf("entry modes = %v, want 2 match + 1 include", modes)
	}
	// The caller cannot search FLU, so the bundle carries the dropped-types
	// marker alongside the matches.
	if modes["outcome"] != 1 {
		t.Errorf("expected a dropped-types outcome entry, modes = %v", modes)
	}
	if !strings.Contains(rec.Body.String(), "FLU") {
		t.Error("dropped type must be named in the outcome entry")
	}

	// The self link reflects only the types the search actually answered;
	// the unauthorized FLU is dropped from it.
	if len(bundle.Link) == 0 || bundle.Link[0].Relation != "self" {
		t.Fatalf("bundle links = %+v", bundle.Link)
	}
	self := bundle.Link[0].URL
	if strings.Contains(self, "FLU") {
		t.Errorf("unauthorized type leaked into the self link: %s", self)
	}
	if !strings.Contains(self, "COVID19") {
		t.Errorf("self link must keep the answered type: %s", self)
	}
	if !strings.Contains(self, "9000000009") {
		t.Errorf("self link must keep the patient identifier: %s", self)
	}
}

func TestHandlerSearchMissingParams(t *testing.T) {
	e := newTestEcho()
	cases := []string{
		"/Immunization?patient.identifier=https://fhir.nhs.uk/Id/nhs-number|9000000009",
		"/Immunization?-immunization.target=COVID19",
		"/Immunization?patient.identifier=no-system-separator&-immunization.target=COVID19",
	}
	for _, target := range cases {
		if rec := doRequest(e, http.MethodGet, target, nil, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", target, rec.Code)
		}
	}
}

func TestHandlerSearchByIdentifier(t *testing.T) {
	e := newTestEcho()
	id := createRecord(t, e, "h-ident")

	query := url.Values{}
	query.Set("immunization.identifier", "https://supplier.example/ids|h-ident")
	query.Set("_element", "id,meta")
	rec := doRequest(e, http.MethodGet, "/Immunization?"+query.Encode(), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), id) {
		t.Error("bundle must carry the record's logical id")
	}
	if strings.Contains(rec.Body.String(), "performer") {
		t.Error("identifier lookup must not release clinical content")
	}

	// Unknown identifiers produce an empty bundle, not a 404.
	query.Set("immunization.identifier", "https://supplier.example/ids|missing")
	rec = doRequest(e, http.MethodGet, "/Immunization?"+query.Encode(), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var bundle struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatal(err)
	}
	if bundle.Total != 0 {
		t.Errorf("total = %d, want 0", bundle.Total)
	}
}

func TestHandlerMissingAuth(t *testing.T) {
	e := newTestEcho()
	req := httptest.NewRequest(http.MethodGet, "/Immunization/some-id", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
