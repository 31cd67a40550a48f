package immunization

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/imms/imms/internal/platform/auth"
	"github.com/imms/imms/internal/platform/fhir"
)

// HeaderETag carries the expected resource version on updates and the stored
// version on responses.
const HeaderETag = "E-Tag"

type Handler struct {
	svc *Service
	log zerolog.Logger
}

func NewHandler(svc *Service, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log.With().Str("component", "immunization_handler").Logger()}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/Immunization", h.Create)
	g.GET("/Immunization", h.Search)
	g.POST("/Immunization/_search", h.Search)
	g.GET("/Immunization/:id", h.GetByID)
	g.PUT("/Immunization/:id", h.Update)
	g.DELETE("/Immunization/:id", h.Delete)
}

func (h *Handler) Create(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("unable to read request body"))
	}
	rec, err := h.svc.Create(c.Request().Context(), body, auth.SupplierFromContext(c), auth.PermissionsFromContext(c))
	if err != nil {
		return h.errorResponse(c, err)
	}
	c.Response().Header().Set("Location", fmt.Sprintf("%s/Immunization/%s", baseURL(c), rec.ID))
	c.Response().Header().Set(HeaderETag, strconv.Itoa(rec.Version))
	return c.NoContent(http.StatusCreated)
}

func (h *Handler) GetByID(c echo.Context) error {
	rec, err := h.svc.GetByID(c.Request().Context(), c.Param("id"), auth.PermissionsFromContext(c))
	if err != nil {
		return h.errorResponse(c, err)
	}
	c.Response().Header().Set(HeaderETag, strconv.Itoa(rec.Version))
	return c.JSONBlob(http.StatusOK, rec.Resource)
}

func (h *Handler) Update(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("unable to read request body"))
	}
	id := c.Param("id")
	if resourceID := ResourceID(body); resourceID != "" && resourceID != id {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome(
			"the id in the resource body must match the id in the request path"))
	}

	expectedVersion := 0
	if raw := c.Request().Header.Get(HeaderETag); raw != "" {
		expectedVersion, err = strconv.Atoi(raw)
		if err != nil || expectedVersion < 1 {
			return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome(
				"the E-Tag header must be a positive integer resource version"))
		}
	}

	rec, outcome, err := h.svc.Update(c.Request().Context(), id, body, auth.SupplierFromContext(c), expectedVersion, auth.PermissionsFromContext(c))
	if err != nil {
		return h.errorResponse(c, err)
	}
	if outcome == OutcomeReinstated {
		h.log.Info().Str("id", id).Msg("update reinstated a deleted immunization")
	}
	c.Response().Header().Set(HeaderETag, strconv.Itoa(rec.Version))
	return c.NoContent(http.StatusOK)
}

func (h *Handler) Delete(c echo.Context) error {
	_, err := h.svc.Delete(c.Request().Context(), c.Param("id"), auth.SupplierFromContext(c), auth.PermissionsFromContext(c))
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Search serves both lookup flavours of GET /Immunization: by business
// identifier (immunization.identifier) and by patient (patient.identifier
// plus -immunization.target), matching on which parameters are present.
func (h *Handler) Search(c echo.Context) error {
	if identifier := searchParam(c, "immunization.identifier"); identifier != "" {
		return h.searchByIdentifier(c, identifier)
	}
	return h.searchByPatient(c)
}

func (h *Handler) searchByIdentifier(c echo.Context, identifier string) error {
	system, value, ok := splitToken(identifier)
	if !ok {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome(
			"immunization.identifier must be in the form system|value"))
	}
	rec, err := h.svc.GetByIdentifier(c.Request().Context(), system+"#"+value, auth.PermissionsFromContext(c))
	if errors.Is(err, ErrNotFound) {
		return c.JSON(http.StatusOK, fhir.NewSearchBundle(selfURL(c), nil, nil, nil))
	}
	if err != nil {
		return h.errorResponse(c, err)
	}
	matches := []fhir.SearchEntry{{
		FullURL:  fmt.Sprintf("%s/Immunization/%s", baseURL(c), rec.ID),
		Resource: rec.Resource,
	}}
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(selfURL(c), matches, nil, nil))
}

func (h *Handler) searchByPatient(c echo.Context) error {
	_, patientID, ok := splitToken(searchParam(c, "patient.identifier"))
	if !ok || patientID == "" {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome(
			"patient.identifier is a mandatory search parameter in the form system|value"))
	}
	target := searchParam(c, "-immunization.target")
	if target == "" {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome(
			"-immunization.target is a mandatory search parameter"))
	}
	vaccineTypes := strings.Split(target, ",")
	for i := range vaccineTypes {
		vaccineTypes[i] = strings.TrimSpace(vaccineTypes[i])
	}

	from, err := searchDate(c, "-date.from")
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("-date.from must be a date in YYYY-MM-DD format"))
	}
	to, err := searchDate(c, "-date.to")
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("-date.to must be a date in YYYY-MM-DD format"))
	}
	if !to.IsZero() {
		// The upper bound is a date; make it cover the whole day.
		to = to.Add(24*time.Hour - time.Nanosecond)
	}

	result, err := h.svc.Search(c.Request().Context(), patientID, vaccineTypes, from, to, auth.PermissionsFromContext(c))
	if err != nil {
		return h.errorResponse(c, err)
	}

	matches := make([]fhir.SearchEntry, len(result.Entries))
	selfLink := searchSelfLink(c, vaccineTypes, result.DroppedTypes)
	for i, entry := range result.Entries {
		matches[i] = fhir.SearchEntry{
			FullURL:  fmt.Sprintf("%s/Immunization/%s", baseURL(c), entry.ID),
			Resource: entry.Resource,
		}
	}
	var include *fhir.SearchEntry
	if len(matches) > 0 {
		include = &fhir.SearchEntry{FullURL: result.PatientFullURL, Resource: result.Patient}
	}
	var outcome *fhir.OperationOutcome
	if len(result.DroppedTypes) > 0 {
		outcome = fhir.UnauthorizedTypesOutcome(result.DroppedTypes)
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(selfLink, matches, include, outcome))
}

// searchSelfLink rebuilds the bundle self link from the parameters the search
// actually answered: vaccine types the caller was not authorized to search
// are left out of -immunization.target rather than echoed back.
func searchSelfLink(c echo.Context, requested, dropped []string) string {
	droppedSet := make(map[string]bool, len(dropped))
	for _, vt := range dropped {
		droppedSet[vt] = true
	}
	var answered []string
	for _, vt := range requested {
		if !droppedSet[vt] {
			answered = append(answered, vt)
		}
	}

	q := url.Values{}
	q.Set("patient.identifier", searchParam(c, "patient.identifier"))
	if len(answered) > 0 {
		q.Set("-immunization.target", strings.Join(answered, ","))
	}
	for _, name := range []string{"-date.from", "-date.to"} {
		if raw := searchParam(c, name); raw != "" {
			q.Set(name, raw)
		}
	}
	return baseURL(c) + "/Immunization?" + q.Encode()
}

func (h *Handler) errorResponse(c echo.Context, err error) error {
	var (
		verr *ValidationError
		perr *InvalidPatientIDError
		nerr *NotFoundError
		derr *IdentifierDuplicationError
	)
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome(verr.Diagnostics))
	case errors.As(err, &perr):
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome(perr.Error()))
	case errors.Is(err, ErrUnauthorizedVax):
		return c.JSON(http.StatusForbidden, fhir.ForbiddenOutcome(
			"the caller is not authorized to perform this operation for this vaccine type"))
	case errors.As(err, &nerr):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(nerr.ResourceType, nerr.ID))
	case errors.Is(err, ErrConflict):
		return c.JSON(http.StatusConflict, fhir.ConflictOutcome(err.Error()))
	case errors.As(err, &derr):
		return c.JSON(http.StatusUnprocessableEntity, fhir.DuplicateOutcome(derr.Error()))
	default:
		h.log.Error().Err(err).Str("path", c.Path()).Msg("unhandled error")
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome("an unexpected internal error occurred"))
	}
}

// searchParam reads a search parameter from the query string or, for POST
// _search, the form body.
func searchParam(c echo.Context, name string) string {
	if v := c.QueryParam(name); v != "" {
		return v
	}
	v, _ := c.FormParams()
	return v.Get(name)
}

func searchDate(c echo.Context, name string) (time.Time, error) {
	raw := searchParam(c, name)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", raw)
}

// splitToken splits a FHIR token parameter "system|value".
func splitToken(token string) (system, value string, ok bool) {
	i := strings.LastIndex(token, "|")
	if i < 0 {
		return "", "", false
	}
	return token[:i], token[i+1:], true
}

func baseURL(c echo.Context) string {
	scheme := c.Scheme()
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, c.Request().Host)
}

func selfURL(c echo.Context) string {
	return baseURL(c) + c.Request().URL.RequestURI()
}
