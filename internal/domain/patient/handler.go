package patient

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/patients/internal/platform/medication"
	"github.com/ehr/patients/pkg/pagination"
)

// LookupURLHeader lets a client choose the medication lookup URL when the
// server allows it.
const LookupURLHeader = "X-Medication-Lookup-URL"

type Handler struct {
	svc                 *Service
	allowLookupOverride bool
	logger              zerolog.Logger
}

func NewHandler(svc *Service, allowLookupOverride bool, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, allowLookupOverride: allowLookupOverride, logger: logger}
}

// RegisterRoutes mounts the patient resource. Deletion is routed only so
// that it answers 405 after authentication.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients", h.ListPatients)
	api.POST("/patients", h.CreatePatient)
	api.GET("/patients/:id", h.GetPatient)
	api.PATCH("/patients/:id", h.UpdatePatient)
	api.DELETE("/patients/:id", h.DeletePatient)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	patients, total, err := h.svc.List(c.Request().Context(), pg.Limit(), pg.Offset())
	if err != nil {
		return toHTTPError(err)
	}
	data := ToResources(patients)
	return c.JSON(http.StatusOK, pagination.NewResponse(data, pg, total, len(data), c.Request().URL.Path))
}

func (h *Handler) CreatePatient(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	in, err := ParseCreate(body)
	if err != nil {
		return toHTTPError(err)
	}

	override, err := h.lookupOverride(c)
	if err != nil {
		return toHTTPError(err)
	}

	p, err := h.svc.Create(c.Request().Context(), in, body, override)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, envelope{Data: ToResource(p)})
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return toHTTPError(ErrNotFound)
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, envelope{Data: ToResource(p)})
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return toHTTPError(ErrNotFound)
	}
	body, err := readBody(c)
	if err != nil {
		return err
	}
	in, err := ParseUpdate(body)
	if err != nil {
		return toHTTPError(err)
	}
	p, err := h.svc.Update(c.Request().Context(), id, in)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, envelope{Data: ToResource(p)})
}

func (h *Handler) DeletePatient(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderAllow, "GET, PATCH")
	return echo.NewHTTPError(http.StatusMethodNotAllowed, "The DELETE method is not supported for this route. Supported methods: GET, PATCH.")
}

// lookupOverride returns the client-supplied lookup URL, or "" when none was
// sent or overrides are disabled.
func (h *Handler) lookupOverride(c echo.Context) (string, error) {
	raw := c.Request().Header.Get(LookupURLHeader)
	if raw == "" {
		return "", nil
	}
	if !h.allowLookupOverride {
		h.logger.Debug().Msg("ignoring client medication lookup URL")
		return "", nil
	}
	if err := medication.ValidateURL(raw); err != nil {
		return "", ValidationErrors{"medication_lookup_url": {"The medication lookup url must be an absolute http or https URL."}}
	}
	return raw, nil
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "The request body is too large.")
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Unable to read request body.").SetInternal(err)
	}
	return body, nil
}

func toHTTPError(err error) error {
	var verrs ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"message": verrs.Error(),
			"errors":  verrs,
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Patient not found.")
	case errors.Is(err, ErrMalformedBody):
		return echo.NewHTTPError(http.StatusBadRequest, "Malformed JSON body.")
	case errors.Is(err, ErrLookupFailed):
		return echo.NewHTTPError(http.StatusBadGateway, "Medication lookup failed.").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "Server Error").SetInternal(err)
	}
}
