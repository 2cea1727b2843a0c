package finding

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/thistle/pkg/middleware"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
	"github.com/Ramsey-B/thistle/pkg/utils"
)

const (
	defaultPage  = 1
	defaultLimit = 10
)

// Service is the finding service the handlers call.
type Service interface {
	Ingest(ctx context.Context, tenantID string, input models.FindingInput) (models.Finding, error)
	ListByTenant(ctx context.Context, tenantID string, page, limit int) (models.Page[models.Finding], error)
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

type IngestResponse struct {
	Success bool           `json:"success"`
	Data    models.Finding `json:"data"`
}

type ListResponse struct {
	Success    bool             `json:"success"`
	Data       []models.Finding `json:"data"`
	Page       int              `json:"page"`
	TotalCount int64            `json:"totalCount"`
	TotalPages int              `json:"totalPages"`
}

// RegisterRoutes mounts the tenant routes at the root of e.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/:"+middleware.TenantParam+"/add", h.Ingest)
	e.GET("/:"+middleware.TenantParam, h.List)
}

// Ingest handles POST /:tenantID/add
func (h *Handler) Ingest(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "routes.finding.Ingest")
	defer span.End()

	tenantID := c.Param(middleware.TenantParam)

	input, err := utils.BindRequest[models.FindingInput](c)
	if err != nil {
		return err
	}
	// the path wins over any tenantId in the body
	input.TenantID = tenantID

	finding, err := h.service.Ingest(ctx, tenantID, input)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}

	return c.JSON(http.StatusCreated, IngestResponse{Success: true, Data: finding})
}

// List handles GET /:tenantID?page=&limit=
func (h *Handler) List(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "routes.finding.List")
	defer span.End()

	tenantID := c.Param(middleware.TenantParam)

	page, err := queryInt(c, "page", defaultPage)
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit", defaultLimit)
	if err != nil {
		return err
	}

	result, err := h.service.ListByTenant(ctx, tenantID, page, limit)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	if len(result.Items) == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, "No findings found for the provided tenantID")
	}

	return c.JSON(http.StatusOK, ListResponse{
		Success:    true,
		Data:       result.Items,
		Page:       result.Page,
		TotalCount: result.TotalCount,
		TotalPages: result.TotalPages,
	})
}

func queryInt(c echo.Context, name string, fallback int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return 0, httperror.NewHTTPErrorf(http.StatusBadRequest, "%s must be a positive integer", name)
	}
	return value, nil
}
