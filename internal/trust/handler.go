package trust

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/drivelane/fleettrust/pkg/common"
	"github.com/drivelane/fleettrust/pkg/middleware"
	"github.com/drivelane/fleettrust/pkg/pagination"
)

type listEventsQuery struct {
	Direction string `form:"direction" validate:"event_direction"`
	Source    string `form:"source" validate:"omitempty,trust_source"`
}

// ActorHeader carries the identity of the admin performing a manual
// operation. Authentication happens upstream at the gateway.
const ActorHeader = "X-Actor-ID"

// Handler handles HTTP requests for the trust ledger
type Handler struct {
	service *Service
}

// NewHandler creates a new trust handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes wires the trust endpoints onto a router group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	vehicles := rg.Group("/vehicles/:vehicle_id/trust")
	{
		vehicles.GET("", h.GetScore)
		vehicles.GET("/events", h.ListEvents)
		vehicles.POST("/adjust", h.Adjust)
		vehicles.POST("/seed", h.Seed)
	}
}

// GetScore returns the current trust record
// GET /api/v1/vehicles/:vehicle_id/trust
func (h *Handler) GetScore(c *gin.Context) {
	vehicleID, err := uuid.Parse(c.Param("vehicle_id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid vehicle id")
		return
	}

	rec, err := h.service.GetScore(c.Request.Context(), vehicleID)
	if err != nil {
		common.HandleServiceError(c, err, "failed to get trust score")
		return
	}
	common.SuccessResponse(c, rec)
}

// ListEvents returns a page of the vehicle's trust history
// GET /api/v1/vehicles/:vehicle_id/trust/events?direction=negative&limit=20&offset=0
func (h *Handler) ListEvents(c *gin.Context) {
	vehicleID, err := uuid.Parse(c.Param("vehicle_id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid vehicle id")
		return
	}

	params := pagination.ParseParams(c)
	var q listEventsQuery
	if !middleware.ValidateAndBindQuery(c, &q) {
		return
	}

	filter := EventFilter{Direction: EventDirection(q.Direction), Source: Source(q.Source)}
	if filter.Direction == "" {
		filter.Direction = DirectionAll
	}
	events, total, err := h.service.ListEvents(c.Request.Context(), vehicleID, filter, params.Limit, params.Offset)
	if err != nil {
		common.HandleServiceError(c, err, "failed to list trust events")
		return
	}

	meta := pagination.BuildMeta(params.Limit, params.Offset, total)
	common.SuccessResponseWithMeta(c, gin.H{"events": events}, meta)
}

// Adjust applies a manual trust adjustment
// POST /api/v1/vehicles/:vehicle_id/trust/adjust
func (h *Handler) Adjust(c *gin.Context) {
	vehicleID, err := uuid.Parse(c.Param("vehicle_id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid vehicle id")
		return
	}

	var req AdjustRequest
	if !middleware.ValidateAndBind(c, &req) {
		return
	}

	actor := c.GetHeader(ActorHeader)
	if actor == "" {
		common.ErrorResponse(c, http.StatusBadRequest, "missing "+ActorHeader+" header")
		return
	}

	adj, err := h.service.ApplyAdjustment(c.Request.Context(), vehicleID, req.Delta, req.Reason,
		SourceManual, EventDetails{Note: req.Note}, actor)
	if err != nil {
		common.HandleServiceError(c, err, "failed to apply trust adjustment")
		return
	}
	common.SuccessResponse(c, adj)
}

// Seed sets the trust score directly, for onboarding and test fixtures
// POST /api/v1/vehicles/:vehicle_id/trust/seed
func (h *Handler) Seed(c *gin.Context) {
	vehicleID, err := uuid.Parse(c.Param("vehicle_id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid vehicle id")
		return
	}

	var req SeedRequest
	if !middleware.ValidateAndBind(c, &req) {
		return
	}

	actor := c.GetHeader(ActorHeader)
	if actor == "" {
		common.ErrorResponse(c, http.StatusBadRequest, "missing "+ActorHeader+" header")
		return
	}

	event, err := h.service.SeedScore(c.Request.Context(), vehicleID, req.Score, actor)
	if err != nil {
		common.HandleServiceError(c, err, "failed to seed trust score")
		return
	}
	common.CreatedResponse(c, event)
}
