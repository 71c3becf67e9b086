package batch

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/drivelane/fleettrust/internal/trust"
	"github.com/drivelane/fleettrust/pkg/common"
	"github.com/drivelane/fleettrust/pkg/middleware"
	"github.com/drivelane/fleettrust/pkg/pagination"
)

type listBatchesQuery struct {
	State string `form:"state" validate:"omitempty,trip_state"`
}

// Handler handles HTTP requests for batch intake and validation
type Handler struct {
	service *Service
}

// NewHandler creates a new batch handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes wires the batch endpoints onto a router group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	trips := rg.Group("/trips")
	{
		trips.POST("", h.OpenTrip)
		trips.POST("/:batch_id/samples", h.AppendSample)
		trips.POST("/:batch_id/close", h.CloseTrip)
	}
	batches := rg.Group("/batches")
	{
		batches.GET("", h.ListBatches)
		batches.GET("/stats", h.DashboardStats)
		batches.GET("/:batch_id/report", h.ValidationReport)
		batches.POST("/:batch_id/retry", h.MarkForRetry)
	}
	rg.POST("/samples/:sample_id/verify", h.VerifySample)
}

// OpenTrip starts a trip batch
// POST /api/v1/trips
func (h *Handler) OpenTrip(c *gin.Context) {
	var req OpenTripRequest
	if !middleware.ValidateAndBind(c, &req) {
		return
	}

	b, err := h.service.OpenTrip(c.Request.Context(), req.BatchID, req.DeviceID, req.VehicleID)
	if err != nil {
		common.HandleServiceError(c, err, "failed to open trip")
		return
	}
	common.CreatedResponse(c, b)
}

// AppendSample adds one telemetry reading to an active trip
// POST /api/v1/trips/:batch_id/samples
func (h *Handler) AppendSample(c *gin.Context) {
	var req AppendSampleRequest
	if !middleware.ValidateAndBind(c, &req) {
		return
	}

	sample, err := h.service.AppendSample(c.Request.Context(), c.Param("batch_id"), &req)
	if err != nil {
		common.HandleServiceError(c, err, "failed to append sample")
		return
	}
	common.CreatedResponse(c, sample)
}

// CloseTrip finalizes a trip and runs validation
// POST /api/v1/trips/:batch_id/close
func (h *Handler) CloseTrip(c *gin.Context) {
	b, err := h.service.CloseTrip(c.Request.Context(), c.Param("batch_id"))
	if err != nil {
		common.HandleServiceError(c, err, "failed to close trip")
		return
	}
	common.SuccessResponse(c, b)
}

// ValidationReport returns the verdict and anchoring state of a batch
// GET /api/v1/batches/:batch_id/report
func (h *Handler) ValidationReport(c *gin.Context) {
	report, err := h.service.ValidationReport(c.Request.Context(), c.Param("batch_id"))
	if err != nil {
		common.HandleServiceError(c, err, "failed to load validation report")
		return
	}
	common.SuccessResponse(c, report)
}

// MarkForRetry re-queues a failed anchoring submission
// POST /api/v1/batches/:batch_id/retry
func (h *Handler) MarkForRetry(c *gin.Context) {
	actor := c.GetHeader(trust.ActorHeader)
	if actor == "" {
		common.ErrorResponse(c, http.StatusBadRequest, "missing "+trust.ActorHeader+" header")
		return
	}

	b, err := h.service.MarkForRetry(c.Request.Context(), c.Param("batch_id"), actor)
	if err != nil {
		common.HandleServiceError(c, err, "failed to mark batch for retry")
		return
	}
	common.SuccessResponse(c, b)
}

// VerifySample flags a stored sample as verified
// POST /api/v1/samples/:sample_id/verify
func (h *Handler) VerifySample(c *gin.Context) {
	sampleID, err := uuid.Parse(c.Param("sample_id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid sample id")
		return
	}

	actor := c.GetHeader(trust.ActorHeader)
	if actor == "" {
		common.ErrorResponse(c, http.StatusBadRequest, "missing "+trust.ActorHeader+" header")
		return
	}

	if err := h.service.VerifySample(c.Request.Context(), sampleID, actor); err != nil {
		common.HandleServiceError(c, err, "failed to verify sample")
		return
	}
	common.SuccessResponse(c, gin.H{"verified": true})
}

// ListBatches returns a page of batches, optionally filtered by trip state
// GET /api/v1/batches?state=failed&limit=20&offset=0
func (h *Handler) ListBatches(c *gin.Context) {
	var q listBatchesQuery
	if !middleware.ValidateAndBindQuery(c, &q) {
		return
	}
	params := pagination.ParseParams(c)

	batches, total, err := h.service.ListBatches(c.Request.Context(), TripState(q.State), params.Limit, params.Offset)
	if err != nil {
		common.HandleServiceError(c, err, "failed to list batches")
		return
	}

	meta := pagination.BuildMeta(params.Limit, params.Offset, total)
	common.SuccessResponseWithMeta(c, gin.H{"batches": batches}, meta)
}

// DashboardStats returns the derived ops read model
// GET /api/v1/batches/stats
func (h *Handler) DashboardStats(c *gin.Context) {
	stats, err := h.service.DashboardStats(c.Request.Context())
	if err != nil {
		common.HandleServiceError(c, err, "failed to compute dashboard stats")
		return
	}
	common.SuccessResponse(c, stats)
}
