package capacity

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/capacity/internal/apierror"
	"github.com/aura-webinar/capacity/internal/models"
	"github.com/aura-webinar/capacity/pkg/response"
)

// Reconciler corrects counter drift for one event on demand.
type Reconciler interface {
	ReconcileEvent(ctx context.Context, eventID uuid.UUID) (*models.ReconcileResult, error)
}

// PutRuleRequest is the body for PUT /events/:id/capacity.
type PutRuleRequest struct {
	MaxCapacity               int   `json:"max_capacity" binding:"required,min=1"`
	WarningThreshold          *int  `json:"warning_threshold" binding:"omitempty,min=0,max=100"`
	AllowReservations         *bool `json:"allow_reservations"`
	ReservationTimeoutMinutes int   `json:"reservation_timeout_minutes" binding:"omitempty,min=1"`
}

// Handler handles capacity HTTP endpoints.
type Handler struct {
	service                   *Service
	reconciler                Reconciler
	defaultReservationTimeout int
	logger                    *zap.Logger
}

// NewHandler creates a capacity handler. reconciler may be nil, in which case
// on-demand reconciliation is unavailable.
func NewHandler(service *Service, reconciler Reconciler, defaultReservationTimeout int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, reconciler: reconciler, defaultReservationTimeout: defaultReservationTimeout, logger: logger}
}

// Info handles GET /events/:id/capacity.
func (h *Handler) Info(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	info, err := h.service.Info(c.Request.Context(), eventID)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	response.OK(c, info)
}

// PutRule handles PUT /events/:id/capacity (admin only).
func (h *Handler) PutRule(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	var req PutRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	rule := &models.CapacityRule{
		EventID:                   eventID,
		MaxCapacity:               req.MaxCapacity,
		WarningThreshold:          80,
		AllowReservations:         true,
		ReservationTimeoutMinutes: h.defaultReservationTimeout,
	}
	if req.WarningThreshold != nil {
		rule.WarningThreshold = *req.WarningThreshold
	}
	if req.AllowReservations != nil {
		rule.AllowReservations = *req.AllowReservations
	}
	if req.ReservationTimeoutMinutes > 0 {
		rule.ReservationTimeoutMinutes = req.ReservationTimeoutMinutes
	}
	if err := h.service.PutRule(c.Request.Context(), rule); err != nil {
		h.logger.Error("put capacity rule failed", zap.Error(err), zap.String("event_id", eventID.String()))
		apierror.Respond(c, err)
		return
	}
	response.OK(c, rule)
}

// Reconcile handles POST /events/:id/capacity/reconcile (admin only).
func (h *Handler) Reconcile(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	if h.reconciler == nil {
		response.ServiceUnavailable(c, "reconciler not configured")
		return
	}
	res, err := h.reconciler.ReconcileEvent(c.Request.Context(), eventID)
	if err != nil {
		h.logger.Error("reconcile failed", zap.Error(err), zap.String("event_id", eventID.String()))
		apierror.Respond(c, err)
		return
	}
	response.OK(c, res)
}
