package registrations

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/capacity/internal/apierror"
	"github.com/aura-webinar/capacity/internal/models"
	"github.com/aura-webinar/capacity/pkg/response"
)

// RegisterRequest is the body for POST /events/:id/registrations.
type RegisterRequest struct {
	UserID   string `json:"user_id" binding:"required,uuid"`
	FullName string `json:"full_name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Phone    string `json:"phone"`
}

// Handler handles registration HTTP endpoints.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a registrations handler.
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}
}

// Register handles POST /events/:id/registrations. A full event answers 202
// with the caller's waitlist position.
func (h *Handler) Register(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	userID := uuid.MustParse(req.UserID)

	res, err := h.service.Register(c.Request.Context(), eventID, userID, models.AttendeeInfo{
		FullName: req.FullName,
		Email:    req.Email,
		Phone:    req.Phone,
	})
	if err != nil {
		if models.KindOf(err) == models.KindInternal {
			h.logger.Error("register failed", zap.Error(err), zap.String("event_id", eventID.String()))
		}
		apierror.Respond(c, err)
		return
	}

	if res.Status == models.OutcomeWaitlisted {
		response.Accepted(c, gin.H{
			"status":      res.Status,
			"message":     models.ErrEventFull.Msg,
			"position":    res.Waitlist.Position,
			"users_ahead": res.Waitlist.UsersAhead,
			"joined_at":   res.Waitlist.JoinedAt,
		})
		return
	}
	response.Created(c, gin.H{
		"registration_id": res.Registration.ID,
		"status":          res.Status,
		"registered_at":   res.Registration.RegisteredAt,
	})
}

// Cancel handles DELETE /events/:id/registrations/:userId.
func (h *Handler) Cancel(c *gin.Context) {
	eventID, userID, ok := parseIDs(c)
	if !ok {
		return
	}
	reg, err := h.service.Cancel(c.Request.Context(), eventID, userID)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	response.OK(c, gin.H{"status": reg.Status, "cancelled_at": reg.CancelledAt})
}

// Get handles GET /events/:id/registrations/:userId.
func (h *Handler) Get(c *gin.Context) {
	eventID, userID, ok := parseIDs(c)
	if !ok {
		return
	}
	reg, err := h.service.Get(c.Request.Context(), eventID, userID)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	response.OK(c, reg)
}

// List handles GET /events/:id/registrations?status=confirmed.
func (h *Handler) List(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	list, err := h.service.List(c.Request.Context(), eventID, c.Query("status"))
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	if list == nil {
		list = []models.Registration{}
	}
	response.OK(c, list)
}

func parseIDs(c *gin.Context) (eventID, userID uuid.UUID, ok bool) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return eventID, userID, false
	}
	userID, err = uuid.Parse(c.Param("userId"))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return eventID, userID, false
	}
	return eventID, userID, true
}
