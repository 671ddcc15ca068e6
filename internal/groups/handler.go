package groups

import (
	"math"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/capacity/internal/apierror"
	"github.com/aura-webinar/capacity/pkg/response"
)

// CreateRequest is the body for POST /events/:id/groups.
type CreateRequest struct {
	LeaderID       string  `json:"leader_id" binding:"required,uuid"`
	LeaderEmail    string  `json:"leader_email" binding:"required,email"`
	GroupName      string  `json:"group_name" binding:"required"`
	MinSize        int     `json:"min_size" binding:"required"`
	MaxSize        int     `json:"max_size" binding:"required"`
	PricePerPerson float64 `json:"price_per_person"`
}

// AddMemberRequest is the body for POST /groups/:id/members.
type AddMemberRequest struct {
	UserID string `json:"user_id" binding:"required,uuid"`
	Name   string `json:"name" binding:"required"`
	Email  string `json:"email" binding:"required,email"`
}

// Handler handles group booking HTTP endpoints.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a group bookings handler.
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}
}

// toCents converts a decimal price to integer cents.
func toCents(price float64) int64 {
	return int64(math.Round(price * 100))
}

func fromCents(cents int64) float64 {
	return float64(cents) / 100
}

// Create handles POST /events/:id/groups.
func (h *Handler) Create(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	g, err := h.service.Create(c.Request.Context(), CreateInput{
		EventID:             eventID,
		LeaderID:            uuid.MustParse(req.LeaderID),
		LeaderEmail:         req.LeaderEmail,
		Name:                req.GroupName,
		MinSize:             req.MinSize,
		MaxSize:             req.MaxSize,
		PricePerPersonCents: toCents(req.PricePerPerson),
	})
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	response.Created(c, gin.H{"group_id": g.ID, "status": g.Status})
}

// AddMember handles POST /groups/:id/members.
func (h *Handler) AddMember(c *gin.Context) {
	groupID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid group id")
		return
	}
	var req AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	m, g, err := h.service.AddMember(c.Request.Context(), groupID, uuid.MustParse(req.UserID), req.Name, req.Email)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	response.Created(c, gin.H{"member_id": m.ID, "current_size": g.CurrentSize, "status": g.Status})
}

// RemoveMember handles DELETE /groups/:id/members/:userId.
func (h *Handler) RemoveMember(c *gin.Context) {
	groupID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid group id")
		return
	}
	userID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return
	}
	g, err := h.service.RemoveMember(c.Request.Context(), groupID, userID)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	response.OK(c, gin.H{"current_size": g.CurrentSize, "status": g.Status})
}

// Confirm handles POST /groups/:id/confirm.
func (h *Handler) Confirm(c *gin.Context) {
	groupID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid group id")
		return
	}
	g, err := h.service.Confirm(c.Request.Context(), groupID)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	response.OK(c, gin.H{
		"status":       g.Status,
		"current_size": g.CurrentSize,
		"total_amount": fromCents(g.TotalAmountCents),
	})
}

// Cancel handles POST /groups/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	groupID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid group id")
		return
	}
	g, err := h.service.Cancel(c.Request.Context(), groupID)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	response.OK(c, gin.H{"status": g.Status, "released": g.CurrentSize})
}

// Get handles GET /groups/:id.
func (h *Handler) Get(c *gin.Context) {
	groupID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid group id")
		return
	}
	g, err := h.service.Get(c.Request.Context(), groupID)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	response.OK(c, g)
}
