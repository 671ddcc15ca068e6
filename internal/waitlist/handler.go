package waitlist

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/capacity/internal/apierror"
	"github.com/aura-webinar/capacity/internal/models"
	"github.com/aura-webinar/capacity/pkg/response"
)

// JoinRequest is the body for POST /events/:id/waitlist.
type JoinRequest struct {
	UserID   string `json:"user_id" binding:"required,uuid"`
	Priority int    `json:"priority"`
	FullName string `json:"full_name"`
	Email    string `json:"email" binding:"omitempty,email"`
	Phone    string `json:"phone"`
}

// Handler handles waitlist HTTP endpoints.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a waitlist handler.
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}
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

// Join handles POST /events/:id/waitlist.
func (h *Handler) Join(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	userID := uuid.MustParse(req.UserID)
	entry, err := h.service.Join(c.Request.Context(), eventID, userID, req.Priority, models.AttendeeInfo{
		FullName: req.FullName,
		Email:    req.Email,
		Phone:    req.Phone,
	})
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	response.Created(c, gin.H{
		"entry_id":  entry.ID,
		"position":  entry.Position,
		"priority":  entry.Priority,
		"joined_at": entry.JoinedAt,
	})
}

// Leave handles DELETE /events/:id/waitlist/:userId.
func (h *Handler) Leave(c *gin.Context) {
	eventID, userID, ok := parseIDs(c)
	if !ok {
		return
	}
	if _, err := h.service.Leave(c.Request.Context(), eventID, userID); err != nil {
		apierror.Respond(c, err)
		return
	}
	response.OK(c, gin.H{"ok": true})
}

// Position handles GET /events/:id/waitlist/:userId.
func (h *Handler) Position(c *gin.Context) {
	eventID, userID, ok := parseIDs(c)
	if !ok {
		return
	}
	pos, err := h.service.Position(c.Request.Context(), eventID, userID)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	response.OK(c, pos)
}

// List handles GET /events/:id/waitlist?limit=N.
func (h *Handler) List(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	limit := 0
	if s := c.Query("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
	}
	entries, err := h.service.List(c.Request.Context(), eventID, limit)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	if entries == nil {
		entries = []models.WaitlistEntry{}
	}
	response.OK(c, entries)
}
