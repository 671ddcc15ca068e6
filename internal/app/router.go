package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-webinar/capacity/config"
	"github.com/aura-webinar/capacity/internal/auth"
	"github.com/aura-webinar/capacity/internal/capacity"
	"github.com/aura-webinar/capacity/internal/groups"
	"github.com/aura-webinar/capacity/internal/middleware"
	"github.com/aura-webinar/capacity/internal/models"
	"github.com/aura-webinar/capacity/internal/registrations"
	"github.com/aura-webinar/capacity/internal/waitlist"
	"github.com/aura-webinar/capacity/pkg/response"
)

// NewRouter builds the HTTP API over core.
func NewRouter(core *Core, jwtService *auth.JWTService, cfg *config.Config, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	capacityHandler := capacity.NewHandler(core.Capacity, core.Reconciler, cfg.Capacity.DefaultReservationTimeout, logger)
	registrationHandler := registrations.NewHandler(core.Registrations, logger)
	waitlistHandler := waitlist.NewHandler(core.Waitlist, logger)
	groupHandler := groups.NewHandler(core.Groups, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		status := core.Ready(ctx)
		if status["redis"] != "ok" || (status["database"] != "ok" && status["database"] != "memory") {
			c.JSON(http.StatusServiceUnavailable, response.Body{Success: false, Data: status})
			return
		}
		response.OK(c, status)
	})

	admin := middleware.RequireRole(logger.Named("authz"), models.RoleAdmin)
	jwt := middleware.JWT(jwtService)

	events := router.Group("/events/:id")
	{
		// Capacity
		events.GET("/capacity", capacityHandler.Info)
		events.PUT("/capacity", jwt, admin, capacityHandler.PutRule)
		events.POST("/capacity/reconcile", jwt, admin, capacityHandler.Reconcile)

		// Registrations
		events.POST("/registrations", registrationHandler.Register)
		events.GET("/registrations", jwt, admin, registrationHandler.List)
		events.GET("/registrations/:userId", registrationHandler.Get)
		events.DELETE("/registrations/:userId", registrationHandler.Cancel)

		// Waitlist
		events.POST("/waitlist", waitlistHandler.Join)
		events.GET("/waitlist", jwt, admin, waitlistHandler.List)
		events.GET("/waitlist/:userId", waitlistHandler.Position)
		events.DELETE("/waitlist/:userId", waitlistHandler.Leave)

		// Group bookings
		events.POST("/groups", groupHandler.Create)
	}

	groupRoutes := router.Group("/groups/:id")
	{
		groupRoutes.GET("", groupHandler.Get)
		groupRoutes.POST("/members", groupHandler.AddMember)
		groupRoutes.DELETE("/members/:userId", groupHandler.RemoveMember)
		groupRoutes.POST("/confirm", groupHandler.Confirm)
		groupRoutes.POST("/cancel", groupHandler.Cancel)
	}
	return router
}
