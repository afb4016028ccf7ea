package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"

	"github.com/mossy-p/blink-signaling/config"
	"github.com/mossy-p/blink-signaling/internal/logging"
	"github.com/mossy-p/blink-signaling/internal/middleware"
	"github.com/mossy-p/blink-signaling/internal/presence"
	"github.com/mossy-p/blink-signaling/internal/store"
)

// Deps are the collaborators of the HTTP server.
type Deps struct {
	Config   *config.Config
	Store    store.Store
	Presence presence.Tracker
	Log      *pterm.Logger
}

// NewRouter wires every route of the signaling gateway. The returned Gateway
// must be closed on shutdown to end the sessions of connected participants.
func NewRouter(d Deps) (*gin.Engine, *Gateway) {
	cfg := d.Config
	log := logging.OrDefault(d.Log)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if gin.Mode() == gin.DebugMode {
		router.Use(gin.Logger())
	}

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/anonymous", AnonymousToken(cfg.JWTSecret, cfg.TokenTTL, log))
		apiGroup.GET("/stats", Stats(d.Store, d.Presence, log))
		apiGroup.GET("/ice-servers", ICEServers(cfg.ICEServers))

		// Get room info (public)
		apiGroup.GET("/rooms/:roomId", GetRoom(d.Store, log))

		// Delete room (requires JWT, owner only)
		apiGroup.DELETE("/rooms/:roomId", middleware.JWTAuth(cfg.JWTSecret), DeleteRoom(d.Store, log))
	}

	gateway := &Gateway{Store: d.Store, Presence: d.Presence, Session: cfg.Session, Log: log}
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/blink", middleware.JWTAuth(cfg.JWTSecret), gateway.HandleBlink)
	}

	return router, gateway
}
