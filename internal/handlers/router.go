package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-call/internal/middleware"
)

// NewRouter wires the relay's HTTP and websocket routes
func NewRouter(hub *Hub, jwtSecret string, allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(allowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(jwtSecret))
		apiGroup.GET("/conversations/:conversationId/peers", middleware.JWTAuth(jwtSecret), hub.GetPeers)
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal/:conversationId", middleware.JWTAuth(jwtSecret), hub.HandleSignaling)
	}

	return router
}
