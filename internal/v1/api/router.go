package api

import (
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/auth"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/middleware"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/ratelimit"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the authenticated REST API and the live stream on router.
func RegisterRoutes(router gin.IRouter, h *Handler, live *LiveStream, validator auth.TokenValidator, rl *ratelimit.RateLimiter) {
	v1 := router.Group("/api/v1")
	v1.Use(middleware.RequireAuth(validator, false))
	if rl != nil {
		v1.Use(rl.GlobalMiddleware())
	}
	{
		v1.GET("/capabilities", h.GetCapabilities)
		if rl != nil {
			v1.POST("/capabilities/refresh", rl.MiddlewareForEndpoint(ratelimit.EndpointRefresh), h.RefreshCapabilities)
		} else {
			v1.POST("/capabilities/refresh", h.RefreshCapabilities)
		}
		v1.GET("/devices/:deviceId/logout-url", h.LogoutURL)
		v1.GET("/voip/config", h.VoipConfig)
	}

	// Browsers cannot set headers on a WebSocket handshake.
	wsGroup := router.Group("/ws")
	wsGroup.Use(middleware.RequireAuth(validator, true))
	{
		wsGroup.GET("/capabilities", live.ServeWs)
	}
}
