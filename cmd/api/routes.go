package main

import (
	"net/http"

	"voice-gateway/internal/httpapi"
	"voice-gateway/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, metricsHandler http.Handler) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metricsHandler))
	r.POST("/auth/refresh", h.RefreshTokens)

	v1 := r.Group("/v1")
	v1.Use(authMW)

	// Backend pipelines (role service) write call state; people read it and drive SIP legs.
	read := rbac.RequireAnyRole(rbac.RoleAgent, rbac.RoleSupervisor)
	write := rbac.RequireAnyRole(rbac.RoleSupervisor, rbac.RoleService)
	control := rbac.RequireAnyRole(rbac.RoleAgent, rbac.RoleSupervisor)

	callsGroup := v1.Group("/calls")
	{
		callsGroup.POST("", write, h.CreateCall)
		callsGroup.GET("", read, h.QueryCalls)
		callsGroup.GET("/active", read, h.ListActiveCalls)
		callsGroup.POST("/dial", control, h.Dial)
		callsGroup.GET("/:id", read, h.GetCall)
		callsGroup.GET("/:id/participants", read, h.CallParticipants)
		callsGroup.PATCH("/:id/status", write, h.UpdateCallStatus)
		callsGroup.POST("/:id/end", write, h.EndCall)
		callsGroup.POST("/:id/answer", control, h.AnswerCall)
		callsGroup.POST("/:id/reject", control, h.RejectCall)
		callsGroup.POST("/:id/hangup", control, h.HangupCall)
	}

	sessionsGroup := v1.Group("/sessions")
	{
		participant := rbac.RequireAnyRole(rbac.RoleAgent, rbac.RoleSupervisor, rbac.RoleService)
		sessionsGroup.POST("", participant, h.CreateSession)
		sessionsGroup.GET("/active", rbac.RequireAnyRole(rbac.RoleSupervisor), h.ListActiveSessions)
		sessionsGroup.POST("/:id/touch", participant, h.TouchSession)
		sessionsGroup.DELETE("/:id", participant, h.EndSession)
	}

	// No roles listed: only admin passes.
	authGroup := v1.Group("/auth", rbac.RequireAnyRole())
	{
		authGroup.POST("/tokens", h.IssueTokens)
		authGroup.POST("/service-tokens", h.IssueServiceToken)
	}

	v1.GET("/signaling/ws", rbac.RequireAnyRole(rbac.RoleAgent, rbac.RoleSupervisor), h.SignalingWS)
}
