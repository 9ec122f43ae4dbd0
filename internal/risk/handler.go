package risk

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/courseshield/courseshield/internal/common/logger"
)

// Handler exposes the engine over HTTP: admin review endpoints,
// ingestion hooks and the block-check gate.
type Handler struct {
	service *Service
	logger  *zap.Logger
	audit   *logger.AuditLogger
}

func NewHandler(service *Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		service: service,
		logger:  log.With(zap.String("component", "risk_handler")),
		audit:   logger.NewAuditLogger(log),
	}
}

// RegisterRoutes mounts the engine's API under the given group. The
// caller decides which middleware guards it.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	users := rg.Group("/users")
	{
		users.GET("/:id", h.handleGetUser)
		users.GET("/:id/events", h.handleGetTimeline)
		users.GET("/:id/access", h.handleGetRecentAccess)
		users.GET("/:id/blocked", h.handleGetBlocked)
		users.POST("/:id/reset", h.handleResetRisk)
		users.POST("/:id/ban", h.handleBanUser)
		users.POST("/:id/unflag", h.handleUnflagUser)
		users.POST("/:id/force-logout", h.handleForceLogout)
	}
	sessions := rg.Group("/sessions")
	{
		sessions.GET("/:id", h.handleGetSessionRisk)
		sessions.DELETE("/:id", h.handleRevokeSession)
	}
	events := rg.Group("/events")
	{
		events.POST("/access", h.handleIngestAccess)
		events.POST("/login", h.handleIngestLogin)
	}
	rg.GET("/stats", h.handleGetStats)
}

func (h *Handler) handleGetUser(c *gin.Context) {
	userID := c.Param("id")
	state, err := h.service.UserState(c.Request.Context(), userID)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "User has no risk state"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to load risk state", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load risk state"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":         state,
		"block_status": h.service.BlockStatus(c.Request.Context(), userID),
	})
}

func (h *Handler) handleGetTimeline(c *gin.Context) {
	userID := c.Param("id")
	limit := intQuery(c, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	offset := intQuery(c, "offset", 0)

	events, err := h.service.Timeline(c.Request.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("Failed to load risk timeline", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load timeline"})
		return
	}
	if events == nil {
		events = []RiskEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"data": events, "limit": limit, "offset": offset})
}

func (h *Handler) handleGetRecentAccess(c *gin.Context) {
	userID := c.Param("id")
	hours := intQuery(c, "hours", 24)
	if hours < 1 || hours > 720 {
		hours = 24
	}

	events, err := h.service.RecentAccess(c.Request.Context(), userID, time.Duration(hours)*time.Hour)
	if err != nil {
		h.logger.Error("Failed to load access events", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load access events"})
		return
	}
	if events == nil {
		events = []AccessEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"data": events, "window_hours": hours})
}

func (h *Handler) handleGetBlocked(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.BlockStatus(c.Request.Context(), c.Param("id")))
}

func (h *Handler) handleGetSessionRisk(c *gin.Context) {
	sessionID := c.Param("id")
	assessment, err := h.service.SessionRisk(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("Failed to assess session", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to assess session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": assessment})
}

func (h *Handler) handleResetRisk(c *gin.Context) {
	userID := c.Param("id")
	if err := h.service.ResetRisk(c.Request.Context(), userID, adminID(c)); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User has no risk state"})
			return
		}
		h.logger.Error("Failed to reset risk", zap.String("user_id", userID), zap.Error(err))
		h.audit.Failure(adminID(c), "risk.reset", "user", userID, err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reset risk"})
		return
	}
	h.audit.Success(adminID(c), "risk.reset", "user", userID)
	c.JSON(http.StatusOK, gin.H{"message": "Risk state reset"})
}

func (h *Handler) handleBanUser(c *gin.Context) {
	userID := c.Param("id")
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}

	applied, err := h.service.ManualBan(c.Request.Context(), userID, adminID(c), req.Reason)
	if err != nil {
		h.logger.Error("Failed to ban user", zap.String("user_id", userID), zap.Error(err))
		h.audit.Failure(adminID(c), "risk.ban", "user", userID, err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to ban user"})
		return
	}
	if !applied {
		c.JSON(http.StatusOK, gin.H{"message": "User already banned"})
		return
	}
	h.audit.Success(adminID(c), "risk.ban", "user", userID)
	c.JSON(http.StatusOK, gin.H{"message": "User banned"})
}

func (h *Handler) handleUnflagUser(c *gin.Context) {
	userID := c.Param("id")
	if err := h.service.Unflag(c.Request.Context(), userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User has no risk state"})
			return
		}
		h.logger.Error("Failed to unflag user", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unflag user"})
		return
	}
	h.audit.Success(adminID(c), "risk.unflag", "user", userID)
	c.JSON(http.StatusOK, gin.H{"message": "Suspicion flag cleared"})
}

func (h *Handler) handleForceLogout(c *gin.Context) {
	userID := c.Param("id")
	revoked, err := h.service.ForceLogout(c.Request.Context(), userID, adminID(c))
	if err != nil {
		h.logger.Error("Failed to force logout", zap.String("user_id", userID), zap.Error(err))
		h.audit.Failure(adminID(c), "risk.force_logout", "user", userID, err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to force logout"})
		return
	}
	h.audit.Success(adminID(c), "risk.force_logout", "user", userID)
	c.JSON(http.StatusOK, gin.H{"message": "User logged out", "sessions_revoked": revoked})
}

func (h *Handler) handleRevokeSession(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.service.RevokeSession(c.Request.Context(), sessionID); err != nil {
		h.logger.Error("Failed to revoke session", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke session"})
		return
	}
	h.audit.Success(adminID(c), "risk.revoke_session", "session", sessionID)
	c.JSON(http.StatusOK, gin.H{"message": "Session revoked"})
}

func (h *Handler) handleIngestAccess(c *gin.Context) {
	var req struct {
		UserID            string `json:"user_id"`
		IPAddress         string `json:"ip_address"`
		SessionID         string `json:"session_id"`
		DeviceFingerprint string `json:"device_fingerprint"`
		Action            string `json:"action"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.UserID == "" || req.IPAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and ip_address are required"})
		return
	}
	if req.Action == "" {
		req.Action = "content_access"
	}

	if err := h.service.HandleAccess(c.Request.Context(), &AccessEvent{
		UserID:            req.UserID,
		IPAddress:         req.IPAddress,
		SessionID:         req.SessionID,
		DeviceFingerprint: req.DeviceFingerprint,
		Action:            req.Action,
	}); err != nil {
		h.logger.Error("Failed to ingest access event", zap.String("user_id", req.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record access event"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Access event recorded"})
}

func (h *Handler) handleIngestLogin(c *gin.Context) {
	var req struct {
		UserID       string `json:"user_id"`
		IPAddress    string `json:"ip_address"`
		ForwardedFor string `json:"forwarded_for"`
		UserAgent    string `json:"user_agent"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.UserID == "" || req.IPAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and ip_address are required"})
		return
	}

	if err := h.service.HandleLogin(c.Request.Context(), LoginEvent{
		UserID:       req.UserID,
		IPAddress:    req.IPAddress,
		ForwardedFor: req.ForwardedFor,
		UserAgent:    req.UserAgent,
	}); err != nil {
		h.logger.Error("Failed to ingest login event", zap.String("user_id", req.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process login event"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Login event processed"})
}

func (h *Handler) handleGetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to load risk stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func adminID(c *gin.Context) string {
	if id, ok := c.Get("user_id"); ok {
		if s, ok := id.(string); ok && s != "" {
			return s
		}
	}
	return "unknown"
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
