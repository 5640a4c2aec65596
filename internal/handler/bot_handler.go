// Package handler contains the gin HTTP handlers for the control API.
package handler

import (
	"tradeloop/engine/internal/model"
	"tradeloop/engine/internal/service"
	"tradeloop/engine/internal/strategy"
	"tradeloop/engine/internal/util"

	"github.com/gin-gonic/gin"
)

type BotHandler struct {
	manager *service.BotManager
}

func NewBotHandler(manager *service.BotManager) *BotHandler {
	return &BotHandler{manager: manager}
}

func currentUserID(c *gin.Context) (string, bool) {
	userID, exists := c.Get("user_id")
	if !exists {
		util.SendError(c, util.ErrUnauthorized("User not authenticated"))
		return "", false
	}
	return userID.(string), true
}

// StartBot handles POST /api/v1/bot/:market/start
func (h *BotHandler) StartBot(c *gin.Context) {
	var req model.StartBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.SendValidationError(c, err.Error())
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	bot, err := h.manager.Start(c.Request.Context(), userID, c.Param("market"), &req)
	if err != nil {
		util.SendError(c, err)
		return
	}

	util.SendCreated(c, bot, "Bot started successfully")
}

// StopBot handles POST /api/v1/bot/:market/stop
func (h *BotHandler) StopBot(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	bot, err := h.manager.Stop(c.Request.Context(), userID, c.Param("market"))
	if err != nil {
		util.SendError(c, err)
		return
	}

	util.SendSuccess(c, bot)
}

// PauseBot handles POST /api/v1/bot/:market/pause
func (h *BotHandler) PauseBot(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	bot, err := h.manager.Pause(c.Request.Context(), userID, c.Param("market"))
	if err != nil {
		util.SendError(c, err)
		return
	}

	util.SendSuccess(c, bot)
}

// ResumeBot handles POST /api/v1/bot/:market/resume
func (h *BotHandler) ResumeBot(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	bot, err := h.manager.Resume(c.Request.Context(), userID, c.Param("market"))
	if err != nil {
		util.SendError(c, err)
		return
	}

	util.SendSuccess(c, bot)
}

// BotStatus handles GET /api/v1/bot/:market/status
func (h *BotHandler) BotStatus(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	status, err := h.manager.Status(c.Request.Context(), userID, c.Param("market"))
	if err != nil {
		util.SendError(c, err)
		return
	}

	util.SendSuccess(c, status)
}

// BotPerformance handles GET /api/v1/bot/:market/performance
func (h *BotHandler) BotPerformance(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	perf, err := h.manager.Performance(c.Request.Context(), userID, c.Param("market"))
	if err != nil {
		util.SendError(c, err)
		return
	}

	util.SendSuccess(c, perf)
}

// ListBots handles GET /api/v1/bots
func (h *BotHandler) ListBots(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	bots, err := h.manager.List(c.Request.Context(), userID)
	if err != nil {
		util.SendError(c, err)
		return
	}

	util.SendSuccess(c, bots)
}

// ListStrategies handles GET /api/v1/strategies
func (h *BotHandler) ListStrategies(c *gin.Context) {
	util.SendSuccess(c, strategy.Names())
}
