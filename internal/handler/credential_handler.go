package handler

import (
	"tradeloop/engine/internal/model"
	"tradeloop/engine/internal/service"
	"tradeloop/engine/internal/util"

	"github.com/gin-gonic/gin"
)

type CredentialHandler struct {
	creds *service.CredentialService
}

func NewCredentialHandler(creds *service.CredentialService) *CredentialHandler {
	return &CredentialHandler{creds: creds}
}

// SaveCredential handles POST /api/v1/credentials
func (h *CredentialHandler) SaveCredential(c *gin.Context) {
	var req model.CredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.SendValidationError(c, err.Error())
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	view, err := h.creds.Save(c.Request.Context(), userID, &req)
	if err != nil {
		util.SendError(c, err)
		return
	}

	util.SendCreated(c, view, "Credentials stored successfully")
}

// ListCredentials handles GET /api/v1/credentials
func (h *CredentialHandler) ListCredentials(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	views, err := h.creds.List(c.Request.Context(), userID)
	if err != nil {
		util.SendError(c, err)
		return
	}

	util.SendSuccess(c, views)
}

// VerifyCredential handles POST /api/v1/credentials/:exchange/verify
func (h *CredentialHandler) VerifyCredential(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	if err := h.creds.Verify(c.Request.Context(), userID, c.Param("exchange")); err != nil {
		util.SendError(c, err)
		return
	}

	util.SendSuccess(c, gin.H{"status": model.CredentialStatusConnected})
}

// DeleteCredential handles DELETE /api/v1/credentials/:exchange
func (h *CredentialHandler) DeleteCredential(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	if err := h.creds.Delete(c.Request.Context(), userID, c.Param("exchange")); err != nil {
		util.SendError(c, err)
		return
	}

	util.SendSuccess(c, gin.H{"deleted": true})
}
