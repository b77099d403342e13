package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mailtriage/internal/history"
)

type OperationsHandler struct {
	history   *history.Service
	providers ProviderFactory
}

func NewOperationsHandler(h *history.Service, providers ProviderFactory) *OperationsHandler {
	return &OperationsHandler{history: h, providers: providers}
}

type RollbackRequest struct {
	OperationID string `json:"operationId" binding:"required"`
	UserID      string `json:"userId"`
}

// List returns the caller's rollback-eligible operations, newest first.
func (h *OperationsHandler) List(c *gin.Context) {
	uid, err := userID(c, c.Query("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	ops, err := h.history.List(c.Request.Context(), uid)
	if err != nil {
		writeError(c, err)
		return
	}
	if ops == nil {
		ops = []history.Summary{}
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

// Rollback reverses one operation.
func (h *OperationsHandler) Rollback(c *gin.Context) {
	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	uid, err := userID(c, req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	p := provider(c, h.providers)
	if p == nil {
		return
	}

	res, err := h.history.Rollback(c.Request.Context(), req.OperationID, uid, p)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if !res.Success && res.Reverted == 0 && res.Unchanged == 0 {
		status = http.StatusBadGateway
	}
	c.JSON(status, res)
}
