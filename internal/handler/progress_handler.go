package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mailtriage/internal/progress"
)

type ProgressHandler struct {
	store progress.Store
}

func NewProgressHandler(s progress.Store) *ProgressHandler {
	return &ProgressHandler{store: s}
}

type ProgressRequest struct {
	SessionID string           `json:"sessionId" binding:"required"`
	Action    string           `json:"action" binding:"required,oneof=get update clear"`
	Progress  *progress.Record `json:"progress"`
}

// Get returns the record for the session in the path.
func (h *ProgressHandler) Get(c *gin.Context) {
	rec, err := h.store.Get(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Handle serves the get, update and clear actions.
func (h *ProgressHandler) Handle(c *gin.Context) {
	var req ProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	switch req.Action {
	case "get":
		rec, err := h.store.Get(ctx, req.SessionID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	case "update":
		if req.Progress == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "progress is required for update"})
			return
		}
		rec := *req.Progress
		rec.SessionID = req.SessionID
		if rec.Status == "" {
			rec.Status = progress.StatusPending
		}
		if err := h.store.Update(ctx, req.SessionID, rec); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "sessionId": req.SessionID})
	case "clear":
		if err := h.store.Clear(ctx, req.SessionID); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "sessionId": req.SessionID})
	}
}
