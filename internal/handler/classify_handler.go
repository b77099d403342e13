package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mailtriage/internal/service"
	"mailtriage/pkg/taxonomy"
)

type ClassifyHandler struct {
	pipeline  *service.Pipeline
	providers ProviderFactory
	timeout   time.Duration
}

// NewClassifyHandler serves runs, cancellation and label removal. A zero
// timeout leaves runs bounded only by the client connection.
func NewClassifyHandler(p *service.Pipeline, providers ProviderFactory, timeout time.Duration) *ClassifyHandler {
	return &ClassifyHandler{pipeline: p, providers: providers, timeout: timeout}
}

type ClassifyRequest struct {
	SessionID      string `json:"sessionId"`
	UserID         string `json:"userId"`
	MaxEmails      int    `json:"maxEmails" binding:"gte=0,lte=1000"`
	ApplyLabels    bool   `json:"applyLabels"`
	SkipClassified bool   `json:"skipClassified"`
	BatchSize      int    `json:"batchSize" binding:"gte=0"`
	Query          string `json:"query"`
	PageToken      string `json:"pageToken"`
}

type CancelRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

type RemoveLabelsRequest struct {
	SessionID  string   `json:"sessionId"`
	UserID     string   `json:"userId"`
	Category   string   `json:"category" binding:"required"`
	MessageIDs []string `json:"messageIds" binding:"required,min=1"`
}

func (h *ClassifyHandler) runContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if h.timeout > 0 {
		return context.WithTimeout(c.Request.Context(), h.timeout)
	}
	return context.WithCancel(c.Request.Context())
}

// Classify runs the pipeline synchronously and answers with the summary.
func (h *ClassifyHandler) Classify(c *gin.Context) {
	var req ClassifyRequest
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

	ctx, cancel := h.runContext(c)
	defer cancel()
	summary, err := h.pipeline.Run(ctx, p, service.RunRequest{
		UserID:         uid,
		SessionID:      req.SessionID,
		MaxEmails:      req.MaxEmails,
		ApplyLabels:    req.ApplyLabels,
		SkipClassified: req.SkipClassified,
		BatchSize:      req.BatchSize,
		Query:          req.Query,
		PageToken:      req.PageToken,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Cancel stops an in-flight run.
func (h *ClassifyHandler) Cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.pipeline.Cancel(req.SessionID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run in progress for session", "sessionId": req.SessionID})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sessionId": req.SessionID, "cancelled": true})
}

// RemoveLabels clears one taxonomy label from the given messages.
func (h *ClassifyHandler) RemoveLabels(c *gin.Context) {
	var req RemoveLabelsRequest
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

	ctx, cancel := h.runContext(c)
	defer cancel()
	summary, err := h.pipeline.RemoveLabels(ctx, p, service.RemoveRequest{
		UserID:     uid,
		SessionID:  req.SessionID,
		Category:   taxonomy.Category(req.Category),
		MessageIDs: req.MessageIDs,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Taxonomy lists the categories and their provider labels.
func Taxonomy(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"namespace":  taxonomy.Namespace,
		"categories": taxonomy.All(),
	})
}
