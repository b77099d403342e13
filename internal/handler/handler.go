package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailtriage/internal/history"
	"mailtriage/internal/mail"
	"mailtriage/internal/service"
	"mailtriage/pkg/logger"
)

const (
	accessTokenHeader = "X-Access-Token"
	userIDHeader      = "X-User-ID"
)

// ProviderFactory builds a mail provider for one request's access token.
type ProviderFactory func(ctx context.Context, accessToken string) (mail.Provider, error)

var errMissingUser = errors.New("missing user id")

// provider resolves the caller's mailbox or writes a 401 and returns nil.
func provider(c *gin.Context, factory ProviderFactory) mail.Provider {
	token := c.GetHeader(accessTokenHeader)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "missing X-Access-Token",
			"message": "Please re-authenticate with your Gmail account",
			"action":  "reauth_required",
		})
		return nil
	}
	p, err := factory(c.Request.Context(), token)
	if err != nil {
		logger.HandlerLogger("provider").Error("Creating mail provider failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil
	}
	return p
}

// userID prefers the X-User-ID header over a value from the request.
func userID(c *gin.Context, fromRequest string) (string, error) {
	if id := c.GetHeader(userIDHeader); id != "" {
		return id, nil
	}
	if fromRequest != "" {
		return fromRequest, nil
	}
	return "", errMissingUser
}

// writeError maps domain errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := gin.H{"error": err.Error()}

	switch {
	case errors.Is(err, errMissingUser), errors.Is(err, service.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrRunInProgress):
		status = http.StatusConflict
	case service.IsAuthError(err):
		status = http.StatusUnauthorized
		body["suggestion"] = "Please re-authenticate with the required Gmail scopes"
		body["action"] = "reauth_required"
	case errors.Is(err, service.ErrSetupFailed):
		status = http.StatusBadGateway
	case errors.Is(err, history.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, history.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, history.ErrAlreadyRolledBack),
		errors.Is(err, history.ErrNotRollbackable),
		errors.Is(err, history.ErrRollbackInProgress),
		errors.Is(err, history.ErrSuperseded):
		status = http.StatusConflict
	}

	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, body)
}

// Handlers groups the API handlers for route registration.
type Handlers struct {
	Classify   *ClassifyHandler
	Progress   *ProgressHandler
	Operations *OperationsHandler
}

// Register mounts the API routes on api, normally the /api/v1 group.
func (h Handlers) Register(api *gin.RouterGroup) {
	api.POST("/classify", h.Classify.Classify)
	api.POST("/classify/cancel", h.Classify.Cancel)
	api.POST("/labels/remove", h.Classify.RemoveLabels)
	api.GET("/taxonomy", Taxonomy)

	api.GET("/progress/:sessionId", h.Progress.Get)
	api.POST("/progress", h.Progress.Handle)

	api.GET("/operations", h.Operations.List)
	api.DELETE("/operations", h.Operations.Rollback)
}
