package middleware

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailtriage/pkg/logger"
)

// Recovery turns panics into 500 responses and logs them with the request id.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				handlePanic(c, rec)
			}
		}()
		c.Next()
	}
}

func handlePanic(c *gin.Context, recovered interface{}) {
	requestID := GetRequestID(c)
	reqLogger := logger.RequestLogger(requestID, c.Request.Method, c.Request.URL.Path)

	if isBrokenPipe(recovered) {
		reqLogger.Error("Broken pipe detected", zap.Any("error", recovered))
		_ = c.Error(fmt.Errorf("%v", recovered))
		c.Abort()
		return
	}

	reqLogger.Error("Panic recovered",
		zap.Any("error", recovered),
		zap.String("stack_trace", string(debug.Stack())),
		zap.String("client_ip", c.ClientIP()),
	)

	resp := gin.H{
		"error":      "Internal server error",
		"request_id": requestID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if gin.Mode() == gin.DebugMode {
		resp["details"] = fmt.Sprintf("%v", recovered)
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, resp)
}

// isBrokenPipe reports a client that went away mid-response.
func isBrokenPipe(recovered interface{}) bool {
	err, ok := recovered.(error)
	if !ok {
		return false
	}
	var ne *net.OpError
	if !errors.As(err, &ne) {
		return false
	}
	var se *os.SyscallError
	if !errors.As(ne.Err, &se) {
		return false
	}
	msg := strings.ToLower(se.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}

// ErrorHandlingMiddleware logs errors attached with c.Error and answers the
// request when the handler wrote nothing.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 {
			return
		}

		requestID := GetRequestID(c)
		reqLogger := logger.RequestLogger(requestID, c.Request.Method, c.Request.URL.Path)
		for _, ginErr := range c.Errors {
			switch ginErr.Type {
			case gin.ErrorTypeBind:
				reqLogger.Warn("Request binding error", zap.Error(ginErr.Err))
			case gin.ErrorTypePublic:
				reqLogger.Info("Public error", zap.Error(ginErr.Err))
			default:
				reqLogger.Error("Request error", zap.Error(ginErr.Err))
			}
		}

		if c.Writer.Written() {
			return
		}
		last := c.Errors.Last()
		status, msg := http.StatusInternalServerError, "Internal server error"
		switch last.Type {
		case gin.ErrorTypeBind:
			status, msg = http.StatusBadRequest, "Invalid request data"
		case gin.ErrorTypePublic:
			status, msg = http.StatusBadRequest, last.Error()
		}
		c.JSON(status, gin.H{
			"error":      msg,
			"request_id": requestID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// SecurityHeadersMiddleware sets headers for a JSON-only API.
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Next()
	}
}

// CORSMiddleware allows the configured origin to call the API.
func CORSMiddleware(allowOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowOrigin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Access-Token, X-User-ID, X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
