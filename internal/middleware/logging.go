package middleware

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailtriage/pkg/logger"
)

const (
	requestIDKey    = "request_id"
	requestIDHeader = "X-Request-ID"
	maxLoggedBody   = 10 * 1024
)

// Headers logged verbatim; every other header is masked.
var safeHeaders = map[string]bool{
	"User-Agent":      true,
	"Referer":         true,
	"Accept":          true,
	"Accept-Language": true,
	"Accept-Encoding": true,
	"Content-Type":    true,
	"X-User-Id":       true,
}

// RequestIDMiddleware propagates X-Request-ID or assigns a new one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

// GetRequestID returns the id assigned by RequestIDMiddleware.
func GetRequestID(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// RequestLogger logs each request and its outcome. JSON request bodies are
// included when logBodies is set; response bodies never are, since they
// carry message subjects.
func RequestLogger(logBodies bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isHealthCheckPath(c.Request.URL.Path) {
			c.Next()
			return
		}

		start := time.Now()
		reqLogger := logger.RequestLogger(GetRequestID(c), c.Request.Method, c.Request.URL.Path)

		fields := []zap.Field{
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
			zap.Int64("content_length", c.Request.ContentLength),
			zap.Any("query_params", c.Request.URL.Query()),
			zap.Any("headers", maskHeaders(c.Request.Header)),
		}
		if logBodies && isJSONContent(c.GetHeader("Content-Type")) {
			if body := captureRequestBody(c); len(body) > 0 && len(body) < maxLoggedBody {
				fields = append(fields, zap.ByteString("request_body", body))
			}
		}
		reqLogger.Debug("HTTP request started", fields...)

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		fields = []zap.Field{
			zap.Int("status_code", status),
			zap.Int("response_size", c.Writer.Size()),
			zap.Duration("duration", duration),
			zap.String("performance_category", getPerformanceCategory(duration)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.Strings("errors", c.Errors.Errors()))
		}

		switch {
		case status >= 500:
			reqLogger.Error("HTTP request completed", fields...)
		case status >= 400:
			reqLogger.Warn("HTTP request completed", fields...)
		default:
			reqLogger.Info("HTTP request completed", fields...)
		}
	}
}

func maskHeaders(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if safeHeaders[name] {
			out[name] = strings.Join(values, ", ")
		} else {
			out[name] = "[MASKED]"
		}
	}
	return out
}

// captureRequestBody reads the body and restores it for the handler.
func captureRequestBody(c *gin.Context) []byte {
	if c.Request.Body == nil || c.Request.ContentLength > 1024*1024 {
		return nil
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	return body
}

func isJSONContent(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "application/json")
}

func getPerformanceCategory(d time.Duration) string {
	switch {
	case d < 100*time.Millisecond:
		return "fast"
	case d < 500*time.Millisecond:
		return "normal"
	case d < 2*time.Second:
		return "slow"
	default:
		return "very_slow"
	}
}

func isHealthCheckPath(path string) bool {
	switch path {
	case "/health", "/healthz", "/ready", "/live", "/metrics":
		return true
	}
	return false
}
