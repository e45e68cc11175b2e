package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/pkg/logger"
)

// RequestIDHeader carries the request ID in and out
const RequestIDHeader = "X-Request-ID"

// RequestLogger assigns a request ID and logs each request at a level
// matching its status
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Writer.Header().Set(RequestIDHeader, requestID)
		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		sessionID := requestSessionID(c)
		if sessionID != "" {
			ctx = logger.WithSessionID(ctx, sessionID)
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("uri", logger.RedactedURI(c.Request.URL)),
		}
		if sessionID != "" {
			fields = append(fields, zap.String("session_id", sessionID))
		}

		switch {
		case status >= 500:
			logger.Error("HTTP request", fields...)
		case status >= 400:
			logger.Warn("HTTP request", fields...)
		default:
			logger.Info("HTTP request", fields...)
		}
	}
}

// requestSessionID finds the consultation a request targets, from the
// route's :id or the signaling query.
func requestSessionID(c *gin.Context) string {
	for _, raw := range []string{c.Param("id"), c.Query("session_id")} {
		if id, err := uuid.Parse(raw); err == nil {
			return id.String()
		}
	}
	return ""
}
