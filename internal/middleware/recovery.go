package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/response"
)

// Recovery recovers from panics and returns 500 error
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("Panic recovered",
					zap.Any("panic", err),
					zap.String("path", c.Request.URL.Path),
					zap.Stack("stack"))

				response.InternalError(c, "Internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// HealthChecker reports whether a dependency is reachable
type HealthChecker func(ctx context.Context) error

// HealthCheck answers /health. A failing dependency reports "degraded" with status 200.
func HealthCheck(serviceName string, checks map[string]HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path != "/health" {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := "healthy"
		deps := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				deps[name] = "unavailable"
				status = "degraded"
				continue
			}
			deps[name] = "ok"
		}

		c.JSON(http.StatusOK, gin.H{
			"status":       status,
			"service":      serviceName,
			"dependencies": deps,
		})
		c.Abort()
	}
}
