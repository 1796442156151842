package logger

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MiddlewareConfig configures the request logging middleware.
type MiddlewareConfig struct {
	// SkipPaths are request paths excluded from logging, such as health
	// checks.
	SkipPaths []string
}

// Middleware returns a gin handler that assigns each request an id, stores
// a request-scoped logger on the gin context and logs the request outcome.
func Middleware(log *Logger, config *MiddlewareConfig) gin.HandlerFunc {
	if config == nil {
		config = &MiddlewareConfig{
			SkipPaths: []string{"/health"},
		}
	}

	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}

	httpLog := log.Named("http")

	return func(c *gin.Context) {
		if skip[c.Request.URL.Path] {
			c.Next()
			return
		}

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)

		reqLog := httpLog.WithField("request_id", requestID)
		c.Set("logger", reqLog)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []interface{}{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}

		switch {
		case status >= 500:
			reqLog.Error("request failed", fields...)
		case status >= 400:
			reqLog.Warn("request rejected", fields...)
		default:
			reqLog.Info("request completed", fields...)
		}
	}
}

// FromGin returns the request-scoped logger stored by Middleware, falling
// back to the given logger when absent.
func FromGin(c *gin.Context, fallback *Logger) *Logger {
	if v, ok := c.Get("logger"); ok {
		if l, ok := v.(*Logger); ok {
			return l
		}
	}
	return fallback
}
