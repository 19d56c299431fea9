package logger

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerRequestID = "X-Request-Id"
	ctxLogger       = "logger"
)

// Middleware injects a request-scoped logger carrying request_id and logs one summary per request.
// Paths in quiet are summarized at debug level; use it for health checks and scrapes.
func Middleware(l *slog.Logger, quiet ...string) gin.HandlerFunc {
	quietSet := make(map[string]struct{}, len(quiet))
	for _, p := range quiet {
		quietSet[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)

		reqLogger := l.With("request_id", rid)
		c.Set(ctxLogger, reqLogger)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", float64(time.Since(start).Milliseconds()),
		}
		if actor, ok := c.Get("user_id"); ok {
			attrs = append(attrs, "actor_id", actor)
		}

		switch {
		case len(c.Errors) > 0 && c.Writer.Status() >= 500:
			reqLogger.Error("request", append(attrs, "errors", c.Errors.String())...)
		case len(c.Errors) > 0:
			reqLogger.Warn("request", append(attrs, "errors", c.Errors.String())...)
		default:
			if _, ok := quietSet[path]; ok {
				reqLogger.Debug("request", attrs...)
				return
			}
			reqLogger.Info("request", attrs...)
		}
	}
}

// FromGin pulls the request-scoped logger from Gin context.
func FromGin(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(ctxLogger); ok {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
