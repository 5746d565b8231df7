package server

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/orderpulse/orderpulse/pkg/log/ctxlogger"
	"go.uber.org/zap"
)

const (
	contextUserIDKey = "user_id"
	headerRequestID  = "X-Request-ID"
)

// CorrelationID stamps every request context with a correlation id so log
// lines for one delivery line up across services. An id assigned upstream
// is reused; otherwise one is minted and echoed back to the caller.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := ctxlogger.ContextWithCorrelationID(
			c.Request.Context(),
			strings.TrimSpace(c.GetHeader(headerRequestID)),
		)
		ctx, cid := ctxlogger.EnsureCorrelationID(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(headerRequestID, cid)
		c.Next()
	}
}

// UserRequired resolves the caller from the X-User-ID header set by the
// edge proxy. Requests without a valid id never reach the handler.
func (s *Server) UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		userID, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(contextUserIDKey, userID)
		c.Next()
	}
}

func currentUserID(c *gin.Context) (snowflake.ID, bool) {
	value, ok := c.Get(contextUserIDKey)
	if !ok {
		return 0, false
	}
	userID, ok := value.(snowflake.ID)
	return userID, ok
}

func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		ctxlogger.WithContext(c.Request.Context(), log).Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
