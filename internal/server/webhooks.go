package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	eventdomain "github.com/orderpulse/orderpulse/internal/event/domain"
)

// HandlePartnerWebhook receives a partner delivery. Once the signature
// checks out and the event is on disk we acknowledge, whatever happens
// during processing; the partner's retry loop keys off our status code.
func (s *Server) HandlePartnerWebhook(c *gin.Context) {
	partner := strings.TrimSpace(c.Param("partner"))

	if s.limiter.Enabled() {
		allowed, err := s.limiter.AllowWebhook(c.Request.Context(), partner, c.ClientIP())
		if err == nil && !allowed {
			AbortWithError(c, ErrRateLimited)
			return
		}
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.ingestSvc.IngestWebhook(c.Request.Context(), partner, payload, c.Request.Header); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) ListWebhookEvents(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	filter := eventdomain.ListFilter{
		Source: strings.TrimSpace(c.Query("source")),
		Topic:  strings.TrimSpace(c.Query("topic")),
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		filter.Limit = limit
	}

	events, err := s.eventSvc.ListForUser(c.Request.Context(), userID, filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}
