package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) TriggerGatewaySync(c *gin.Context) {
	partner := strings.TrimSpace(c.Param("partner"))

	daysBack := 0
	if raw := strings.TrimSpace(c.Query("days_back")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		daysBack = parsed
	}

	report, err := s.reconSvc.Sync(c.Request.Context(), partner, daysBack)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}
