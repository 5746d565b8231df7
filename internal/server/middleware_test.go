package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/orderpulse/orderpulse/pkg/log/ctxlogger"
)

func TestCorrelationIDMintsAndEchoes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(CorrelationID())

	var seen string
	engine.GET("/ping", func(c *gin.Context) {
		seen = ctxlogger.ExtractCorrelationID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if seen == "" {
		t.Fatal("handler context should carry a correlation id")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Fatalf("response header %q does not match context id %q", got, seen)
	}
}

func TestCorrelationIDReusesUpstreamID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(CorrelationID())

	var seen string
	engine.GET("/ping", func(c *gin.Context) {
		seen = ctxlogger.ExtractCorrelationID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "edge-42")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if seen != "edge-42" {
		t.Fatalf("expected upstream id to be reused, got %q", seen)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "edge-42" {
		t.Fatalf("expected upstream id echoed back, got %q", got)
	}
}
