package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	ingestdomain "github.com/orderpulse/orderpulse/internal/ingest/domain"
	"github.com/orderpulse/orderpulse/internal/recon"
	"gorm.io/gorm"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrUnauthorized, http.StatusUnauthorized},
		{ingestdomain.ErrInvalidSignature, http.StatusUnauthorized},
		{ingestdomain.ErrNoSecret, http.StatusUnauthorized},
		{ErrInvalidRequest, http.StatusBadRequest},
		{ingestdomain.ErrInvalidPayload, http.StatusBadRequest},
		{ingestdomain.ErrMissingHeader, http.StatusBadRequest},
		{ErrNotFound, http.StatusNotFound},
		{ingestdomain.ErrUnknownPartner, http.StatusNotFound},
		{recon.ErrUnsupportedPartner, http.StatusNotFound},
		{gorm.ErrRecordNotFound, http.StatusNotFound},
		{ErrRateLimited, http.StatusTooManyRequests},
		{recon.ErrSyncInProgress, http.StatusConflict},
		{ErrServiceUnavailable, http.StatusServiceUnavailable},
		{errors.New("anything else"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := mapError(tt.err); got != tt.want {
			t.Errorf("mapError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestErrorHandlingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	engine.GET("/bad-signature", func(c *gin.Context) {
		AbortWithError(c, ingestdomain.ErrInvalidSignature)
	})
	engine.GET("/already-written", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		_ = c.Error(errors.New("late error"))
	})

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bad-signature", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	// A handler that already wrote a response wins over late errors.
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/already-written", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
