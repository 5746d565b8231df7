package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/orderpulse/orderpulse/internal/account"
	"github.com/orderpulse/orderpulse/internal/config"
	"github.com/orderpulse/orderpulse/internal/credentials"
	"github.com/orderpulse/orderpulse/internal/event"
	eventdomain "github.com/orderpulse/orderpulse/internal/event/domain"
	gatewayrazorpay "github.com/orderpulse/orderpulse/internal/gateway/razorpay"
	"github.com/orderpulse/orderpulse/internal/ingest"
	ingestdomain "github.com/orderpulse/orderpulse/internal/ingest/domain"
	obsmetrics "github.com/orderpulse/orderpulse/internal/observability/metrics"
	"github.com/orderpulse/orderpulse/internal/order"
	"github.com/orderpulse/orderpulse/internal/profit"
	"github.com/orderpulse/orderpulse/internal/ratelimit"
	"github.com/orderpulse/orderpulse/internal/realtime"
	"github.com/orderpulse/orderpulse/internal/recon"
	"github.com/orderpulse/orderpulse/internal/settlement"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	account.Module,
	credentials.Module,
	event.Module,
	order.Module,
	settlement.Module,
	profit.Module,
	gatewayrazorpay.Module,
	ingest.Module,
	recon.Module,
	realtime.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CorrelationID())
	r.Use(RequestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	db         *gorm.DB
	ingestSvc  ingestdomain.Service
	eventSvc   eventdomain.Service
	reconSvc   recon.Service
	hub        *realtime.Hub
	limiter    *ratelimit.Limiter
	obsMetrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	DB         *gorm.DB
	IngestSvc  ingestdomain.Service
	EventSvc   eventdomain.Service
	ReconSvc   recon.Service
	Hub        *realtime.Hub
	Limiter    *ratelimit.Limiter  `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		db:         p.DB,
		ingestSvc:  p.IngestSvc,
		eventSvc:   p.EventSvc,
		reconSvc:   p.ReconSvc,
		hub:        p.Hub,
		limiter:    p.Limiter,
		obsMetrics: p.ObsMetrics,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:partner", s.HandlePartnerWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.UserRequired())

	api.GET("/webhooks", s.ListWebhookEvents)
	api.GET("/events/stream", s.StreamEvents)
	api.POST("/sync/:partner", s.TriggerGatewaySync)
}
