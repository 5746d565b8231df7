package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/orderpulse/orderpulse/internal/clock"
	"github.com/orderpulse/orderpulse/internal/config"
	"github.com/orderpulse/orderpulse/internal/recon"
	settlementdomain "github.com/orderpulse/orderpulse/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	ReconSvc      recon.Service
	SettlementSvc settlementdomain.Service
	ReconCfg      *config.ReconConfigHolder
	Config        Config `optional:"true"`
}

type Scheduler struct {
	db            *gorm.DB
	log           *zap.Logger
	cfg           Config
	clock         clock.Clock
	reconSvc      recon.Service
	settlementSvc settlementdomain.Service
	reconCfg      *config.ReconConfigHolder
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.ReconSvc == nil || p.SettlementSvc == nil || p.ReconCfg == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:            p.DB,
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:           cfg,
		clock:         p.Clock,
		reconSvc:      p.ReconSvc,
		settlementSvc: p.SettlementSvc,
		reconCfg:      p.ReconCfg,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))
	log.Info("job started")

	err := fn(ctx)
	log.Info("job finished", zap.Duration("elapsed", time.Since(start)))
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"gateway_sync", s.isJobEnabled("gateway_sync"), func(ctx context.Context) error {
			return s.runJob(ctx, "gateway_sync", s.cfg.JobTimeout, s.GatewaySyncJob)
		}},
		{"overdue_sweep", s.isJobEnabled("overdue_sweep"), func(ctx context.Context) error {
			return s.runJob(ctx, "overdue_sweep", s.cfg.JobTimeout, s.OverdueSweepJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

// RunForever runs the job set once per RunInterval, anchored so the first
// run lines up with RunHour in local time.
func (s *Scheduler) RunForever(ctx context.Context) {
	delay := s.untilNextRun()
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) untilNextRun() time.Duration {
	now := s.clock.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), s.cfg.RunHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty EnabledJobs list enables every job.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// GatewaySyncJob reconciles the payment gateway over the configured
// trailing window. Per-record failures are reported by the sync itself;
// only a wholesale failure propagates.
func (s *Scheduler) GatewaySyncJob(ctx context.Context) error {
	daysBack := s.reconCfg.Get().SyncWindowDays
	report, err := s.reconSvc.Sync(ctx, "razorpay", daysBack)
	if err != nil {
		return err
	}
	if len(report.Errors) > 0 {
		s.log.Warn("gateway sync completed with record errors",
			zap.Int("synced", report.Synced),
			zap.Int("errors", len(report.Errors)),
		)
	}
	return nil
}

// OverdueSweepJob escalates settlement records that have waited past
// their expected settlement date.
func (s *Scheduler) OverdueSweepJob(ctx context.Context) error {
	flagged, err := s.settlementSvc.SweepOverdue(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	if flagged > 0 {
		s.log.Info("flagged overdue settlements", zap.Int("count", flagged))
	}
	return nil
}
