package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-triage/internal/budget"
	"github.com/miradorstack/mirador-triage/internal/escalation"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// BatchRunner executes one batch.
type BatchRunner interface {
	RunBatch(ctx context.Context, events []models.Event) models.BatchResult
}

// Maintainer runs the periodic housekeeping between batches.
type Maintainer interface {
	OptimizeCosts(ctx context.Context) []budget.OptimizationResult
	Sweep(ctx context.Context) error
}

// SLAChecker reports ticket SLA states.
type SLAChecker interface {
	CheckSLAs(ctx context.Context) ([]escalation.SLAReport, error)
}

// PolicySource exposes tenant batch intervals.
type PolicySource interface {
	Tenants() []string
	Policy(tenant string) models.TenantPolicy
}

// PolicyInterval returns the shortest batch interval across known tenants, or base when no
// tenant has a policy yet.
func PolicyInterval(src PolicySource, base time.Duration) func() time.Duration {
	return func() time.Duration {
		interval := time.Duration(0)
		for _, t := range src.Tenants() {
			if d := src.Policy(t).BatchInterval; d > 0 && (interval == 0 || d < interval) {
				interval = d
			}
		}
		if interval == 0 {
			return base
		}
		return interval
	}
}

// SchedulerConfig tunes the scheduler loop.
type SchedulerConfig struct {
	// Interval yields the delay before the next batch; it is re-read after every batch.
	Interval            func() time.Duration
	MaintenanceInterval time.Duration
	// FlushTimeout bounds the final batch run on shutdown.
	FlushTimeout time.Duration
}

// Scheduler feeds buffered events to the pipeline on a timer or on demand. Batches never overlap.
type Scheduler struct {
	cfg     SchedulerConfig
	buffer  *Buffer
	runner  BatchRunner
	maint   Maintainer
	sla     SLAChecker
	trigger chan struct{}
	logger  *slog.Logger
}

// NewScheduler wires a scheduler. maint and sla may be nil.
func NewScheduler(cfg SchedulerConfig, buffer *Buffer, runner BatchRunner, maint Maintainer, sla SLAChecker, logger *slog.Logger) *Scheduler {
	if cfg.Interval == nil {
		cfg.Interval = func() time.Duration { return time.Minute }
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 5 * time.Minute
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 30 * time.Second
	}
	return &Scheduler{
		cfg:     cfg,
		buffer:  buffer,
		runner:  runner,
		maint:   maint,
		sla:     sla,
		trigger: make(chan struct{}, 1),
		logger:  utils.Component(logger, "scheduler"),
	}
}

// Trigger requests an immediate batch. It returns false when a request is already pending.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// RunNow drains the buffer and runs a batch synchronously.
func (s *Scheduler) RunNow(ctx context.Context) models.BatchResult {
	return s.runner.RunBatch(ctx, s.buffer.Drain())
}

// Run loops until ctx is cancelled, then flushes any buffered events in a final batch.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(s.interval())
	defer timer.Stop()
	maint := time.NewTicker(s.cfg.MaintenanceInterval)
	defer maint.Stop()

	s.logger.Info("scheduler started", slog.Duration("interval", s.interval()))
	for {
		select {
		case <-ctx.Done():
			s.flush(ctx)
			s.logger.Info("scheduler stopped")
			return nil
		case <-timer.C:
			s.runBuffered(ctx)
			timer.Reset(s.interval())
		case <-s.trigger:
			s.runBuffered(ctx)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.interval())
		case <-maint.C:
			s.Maintain(ctx)
		}
	}
}

func (s *Scheduler) interval() time.Duration {
	d := s.cfg.Interval()
	if d <= 0 {
		return time.Minute
	}
	return d
}

func (s *Scheduler) runBuffered(ctx context.Context) {
	events := s.buffer.Drain()
	if len(events) == 0 {
		return
	}
	s.runner.RunBatch(ctx, events)
}

func (s *Scheduler) flush(ctx context.Context) {
	if s.buffer.Len() == 0 {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FlushTimeout)
	defer cancel()
	res := s.runner.RunBatch(flushCtx, s.buffer.Drain())
	s.logger.Info("flushed buffered events on shutdown", slog.Int("events", res.EventsReceived))
}

// Maintain runs cost optimization, SLA checks and retention sweeps once.
func (s *Scheduler) Maintain(ctx context.Context) {
	if s.maint != nil {
		s.maint.OptimizeCosts(ctx)
		if err := s.maint.Sweep(ctx); err != nil {
			s.logger.Warn("retention sweep failed", slog.Any("error", err))
		}
	}
	if s.sla != nil {
		if _, err := s.sla.CheckSLAs(ctx); err != nil {
			s.logger.Warn("sla check failed", slog.Any("error", err))
		}
	}
}
