// Package scheduler re-attaches payment tracking to records that are still
// pending, so a restart does not leave charges unobserved.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pixwatch/internal/clock"
	paymentdomain "github.com/smallbiznis/pixwatch/internal/payment/domain"
	"github.com/smallbiznis/pixwatch/internal/payment/watch"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const jobResumePending = "resume_pending"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Watcher is the part of the watch manager the sweep needs.
type Watcher interface {
	Watch(ctx context.Context, chargeID paymentdomain.ChargeID) (watch.Snapshot, error)
	Snapshot(chargeID paymentdomain.ChargeID) (watch.Snapshot, error)
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Watcher Watcher
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  Config `optional:"true"`
}

type Scheduler struct {
	db      *gorm.DB
	log     *zap.Logger
	watcher Watcher
	genID   *snowflake.Node
	clock   clock.Clock
	cfg     Config
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Watcher == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:      p.DB,
		log:     p.Log.Named("scheduler"),
		watcher: p.Watcher,
		genID:   p.GenID,
		clock:   p.Clock,
		cfg:     p.Config.withDefaults(),
	}, nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
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

func (s *Scheduler) RunOnce(ctx context.Context) error {
	_, err := s.ResumePendingJob(ctx)
	return err
}

// ResumePendingJob starts tracking for pending records created inside the
// resume window that have no live session. It returns how many were resumed.
func (s *Scheduler) ResumePendingJob(ctx context.Context) (int, error) {
	ctx, run := s.startJobRun(ctx, jobResumePending, s.cfg.BatchSize)
	s.logJobStart(run)
	defer s.logJobFinish(run)

	cutoff := s.clock.Now().Add(-s.cfg.ResumeWindow)
	candidates, err := s.fetchPendingCharges(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.logJobError(run, "scheduler.fetch_failed", err)
		return 0, err
	}

	var jobErr error
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return run.processedCount, ctx.Err()
		}

		chargeID := paymentdomain.ChargeID(candidate.PaymentID)
		if _, err := s.watcher.Snapshot(chargeID); err == nil {
			continue
		} else if !errors.Is(err, watch.ErrSessionNotFound) {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(run, "scheduler.snapshot_failed", err, zap.String("charge_id", candidate.PaymentID))
			continue
		}

		if _, err := s.watcher.Watch(ctx, chargeID); err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(run, "scheduler.resume_failed", err,
				zap.String("charge_id", candidate.PaymentID),
				zap.String("kind", candidate.Kind),
			)
			if errors.Is(err, watch.ErrManagerClosed) {
				return run.processedCount, jobErr
			}
			continue
		}

		run.AddProcessed(1)
		s.log.Debug("scheduler.resumed",
			zap.String("run_id", run.runID),
			zap.String("charge_id", candidate.PaymentID),
			zap.String("kind", candidate.Kind),
		)
	}

	return run.processedCount, jobErr
}
