// Package reconciler folds terminal payment outcomes into the booking or case
// that references the charge.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/pixwatch/internal/clock"
	"github.com/smallbiznis/pixwatch/internal/config"
	"github.com/smallbiznis/pixwatch/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/pixwatch/internal/payment/domain"
	"github.com/smallbiznis/pixwatch/internal/record/domain"
	"github.com/smallbiznis/pixwatch/pkg/log/ctxlogger"
	"go.uber.org/zap"
)

type Result string

const (
	ResultUpdated   Result = "updated"
	ResultUnchanged Result = "unchanged"
	// ResultQueued means no record matched yet; one retry is scheduled.
	ResultQueued Result = "queued"
)

type Reconciler struct {
	repo    domain.Repository
	clock   clock.Clock
	cfg     *config.TrackingConfigHolder
	log     *zap.Logger
	metrics *metrics.TrackingMetrics

	mu      sync.Mutex
	pending map[paymentdomain.ChargeID]clock.Timer
	closed  bool
}

func New(repo domain.Repository, clk clock.Clock, cfg *config.TrackingConfigHolder, log *zap.Logger, m *metrics.TrackingMetrics) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		repo:    repo,
		clock:   clk,
		cfg:     cfg,
		log:     log.Named("reconciler"),
		metrics: m,
		pending: make(map[paymentdomain.ChargeID]clock.Timer),
	}
}

// OnPaymentConfirmed applies a terminal status to the matching record.
// A missing record is not an error: the update is retried once and then dropped.
func (r *Reconciler) OnPaymentConfirmed(ctx context.Context, chargeID paymentdomain.ChargeID, status paymentdomain.PaymentStatus, extras paymentdomain.Extras) (Result, error) {
	if !chargeID.Valid() {
		return "", paymentdomain.ErrInvalidChargeID
	}
	if !status.IsTerminal() {
		return ResultUnchanged, nil
	}

	log := ctxlogger.WithContext(ctx, r.log).With(
		zap.String("charge_id", chargeID.String()),
		zap.String("status", string(status)),
	)

	found, changed, err := r.apply(ctx, chargeID, status, extras)
	if err != nil {
		log.Error("reconcile.failed", zap.Error(err))
		return "", err
	}
	if found {
		return r.settled(log, changed), nil
	}

	r.queue(chargeID, status, extras)
	r.metrics.IncReconciliation(metrics.ReconcileQueued)
	log.Info("reconcile.queued")
	return ResultQueued, nil
}

// Close cancels pending retries.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, timer := range r.pending {
		timer.Stop()
		delete(r.pending, id)
	}
}

// Pending returns the number of queued retries.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Reconciler) settled(log *zap.Logger, changed bool) Result {
	if !changed {
		r.metrics.IncReconciliation(metrics.ReconcileUnchanged)
		log.Debug("reconcile.unchanged")
		return ResultUnchanged
	}
	r.metrics.IncReconciliation(metrics.ReconcileUpdated)
	log.Info("reconcile.updated")
	return ResultUpdated
}

func (r *Reconciler) queue(chargeID paymentdomain.ChargeID, status paymentdomain.PaymentStatus, extras paymentdomain.Extras) {
	delay := r.retryDelay()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if previous, ok := r.pending[chargeID]; ok {
		previous.Stop()
	}

	var timer clock.Timer
	timer = r.clock.AfterFunc(delay, func() {
		r.mu.Lock()
		if r.pending[chargeID] != timer {
			r.mu.Unlock()
			return
		}
		delete(r.pending, chargeID)
		r.mu.Unlock()
		r.retry(chargeID, status, extras)
	})
	r.pending[chargeID] = timer
}

func (r *Reconciler) retry(chargeID paymentdomain.ChargeID, status paymentdomain.PaymentStatus, extras paymentdomain.Extras) {
	ctx := ctxlogger.ContextWithChargeID(context.Background(), chargeID.String())
	log := r.log.With(
		zap.String("charge_id", chargeID.String()),
		zap.String("status", string(status)),
	)

	found, changed, err := r.apply(ctx, chargeID, status, extras)
	switch {
	case err != nil:
		r.metrics.IncReconciliation(metrics.ReconcileDropped)
		log.Error("reconcile.dropped", zap.Error(err))
	case !found:
		r.metrics.IncReconciliation(metrics.ReconcileDropped)
		log.Warn("reconcile.dropped", zap.String("reason", "no record references charge"))
	default:
		r.settled(log, changed)
	}
}

// apply writes conditionally on the status it read, so a concurrent settle of
// the same record leaves this one unchanged.
func (r *Reconciler) apply(ctx context.Context, chargeID paymentdomain.ChargeID, status paymentdomain.PaymentStatus, extras paymentdomain.Extras) (bool, bool, error) {
	now := r.clock.Now()

	booking, err := r.repo.FindBookingByPaymentID(ctx, chargeID.String())
	if err != nil {
		return false, false, err
	}
	if booking != nil {
		next := *booking
		if !next.ApplyPayment(status, extras) {
			return true, false, nil
		}
		next.UpdatedAt = now
		written, err := r.repo.SettleBooking(ctx, &next, booking.Status)
		if err != nil {
			return true, false, err
		}
		return true, written, nil
	}

	legalCase, err := r.repo.FindCaseByPaymentID(ctx, chargeID.String())
	if err != nil {
		return false, false, err
	}
	if legalCase != nil {
		next := *legalCase
		if !next.ApplyPayment(status, extras) {
			return true, false, nil
		}
		next.UpdatedAt = now
		written, err := r.repo.SettleCase(ctx, &next, legalCase.Status)
		if err != nil {
			return true, false, err
		}
		return true, written, nil
	}
	return false, false, nil
}

func (r *Reconciler) retryDelay() time.Duration {
	if r.cfg == nil {
		return config.DefaultTrackingConfig().ReconcileRetryDelay
	}
	return r.cfg.Get().ReconcileRetryDelay
}
