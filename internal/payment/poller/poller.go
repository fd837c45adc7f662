// Package poller asks the processor for a charge's status at a fixed interval
// until the charge settles, the attempt ceiling is reached, or it is stopped.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/pixwatch/internal/clock"
	"github.com/smallbiznis/pixwatch/internal/observability/metrics"
	"github.com/smallbiznis/pixwatch/internal/payment/domain"
	"go.uber.org/zap"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxAttempts = 60
)

type Config struct {
	Interval    time.Duration
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Callbacks are invoked without any poller lock held. At most one of
// OnSuccess, OnError or OnTimeout fires per Start.
type Callbacks struct {
	OnSuccess func(domain.Update)
	OnError   func(error)
	OnTimeout func()
	// OnStatus reports non-terminal observations.
	OnStatus func(domain.Update)
}

type Poller struct {
	fetcher domain.StatusFetcher
	clock   clock.Clock
	cfg     Config
	cb      Callbacks
	log     *zap.Logger
	metrics *metrics.TrackingMetrics

	mu       sync.Mutex
	chargeID domain.ChargeID
	polling  bool
	gen      uint64
	status   domain.PaymentStatus
	attempts int
	timer    clock.Timer
	cancel   context.CancelFunc
}

func New(fetcher domain.StatusFetcher, clk clock.Clock, cfg Config, cb Callbacks, log *zap.Logger, m *metrics.TrackingMetrics) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		fetcher: fetcher,
		clock:   clk,
		cfg:     cfg.withDefaults(),
		cb:      cb,
		log:     log.Named("poller"),
		metrics: m,
	}
}

// Start issues the first request immediately (on the clock's timer goroutine)
// and keeps polling. Calling Start while polling is a no-op.
func (p *Poller) Start(chargeID domain.ChargeID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.polling {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.gen++
	p.polling = true
	p.chargeID = chargeID
	p.attempts = 0
	p.cancel = cancel
	gen := p.gen
	p.timer = p.clock.AfterFunc(0, func() { p.tick(ctx, gen) })
}

// Stop cancels the in-flight request and the pending timer. Safe to call at any time.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Poller) stopLocked() {
	if !p.polling {
		return
	}
	p.polling = false
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Poller) IsPolling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polling
}

func (p *Poller) CurrentStatus() domain.PaymentStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Reset stops polling and forgets the last status and attempt count.
func (p *Poller) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.status = ""
	p.attempts = 0
}

func (p *Poller) tick(ctx context.Context, gen uint64) {
	p.mu.Lock()
	if !p.polling || p.gen != gen {
		p.mu.Unlock()
		return
	}
	chargeID := p.chargeID
	p.timer = nil
	p.mu.Unlock()

	resp, err := p.fetcher.FetchStatus(ctx, chargeID)

	p.mu.Lock()
	if !p.polling || p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.attempts++
	attempts := p.attempts

	var status domain.PaymentStatus
	if err == nil {
		if parsed, ok := domain.ParseStatus(string(resp.Status)); ok {
			status = parsed
			p.status = parsed
		}
	}
	update := domain.Update{ChargeID: chargeID, Status: status, Extras: resp.Extras}

	switch {
	case status.IsPaid():
		p.stopLocked()
		p.mu.Unlock()
		p.metrics.IncPollAttempt(metrics.PollResultPaid)
		if p.cb.OnSuccess != nil {
			p.cb.OnSuccess(update)
		}
		return
	case status.IsFailure():
		p.stopLocked()
		p.mu.Unlock()
		p.metrics.IncPollAttempt(metrics.PollResultFailed)
		if p.cb.OnError != nil {
			p.cb.OnError(&domain.PaymentFailedError{ChargeID: chargeID, Status: status})
		}
		return
	}

	if err != nil {
		p.metrics.IncPollAttempt(metrics.PollResultError)
		p.log.Warn("poll.attempt_failed",
			zap.String("charge_id", chargeID.String()),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
	} else {
		p.metrics.IncPollAttempt(metrics.PollResultPending)
	}

	if attempts >= p.cfg.MaxAttempts {
		p.stopLocked()
		p.mu.Unlock()
		p.log.Info("poll.exhausted",
			zap.String("charge_id", chargeID.String()),
			zap.Int("attempts", attempts),
		)
		if p.cb.OnTimeout != nil {
			p.cb.OnTimeout()
		}
		return
	}

	p.timer = p.clock.AfterFunc(p.cfg.Interval, func() { p.tick(ctx, gen) })
	p.mu.Unlock()

	if err == nil && status != "" && p.cb.OnStatus != nil {
		p.cb.OnStatus(update)
	}
}
