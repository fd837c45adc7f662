// Package tracker follows one charge to a terminal status. It prefers the push
// stream and falls back to polling when the stream fails or never opens.
//
//	IDLE -> STREAMING -> DONE
//	IDLE -> STREAMING -> POLLING -> DONE
//
// The first terminal observation from either backend is delivered once; every
// child callback carries the session generation and stale ones are dropped.
package tracker

import (
	"errors"
	"sync"
	"time"

	"github.com/smallbiznis/pixwatch/internal/clock"
	"github.com/smallbiznis/pixwatch/internal/config"
	"github.com/smallbiznis/pixwatch/internal/observability/metrics"
	"github.com/smallbiznis/pixwatch/internal/payment/domain"
	"github.com/smallbiznis/pixwatch/internal/payment/poller"
	"github.com/smallbiznis/pixwatch/internal/payment/stream"
	"go.uber.org/zap"
)

type State int

const (
	StateIdle State = iota
	StateStreaming
	StatePolling
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StatePolling:
		return "polling"
	case StateDone:
		return "done"
	default:
		return "idle"
	}
}

type ConnectionType string

const (
	ConnectionStream ConnectionType = "stream"
	ConnectionPoll   ConnectionType = "poll"
	ConnectionNone   ConnectionType = "none"
)

// Outcome describes one status observation delivered to callers.
type Outcome struct {
	ChargeID domain.ChargeID
	Status   domain.PaymentStatus
	Extras   domain.Extras
	Source   ConnectionType
}

// Callbacks are invoked without tracker locks held. Exactly one of OnPaid or
// OnError fires per session unless the session is stopped first. OnError
// receives *domain.PaymentFailedError or domain.ErrTrackingTimeout.
type Callbacks struct {
	OnPaid   func(Outcome)
	OnError  func(Outcome, error)
	OnStatus func(Outcome)
}

type Config struct {
	PromotionWindow time.Duration
	SettleDelay     time.Duration
	Poll            poller.Config
}

const (
	DefaultPromotionWindow = 10 * time.Second
	DefaultSettleDelay     = time.Second
)

func ConfigFromTracking(cfg config.TrackingConfig) Config {
	cfg = cfg.WithDefaults()
	return Config{
		PromotionWindow: cfg.PromotionWindow,
		SettleDelay:     cfg.SettleDelay,
		Poll: poller.Config{
			Interval:    cfg.PollInterval,
			MaxAttempts: cfg.MaxPollAttempts,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.PromotionWindow <= 0 {
		c.PromotionWindow = DefaultPromotionWindow
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	return c
}

type Tracker struct {
	hub     *stream.Hub
	fetcher domain.StatusFetcher
	clock   clock.Clock
	cfg     Config
	cb      Callbacks
	log     *zap.Logger
	metrics *metrics.TrackingMetrics

	mu        sync.Mutex
	gen       uint64
	state     State
	connType  ConnectionType
	chargeID  domain.ChargeID
	status    domain.PaymentStatus
	client    *stream.Client
	poller    *poller.Poller
	promotion clock.Timer
	settle    clock.Timer
}

func New(hub *stream.Hub, fetcher domain.StatusFetcher, clk clock.Clock, cfg Config, cb Callbacks, log *zap.Logger, m *metrics.TrackingMetrics) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		hub:      hub,
		fetcher:  fetcher,
		clock:    clk,
		cfg:      cfg.withDefaults(),
		cb:       cb,
		log:      log.Named("tracker"),
		metrics:  m,
		connType: ConnectionNone,
	}
}

// StartTracking begins a session for chargeID. It is a no-op while a session
// is streaming or polling.
func (t *Tracker) StartTracking(chargeID domain.ChargeID) error {
	if !chargeID.Valid() {
		return domain.ErrInvalidChargeID
	}

	t.mu.Lock()
	if t.state == StateStreaming || t.state == StatePolling {
		t.mu.Unlock()
		return nil
	}

	t.gen++
	gen := t.gen
	t.state = StateStreaming
	t.connType = ConnectionStream
	t.chargeID = chargeID
	t.status = ""
	t.client = stream.NewClient(t.hub, chargeID, stream.Callbacks{
		OnSuccess: func(u domain.Update) { t.finish(gen, u, nil, ConnectionStream) },
		OnError:   func(err error) { t.onStreamError(gen, err) },
		OnStatus:  func(u domain.Update) { t.observe(gen, u, ConnectionStream) },
	})
	t.poller = poller.New(t.fetcher, t.clock, t.cfg.Poll, poller.Callbacks{
		OnSuccess: func(u domain.Update) { t.finish(gen, u, nil, ConnectionPoll) },
		OnError:   func(err error) { t.onPollError(gen, err) },
		OnTimeout: func() {
			t.finish(gen, domain.Update{ChargeID: chargeID}, domain.ErrTrackingTimeout, ConnectionPoll)
		},
		OnStatus: func(u domain.Update) { t.observe(gen, u, ConnectionPoll) },
	}, t.log, t.metrics)
	t.promotion = t.clock.AfterFunc(t.cfg.PromotionWindow, func() { t.onPromotionDeadline(gen) })
	client := t.client
	t.mu.Unlock()

	t.metrics.IncSession()
	t.log.Info("tracker.started", zap.String("charge_id", chargeID.String()))

	client.Connect()

	// A stop that raced the connect leaves the client mounted; release it.
	t.mu.Lock()
	stale := t.gen != gen || t.state == StateDone
	t.mu.Unlock()
	if stale {
		client.Disconnect()
	}
	return nil
}

// StopTracking releases the stream, the poller and every timer and returns to IDLE.
func (t *Tracker) StopTracking() {
	t.mu.Lock()
	release := t.stopLocked()
	t.mu.Unlock()
	release()
}

// ResetTracking stops and forgets the last status and attempt counters.
func (t *Tracker) ResetTracking() {
	t.mu.Lock()
	release := t.stopLocked()
	p := t.poller
	t.poller = nil
	t.status = ""
	t.chargeID = ""
	t.mu.Unlock()
	release()
	if p != nil {
		p.Reset()
	}
}

func (t *Tracker) stopLocked() func() {
	t.gen++
	t.state = StateIdle
	t.connType = ConnectionNone
	return t.releaseLocked()
}

// releaseLocked clears timers under the lock and returns the child teardown,
// which must run after the lock is released.
func (t *Tracker) releaseLocked() func() {
	if t.promotion != nil {
		t.promotion.Stop()
		t.promotion = nil
	}
	if t.settle != nil {
		t.settle.Stop()
		t.settle = nil
	}
	client, p := t.client, t.poller
	t.client = nil
	return func() {
		if client != nil {
			client.Disconnect()
		}
		if p != nil {
			p.Stop()
		}
	}
}

func (t *Tracker) IsTracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateStreaming || t.state == StatePolling
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) CurrentStatus() domain.PaymentStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Tracker) ConnectionType() ConnectionType {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connType
}

func (t *Tracker) ChargeID() domain.ChargeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chargeID
}

// Attempts returns the poll attempts of the current or last session.
func (t *Tracker) Attempts() int {
	t.mu.Lock()
	p := t.poller
	t.mu.Unlock()
	if p == nil {
		return 0
	}
	return p.Attempts()
}

func (t *Tracker) onPromotionDeadline(gen uint64) {
	t.mu.Lock()
	if t.gen != gen || t.state != StateStreaming {
		t.mu.Unlock()
		return
	}
	t.promotion = nil
	if t.client != nil && t.client.IsConnected() {
		t.mu.Unlock()
		return
	}
	release := t.promoteLocked(gen, 0)
	t.mu.Unlock()

	t.metrics.IncPromotion(metrics.PromotionReasonConnectTimeout)
	t.log.Info("tracker.promoted",
		zap.String("charge_id", t.ChargeID().String()),
		zap.String("reason", metrics.PromotionReasonConnectTimeout),
	)
	release()
}

func (t *Tracker) onStreamError(gen uint64, err error) {
	if domain.IsPaymentFailure(err) {
		t.finish(gen, domain.Update{}, err, ConnectionStream)
		return
	}

	t.mu.Lock()
	if t.gen != gen || t.state != StateStreaming {
		t.mu.Unlock()
		return
	}
	chargeID := t.chargeID
	release := t.promoteLocked(gen, t.cfg.SettleDelay)
	t.mu.Unlock()

	t.metrics.IncPromotion(metrics.PromotionReasonStreamError)
	t.log.Info("tracker.promoted",
		zap.String("charge_id", chargeID.String()),
		zap.String("reason", metrics.PromotionReasonStreamError),
		zap.Error(err),
	)
	release()
}

// promoteLocked switches to POLLING. The poller starts after delay; the
// returned func disconnects the stream and must run unlocked.
func (t *Tracker) promoteLocked(gen uint64, delay time.Duration) func() {
	t.state = StatePolling
	t.connType = ConnectionPoll
	if t.promotion != nil {
		t.promotion.Stop()
		t.promotion = nil
	}
	client := t.client
	t.client = nil

	if delay <= 0 {
		p, chargeID := t.poller, t.chargeID
		return func() {
			if client != nil {
				client.Disconnect()
			}
			t.startPoller(gen, p, chargeID)
		}
	}
	t.settle = t.clock.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.gen != gen || t.state != StatePolling {
			t.mu.Unlock()
			return
		}
		t.settle = nil
		p, chargeID := t.poller, t.chargeID
		t.mu.Unlock()
		t.startPoller(gen, p, chargeID)
	})
	return func() {
		if client != nil {
			client.Disconnect()
		}
	}
}

func (t *Tracker) startPoller(gen uint64, p *poller.Poller, chargeID domain.ChargeID) {
	if p == nil {
		return
	}
	p.Start(chargeID)

	t.mu.Lock()
	stale := t.gen != gen || t.state != StatePolling
	t.mu.Unlock()
	if stale {
		p.Stop()
	}
}

func (t *Tracker) onPollError(gen uint64, err error) {
	t.finish(gen, domain.Update{}, err, ConnectionPoll)
}

func (t *Tracker) observe(gen uint64, u domain.Update, source ConnectionType) {
	t.mu.Lock()
	if t.gen != gen || (t.state != StateStreaming && t.state != StatePolling) {
		t.mu.Unlock()
		return
	}
	t.status = u.Status
	t.mu.Unlock()

	if t.cb.OnStatus != nil {
		t.cb.OnStatus(Outcome{ChargeID: u.ChargeID, Status: u.Status, Extras: u.Extras, Source: source})
	}
}

// finish delivers the first terminal observation of a session and tears the
// session down. Later calls for the same generation are dropped.
func (t *Tracker) finish(gen uint64, u domain.Update, err error, source ConnectionType) {
	t.mu.Lock()
	if t.gen != gen || (t.state != StateStreaming && t.state != StatePolling) {
		t.mu.Unlock()
		return
	}

	chargeID := t.chargeID
	status := u.Status
	var failed *domain.PaymentFailedError
	if errors.As(err, &failed) {
		status = failed.Status
	}
	if status != "" {
		t.status = status
	}
	t.state = StateDone
	t.connType = source
	release := t.releaseLocked()
	t.mu.Unlock()

	release()

	outcome := Outcome{ChargeID: chargeID, Status: status, Extras: u.Extras, Source: source}
	switch {
	case err == nil:
		t.metrics.IncOutcome(metrics.OutcomePaid, string(source))
		t.log.Info("tracker.paid",
			zap.String("charge_id", chargeID.String()),
			zap.String("status", string(status)),
			zap.String("connection_type", string(source)),
		)
		if t.cb.OnPaid != nil {
			t.cb.OnPaid(outcome)
		}
	default:
		result := metrics.OutcomeFailed
		if errors.Is(err, domain.ErrTrackingTimeout) {
			result = metrics.OutcomeTimeout
		}
		t.metrics.IncOutcome(result, string(source))
		t.log.Info("tracker.failed",
			zap.String("charge_id", chargeID.String()),
			zap.String("connection_type", string(source)),
			zap.Error(err),
		)
		if t.cb.OnError != nil {
			t.cb.OnError(outcome, err)
		}
	}
}
