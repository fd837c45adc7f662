package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/pixwatch/internal/clock"
	"github.com/smallbiznis/pixwatch/internal/config"
	"github.com/smallbiznis/pixwatch/internal/payment/domain"
	"github.com/smallbiznis/pixwatch/internal/payment/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) ReadyState() domain.ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.StateClosed
	}
	return domain.StateOpen
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	handlers []domain.StreamHandler
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(_ domain.ChargeID, handler domain.StreamHandler) (domain.StreamConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := &fakeConn{}
	d.handlers = append(d.handlers, handler)
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) handler(t *testing.T) domain.StreamHandler {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.handlers)
	return d.handlers[len(d.handlers)-1]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers)
}

func (d *fakeDialer) openConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	open := 0
	for _, c := range d.conns {
		if c.ReadyState() != domain.StateClosed {
			open++
		}
	}
	return open
}

type fetcher struct {
	mu       sync.Mutex
	statuses []domain.PaymentStatus
	calls    int
	at       []time.Time
	clock    clock.Clock
}

func (f *fetcher) FetchStatus(_ context.Context, chargeID domain.ChargeID) (domain.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.at = append(f.at, f.clock.Now())
	idx := f.calls
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	f.calls++
	return domain.StatusResponse{ID: chargeID.String(), Status: f.statuses[idx]}, nil
}

func (f *fetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type outcomes struct {
	paid     []Outcome
	failed   []Outcome
	errs     []error
	statuses []Outcome
}

func (o *outcomes) callbacks() Callbacks {
	return Callbacks{
		OnPaid: func(out Outcome) { o.paid = append(o.paid, out) },
		OnError: func(out Outcome, err error) {
			o.failed = append(o.failed, out)
			o.errs = append(o.errs, err)
		},
		OnStatus: func(out Outcome) { o.statuses = append(o.statuses, out) },
	}
}

func (o *outcomes) terminals() int {
	return len(o.paid) + len(o.errs)
}

type harness struct {
	clock   *clock.FakeClock
	start   time.Time
	dialer  *fakeDialer
	hub     *stream.Hub
	fetcher *fetcher
}

func newHarness(statuses ...domain.PaymentStatus) *harness {
	if len(statuses) == 0 {
		statuses = []domain.PaymentStatus{domain.StatusPending}
	}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(start)
	dialer := &fakeDialer{}
	return &harness{
		clock:   clk,
		start:   start,
		dialer:  dialer,
		hub:     stream.NewHub(dialer, nil, nil),
		fetcher: &fetcher{statuses: statuses, clock: clk},
	}
}

func (h *harness) tracker(o *outcomes) *Tracker {
	return New(h.hub, h.fetcher, h.clock, Config{}, o.callbacks(), nil, nil)
}

func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	assert.Equal(t, 0, h.clock.Pending(), "pending timers")
	assert.Equal(t, 0, h.hub.Connections(), "registered connections")
	assert.Equal(t, 0, h.dialer.openConns(), "open connections")
}

func TestSuccessViaStream(t *testing.T) {
	h := newHarness()
	var o outcomes
	tr := h.tracker(&o)

	require.NoError(t, tr.StartTracking("pay_1"))
	assert.Equal(t, StateStreaming, tr.State())
	assert.Equal(t, ConnectionStream, tr.ConnectionType())

	h.dialer.handler(t).OnOpen()
	h.clock.Advance(2 * time.Second)
	h.dialer.handler(t).OnMessage([]byte(`{"status":"RECEIVED"}`))

	require.Len(t, o.paid, 1)
	assert.Equal(t, domain.StatusReceived, o.paid[0].Status)
	assert.Equal(t, ConnectionStream, o.paid[0].Source)
	assert.Equal(t, StateDone, tr.State())
	assert.False(t, tr.IsTracking())
	assert.Equal(t, domain.StatusReceived, tr.CurrentStatus())
	assert.Equal(t, 0, h.fetcher.Calls())
	h.assertReleased(t)
}

func TestStreamFailureThenPollSuccess(t *testing.T) {
	h := newHarness(domain.StatusPending, domain.StatusConfirmed)
	var o outcomes
	tr := h.tracker(&o)

	require.NoError(t, tr.StartTracking("pay_1"))
	h.clock.Advance(time.Second)
	h.dialer.handler(t).OnError(domain.StateClosed, errors.New("connection refused"))

	assert.Equal(t, ConnectionPoll, tr.ConnectionType())
	assert.Equal(t, 0, h.fetcher.Calls())

	h.clock.Advance(time.Second)
	require.Equal(t, 1, h.fetcher.Calls())
	assert.Equal(t, 2*time.Second, h.fetcher.at[0].Sub(h.start))
	assert.Empty(t, o.paid)

	h.clock.Advance(5 * time.Second)
	require.Len(t, o.paid, 1)
	assert.Equal(t, domain.StatusConfirmed, o.paid[0].Status)
	assert.Equal(t, ConnectionPoll, o.paid[0].Source)
	assert.Equal(t, 7*time.Second, h.fetcher.at[1].Sub(h.start))
	assert.Equal(t, 2, tr.Attempts())
	h.assertReleased(t)
}

func TestTimeoutAfterPollCeiling(t *testing.T) {
	h := newHarness(domain.StatusPending)
	var o outcomes
	tr := h.tracker(&o)

	require.NoError(t, tr.StartTracking("pay_1"))
	h.clock.Advance(DefaultPromotionWindow)
	h.clock.Advance(5 * time.Minute)

	require.Len(t, o.errs, 1)
	assert.ErrorIs(t, o.errs[0], domain.ErrTrackingTimeout)
	assert.False(t, domain.IsPaymentFailure(o.errs[0]))
	assert.Equal(t, 60, h.fetcher.Calls())

	h.clock.Advance(time.Hour)
	assert.Equal(t, 60, h.fetcher.Calls())
	assert.Equal(t, 1, o.terminals())
	h.assertReleased(t)
}

func TestTerminalFailureViaPoll(t *testing.T) {
	h := newHarness(domain.StatusOverdue)
	var o outcomes
	tr := h.tracker(&o)

	require.NoError(t, tr.StartTracking("pay_1"))
	h.clock.Advance(DefaultPromotionWindow)

	require.Len(t, o.errs, 1)
	var failed *domain.PaymentFailedError
	require.ErrorAs(t, o.errs[0], &failed)
	assert.Equal(t, domain.StatusOverdue, failed.Status)
	assert.Contains(t, o.errs[0].Error(), "overdue")
	assert.Equal(t, domain.StatusOverdue, o.failed[0].Status)
	assert.Equal(t, domain.StatusOverdue, tr.CurrentStatus())
	h.assertReleased(t)
}

func TestTerminalFailureViaStreamDoesNotPromote(t *testing.T) {
	h := newHarness()
	var o outcomes
	tr := h.tracker(&o)

	require.NoError(t, tr.StartTracking("pay_1"))
	h.dialer.handler(t).OnOpen()
	h.dialer.handler(t).OnMessage([]byte(`{"status":"CANCELLED"}`))

	require.Len(t, o.errs, 1)
	assert.True(t, domain.IsPaymentFailure(o.errs[0]))
	assert.Equal(t, ConnectionStream, o.failed[0].Source)

	h.clock.Advance(time.Minute)
	assert.Equal(t, 0, h.fetcher.Calls())
	h.assertReleased(t)
}

func TestServerTimeoutFramePromotesToPolling(t *testing.T) {
	h := newHarness(domain.StatusReceived)
	var o outcomes
	tr := h.tracker(&o)

	require.NoError(t, tr.StartTracking("pay_1"))
	h.dialer.handler(t).OnOpen()
	h.dialer.handler(t).OnMessage([]byte(`{"timeout":true}`))
	assert.Equal(t, StatePolling, tr.State())
	assert.Empty(t, o.errs)

	h.clock.Advance(DefaultSettleDelay)
	require.Len(t, o.paid, 1)
	assert.Equal(t, ConnectionPoll, o.paid[0].Source)
	h.assertReleased(t)
}

func TestAtMostOnceDelivery(t *testing.T) {
	h := newHarness()
	var o outcomes
	tr := h.tracker(&o)

	require.NoError(t, tr.StartTracking("pay_1"))
	handler := h.dialer.handler(t)
	handler.OnOpen()
	handler.OnMessage([]byte(`{"status":"PENDING"}`))
	handler.OnMessage([]byte(`{"status":"CANCELLED"}`))
	handler.OnMessage([]byte(`{"status":"RECEIVED"}`))
	handler.OnError(domain.StateClosed, errors.New("late"))
	h.clock.Advance(time.Hour)

	assert.Equal(t, 1, o.terminals())
	require.Len(t, o.errs, 1)
	assert.True(t, domain.IsPaymentFailure(o.errs[0]))
	require.Len(t, o.statuses, 1)
	assert.Equal(t, domain.StatusPending, o.statuses[0].Status)
}

func TestStaleStreamAfterPromotionIsIgnored(t *testing.T) {
	h := newHarness(domain.StatusConfirmed)
	var o outcomes
	tr := h.tracker(&o)

	require.NoError(t, tr.StartTracking("pay_1"))
	stale := h.dialer.handler(t)
	h.clock.Advance(DefaultPromotionWindow)

	require.Len(t, o.paid, 1)
	stale.OnMessage([]byte(`{"status":"OVERDUE"}`))
	stale.OnError(domain.StateClosed, errors.New("closed"))

	assert.Equal(t, 1, o.terminals())
	assert.Equal(t, domain.StatusConfirmed, tr.CurrentStatus())
}

func TestNoDuplicateConnections(t *testing.T) {
	h := newHarness()
	var first, second outcomes
	a := h.tracker(&first)
	b := h.tracker(&second)

	require.NoError(t, a.StartTracking("pay_1"))
	require.NoError(t, b.StartTracking("pay_1"))

	assert.Equal(t, 1, h.dialer.dials())
	assert.Equal(t, 1, h.hub.Connections())

	h.dialer.handler(t).OnOpen()
	h.dialer.handler(t).OnMessage([]byte(`{"status":"CONFIRMED"}`))
	assert.Len(t, first.paid, 1)
	assert.Len(t, second.paid, 1)
	h.assertReleased(t)
}

func TestStopOneOfTwoKeepsSharedConnection(t *testing.T) {
	h := newHarness()
	var o outcomes
	a := h.tracker(&o)
	b := h.tracker(&o)

	require.NoError(t, a.StartTracking("pay_1"))
	require.NoError(t, b.StartTracking("pay_1"))
	a.StopTracking()
	assert.Equal(t, 1, h.hub.Connections())

	b.StopTracking()
	h.assertReleased(t)
}

func TestFallbackWhenStreamNeverConnects(t *testing.T) {
	h := newHarness()
	var o outcomes
	tr := h.tracker(&o)

	require.NoError(t, tr.StartTracking("pay_1"))
	h.clock.Advance(DefaultPromotionWindow - time.Millisecond)
	assert.Equal(t, ConnectionStream, tr.ConnectionType())
	assert.Equal(t, 0, h.fetcher.Calls())

	h.clock.Advance(time.Millisecond)
	assert.Equal(t, ConnectionPoll, tr.ConnectionType())
	assert.GreaterOrEqual(t, h.fetcher.Calls(), 1)
	assert.Equal(t, 0, h.hub.Connections())
	tr.StopTracking()
}

func TestConnectedStreamIsNotPromoted(t *testing.T) {
	h := newHarness()
	var o outcomes
	tr := h.tracker(&o)

	require.NoError(t, tr.StartTracking("pay_1"))
	h.dialer.handler(t).OnOpen()
	h.clock.Advance(time.Minute)

	assert.Equal(t, ConnectionStream, tr.ConnectionType())
	assert.Equal(t, 0, h.fetcher.Calls())
	tr.StopTracking()
	h.assertReleased(t)
}

func TestStopTrackingReleasesEverythingInAnyState(t *testing.T) {
	cases := map[string]func(t *testing.T, h *harness){
		"idle":      func(*testing.T, *harness) {},
		"streaming": func(*testing.T, *harness) {},
		"open": func(t *testing.T, h *harness) {
			h.dialer.handler(t).OnOpen()
		},
		"settling": func(t *testing.T, h *harness) {
			h.dialer.handler(t).OnError(domain.StateClosed, errors.New("down"))
		},
		"polling": func(_ *testing.T, h *harness) {
			h.clock.Advance(DefaultPromotionWindow)
		},
	}

	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness()
			var o outcomes
			tr := h.tracker(&o)
			if name != "idle" {
				require.NoError(t, tr.StartTracking("pay_1"))
			}
			setup(t, h)

			tr.StopTracking()
			tr.StopTracking()

			assert.False(t, tr.IsTracking())
			assert.Equal(t, StateIdle, tr.State())
			assert.Equal(t, ConnectionNone, tr.ConnectionType())
			h.assertReleased(t)

			calls := h.fetcher.Calls()
			h.clock.Advance(time.Hour)
			assert.Equal(t, calls, h.fetcher.Calls())
			assert.Equal(t, 0, o.terminals())
		})
	}
}

func TestStartWhileTrackingIsNoop(t *testing.T) {
	h := newHarness()
	var o outcomes
	tr := h.tracker(&o)

	require.NoError(t, tr.StartTracking("pay_1"))
	require.NoError(t, tr.StartTracking("pay_1"))
	assert.Equal(t, 1, h.dialer.dials())
	assert.Equal(t, 1, h.clock.Pending())
	tr.StopTracking()
}

func TestResetTrackingClearsCounters(t *testing.T) {
	h := newHarness()
	var o outcomes
	tr := h.tracker(&o)

	require.NoError(t, tr.StartTracking("pay_1"))
	h.clock.Advance(DefaultPromotionWindow + 6*time.Second)
	assert.Equal(t, 2, tr.Attempts())
	assert.Equal(t, domain.StatusPending, tr.CurrentStatus())

	tr.ResetTracking()
	assert.Equal(t, 0, tr.Attempts())
	assert.Equal(t, domain.PaymentStatus(""), tr.CurrentStatus())
	assert.Equal(t, domain.ChargeID(""), tr.ChargeID())
	assert.Equal(t, StateIdle, tr.State())
	h.assertReleased(t)
}

func TestStartTrackingRejectsEmptyChargeID(t *testing.T) {
	h := newHarness()
	var o outcomes
	tr := h.tracker(&o)
	assert.ErrorIs(t, tr.StartTracking(""), domain.ErrInvalidChargeID)
	assert.Equal(t, 0, h.dialer.dials())
}

func TestFactoryUsesCurrentTrackingConfig(t *testing.T) {
	h := newHarness()
	cfg := config.DefaultTrackingConfig()
	cfg.PromotionWindow = 3 * time.Second
	f := NewFactory(h.hub, h.fetcher, h.clock, config.StaticTrackingConfig(cfg), nil, nil)

	var o outcomes
	tr := f.New(o.callbacks())
	require.NoError(t, tr.StartTracking("pay_1"))
	h.clock.Advance(3 * time.Second)
	assert.Equal(t, ConnectionPoll, tr.ConnectionType())
	tr.StopTracking()
}
