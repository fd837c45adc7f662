package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/pixwatch/internal/clock"
	"github.com/smallbiznis/pixwatch/internal/config"
	"github.com/smallbiznis/pixwatch/internal/payment/domain"
	"github.com/smallbiznis/pixwatch/internal/payment/liveevents"
	"github.com/smallbiznis/pixwatch/internal/payment/stream"
	"github.com/smallbiznis/pixwatch/internal/payment/tracker"
	"github.com/smallbiznis/pixwatch/internal/ratelimit"
	"github.com/smallbiznis/pixwatch/internal/record/reconciler"
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
	handlers map[domain.ChargeID]domain.StreamHandler
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(chargeID domain.ChargeID, handler domain.StreamHandler) (domain.StreamConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = make(map[domain.ChargeID]domain.StreamHandler)
	}
	conn := &fakeConn{}
	d.handlers[chargeID] = handler
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) handler(t *testing.T, chargeID domain.ChargeID) domain.StreamHandler {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handlers[chargeID]
	require.True(t, ok, "no dial for %s", chargeID)
	return h
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
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

type pendingFetcher struct{}

func (pendingFetcher) FetchStatus(_ context.Context, chargeID domain.ChargeID) (domain.StatusResponse, error) {
	return domain.StatusResponse{ID: chargeID.String(), Status: domain.StatusPending}, nil
}

type reconcileCall struct {
	ChargeID domain.ChargeID
	Status   domain.PaymentStatus
	Extras   domain.Extras
}

type fakeReconciler struct {
	mu    sync.Mutex
	calls []reconcileCall
}

func (r *fakeReconciler) OnPaymentConfirmed(_ context.Context, chargeID domain.ChargeID, status domain.PaymentStatus, extras domain.Extras) (reconciler.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, reconcileCall{ChargeID: chargeID, Status: status, Extras: extras})
	return reconciler.ResultUpdated, nil
}

func (r *fakeReconciler) Calls() []reconcileCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reconcileCall(nil), r.calls...)
}

type fakeConfirmer struct {
	resp   domain.StatusResponse
	err    error
	during func()
	calls  int
}

func (c *fakeConfirmer) RequestManualConfirmation(_ context.Context, chargeID domain.ChargeID) (domain.StatusResponse, error) {
	c.calls++
	if c.during != nil {
		c.during()
	}
	resp := c.resp
	resp.ID = chargeID.String()
	return resp, c.err
}

type harness struct {
	clock      *clock.FakeClock
	dialer     *fakeDialer
	hub        *stream.Hub
	events     *liveevents.Hub
	reconciler *fakeReconciler
	confirmer  *fakeConfirmer
	manager    *Manager
}

func newHarness(t *testing.T, tracking config.TrackingConfig) *harness {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	dialer := &fakeDialer{}
	hub := stream.NewHub(dialer, nil, nil)
	h := &harness{
		clock:      clk,
		dialer:     dialer,
		hub:        hub,
		events:     liveevents.NewHub(),
		reconciler: &fakeReconciler{},
		confirmer:  &fakeConfirmer{},
	}
	h.manager = New(Params{
		Factory:    tracker.NewFactory(hub, pendingFetcher{}, clk, config.StaticTrackingConfig(tracking), nil, nil),
		Events:     h.events,
		Reconciler: h.reconciler,
		Confirmer:  h.confirmer,
		Lock:       ratelimit.NewPaymentGuard(config.Config{}, nil, clk),
		Clock:      clk,
	})
	t.Cleanup(h.manager.Shutdown)
	return h
}

func (h *harness) backlog(t *testing.T, chargeID string) []liveevents.LiveEvent {
	t.Helper()
	sub, backlog, err := h.events.Subscribe(chargeID)
	require.NoError(t, err)
	sub.Close()
	return backlog
}

func TestWatchPaidViaStream(t *testing.T) {
	h := newHarness(t, config.TrackingConfig{})
	ctx := context.Background()

	snap, err := h.manager.Watch(ctx, "pay_1")
	require.NoError(t, err)
	assert.True(t, snap.Tracking)
	assert.Equal(t, "streaming", snap.State)
	assert.Equal(t, "stream", snap.ConnectionType)

	handler := h.dialer.handler(t, "pay_1")
	handler.OnOpen()
	handler.OnMessage([]byte(`{"status":"CONFIRMED","meetingLink":"https://meet.example/abc"}`))

	calls := h.reconciler.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.StatusConfirmed, calls[0].Status)
	assert.Equal(t, "https://meet.example/abc", calls[0].Extras.MeetingLink)

	backlog := h.backlog(t, "pay_1")
	require.NotEmpty(t, backlog)
	last := backlog[len(backlog)-1]
	assert.Equal(t, liveevents.EventPaid, last.Type)
	assert.Equal(t, "CONFIRMED", last.Status)
	assert.Equal(t, "https://meet.example/abc", last.MeetingLink)

	snap, err = h.manager.Snapshot("pay_1")
	require.NoError(t, err)
	assert.False(t, snap.Tracking)
	assert.Equal(t, "done", snap.State)
	assert.Equal(t, "CONFIRMED", snap.Status)
	assert.Equal(t, 0, h.dialer.openConns())

	h.clock.Advance(DefaultRetention)
	assert.Equal(t, 0, h.manager.Sessions())
	assert.Equal(t, 0, h.events.Streams())
	_, err = h.manager.Snapshot("pay_1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestWatchReusesSession(t *testing.T) {
	h := newHarness(t, config.TrackingConfig{})
	ctx := context.Background()

	_, err := h.manager.Watch(ctx, "pay_1")
	require.NoError(t, err)
	_, err = h.manager.Watch(ctx, "pay_1")
	require.NoError(t, err)

	assert.Equal(t, 1, h.dialer.dials())
	assert.Equal(t, 1, h.manager.Sessions())
}

func TestWatchFailureIsReconciled(t *testing.T) {
	h := newHarness(t, config.TrackingConfig{})

	_, err := h.manager.Watch(context.Background(), "pay_1")
	require.NoError(t, err)
	h.dialer.handler(t, "pay_1").OnMessage([]byte(`{"status":"OVERDUE"}`))

	calls := h.reconciler.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.StatusOverdue, calls[0].Status)

	backlog := h.backlog(t, "pay_1")
	require.NotEmpty(t, backlog)
	last := backlog[len(backlog)-1]
	assert.Equal(t, liveevents.EventFailed, last.Type)
	assert.Contains(t, last.Message, "overdue")
}

func TestWatchTimeoutIsNotReconciled(t *testing.T) {
	h := newHarness(t, config.TrackingConfig{MaxPollAttempts: 2})

	_, err := h.manager.Watch(context.Background(), "pay_1")
	require.NoError(t, err)
	h.dialer.handler(t, "pay_1").OnError(domain.StateClosed, errors.New("connection refused"))

	snap, err := h.manager.Snapshot("pay_1")
	require.NoError(t, err)
	assert.Equal(t, "poll", snap.ConnectionType)

	h.clock.Advance(time.Minute)

	assert.Empty(t, h.reconciler.Calls())
	backlog := h.backlog(t, "pay_1")
	require.NotEmpty(t, backlog)
	assert.Equal(t, liveevents.EventTimeout, backlog[len(backlog)-1].Type)

	snap, err = h.manager.Snapshot("pay_1")
	require.NoError(t, err)
	assert.Equal(t, "done", snap.State)
	assert.Equal(t, 2, snap.Attempts)
}

func TestStopReleasesSession(t *testing.T) {
	h := newHarness(t, config.TrackingConfig{})

	_, err := h.manager.Watch(context.Background(), "pay_1")
	require.NoError(t, err)
	assert.True(t, h.manager.Stop("pay_1"))
	assert.False(t, h.manager.Stop("pay_1"))

	assert.Equal(t, 0, h.manager.Sessions())
	assert.Equal(t, 0, h.dialer.openConns())
	assert.Equal(t, 0, h.hub.Connections())
	assert.Equal(t, 0, h.clock.Pending())
	_, err = h.manager.Snapshot("pay_1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestResetStartsFreshSession(t *testing.T) {
	h := newHarness(t, config.TrackingConfig{})
	ctx := context.Background()

	_, err := h.manager.Watch(ctx, "pay_1")
	require.NoError(t, err)
	h.dialer.handler(t, "pay_1").OnError(domain.StateClosed, errors.New("boom"))
	h.clock.Advance(6 * time.Second)

	snap, err := h.manager.Reset(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, 2, h.dialer.dials())
	assert.Equal(t, "streaming", snap.State)
	assert.Equal(t, 0, snap.Attempts)
	assert.Empty(t, snap.Status)
	assert.Equal(t, 1, h.manager.Sessions())
}

func TestShutdownStopsEverything(t *testing.T) {
	h := newHarness(t, config.TrackingConfig{})
	ctx := context.Background()

	_, err := h.manager.Watch(ctx, "pay_1")
	require.NoError(t, err)
	_, err = h.manager.Watch(ctx, "pay_2")
	require.NoError(t, err)

	h.manager.Shutdown()
	assert.Equal(t, 0, h.manager.Sessions())
	assert.Equal(t, 0, h.dialer.openConns())
	assert.Equal(t, 0, h.clock.Pending())

	_, err = h.manager.Watch(ctx, "pay_3")
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestWatchRejectsEmptyChargeID(t *testing.T) {
	h := newHarness(t, config.TrackingConfig{})
	_, err := h.manager.Watch(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrInvalidChargeID)
	_, err = h.manager.ConfirmManually(context.Background(), "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidChargeID)
}

func TestConfirmManuallyReconcilesWithoutSession(t *testing.T) {
	h := newHarness(t, config.TrackingConfig{})
	h.confirmer.resp = domain.StatusResponse{
		Status: domain.StatusReceived,
		Extras: domain.Extras{ReceiptURL: "https://receipts.example/1"},
	}

	res, err := h.manager.ConfirmManually(context.Background(), "pay_1")
	require.NoError(t, err)
	assert.Equal(t, ConfirmResultPaid, res.Result)
	assert.Equal(t, string(reconciler.ResultUpdated), res.Reconciled)

	calls := h.reconciler.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "https://receipts.example/1", calls[0].Extras.ReceiptURL)
}

func TestConfirmManuallyLeavesRunningSessionAlone(t *testing.T) {
	h := newHarness(t, config.TrackingConfig{})
	h.confirmer.resp = domain.StatusResponse{Status: domain.StatusConfirmed}

	_, err := h.manager.Watch(context.Background(), "pay_1")
	require.NoError(t, err)

	res, err := h.manager.ConfirmManually(context.Background(), "pay_1")
	require.NoError(t, err)
	assert.Equal(t, ConfirmResultPaid, res.Result)
	assert.Empty(t, res.Reconciled)
	assert.Empty(t, h.reconciler.Calls())
}

func TestConfirmManuallyPending(t *testing.T) {
	h := newHarness(t, config.TrackingConfig{})
	h.confirmer.resp = domain.StatusResponse{Status: domain.StatusPending}

	res, err := h.manager.ConfirmManually(context.Background(), "pay_1")
	require.NoError(t, err)
	assert.Equal(t, ConfirmResultPending, res.Result)
	assert.Empty(t, h.reconciler.Calls())
}

func TestConfirmManuallyRejectsConcurrentRequest(t *testing.T) {
	h := newHarness(t, config.TrackingConfig{})
	h.confirmer.resp = domain.StatusResponse{Status: domain.StatusPending}

	var nestedErr error
	h.confirmer.during = func() {
		_, nestedErr = h.manager.ConfirmManually(context.Background(), "pay_1")
	}

	_, err := h.manager.ConfirmManually(context.Background(), "pay_1")
	require.NoError(t, err)
	assert.ErrorIs(t, nestedErr, ErrConfirmationInFlight)
	assert.Equal(t, 1, h.confirmer.calls)

	h.confirmer.during = nil
	_, err = h.manager.ConfirmManually(context.Background(), "pay_1")
	require.NoError(t, err, "lock is released after the first request")
}

func TestConfirmManuallyGatewayError(t *testing.T) {
	h := newHarness(t, config.TrackingConfig{})
	boom := errors.New("upstream down")
	h.confirmer.err = boom

	_, err := h.manager.ConfirmManually(context.Background(), "pay_1")
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, h.reconciler.Calls())
}
