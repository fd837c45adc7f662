// Package watch owns the tracking sessions the BFF runs on behalf of the UI,
// one per charge, and routes their outcomes to the live-event relay and the
// local records.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/pixwatch/internal/clock"
	"github.com/smallbiznis/pixwatch/internal/observability/metrics"
	"github.com/smallbiznis/pixwatch/internal/payment/domain"
	"github.com/smallbiznis/pixwatch/internal/payment/liveevents"
	"github.com/smallbiznis/pixwatch/internal/payment/tracker"
	"github.com/smallbiznis/pixwatch/internal/record/reconciler"
	"go.uber.org/zap"
)

// DefaultRetention is how long a finished session and its event backlog stay
// visible to late subscribers.
const DefaultRetention = 10 * time.Minute

const (
	ConfirmResultPaid    = "paid"
	ConfirmResultFailed  = "failed"
	ConfirmResultPending = "pending"
	ConfirmResultBusy    = "busy"
	ConfirmResultError   = "error"
)

var (
	ErrManagerClosed        = errors.New("watch_manager_closed")
	ErrSessionNotFound      = errors.New("watch_session_not_found")
	ErrConfirmationInFlight = errors.New("confirmation_in_flight")
)

type Reconciler interface {
	OnPaymentConfirmed(ctx context.Context, chargeID domain.ChargeID, status domain.PaymentStatus, extras domain.Extras) (reconciler.Result, error)
}

type Confirmer interface {
	RequestManualConfirmation(ctx context.Context, chargeID domain.ChargeID) (domain.StatusResponse, error)
}

type ConfirmationLock interface {
	TryLockConfirmation(ctx context.Context, chargeID string) (string, bool, error)
	ReleaseConfirmation(ctx context.Context, chargeID, token string) error
}

type TrackerFactory interface {
	New(cb tracker.Callbacks) *tracker.Tracker
}

// Snapshot is the UI-facing view of one session.
type Snapshot struct {
	ChargeID       string `json:"charge_id"`
	Tracking       bool   `json:"tracking"`
	Status         string `json:"status,omitempty"`
	ConnectionType string `json:"connection_type"`
	Attempts       int    `json:"attempts"`
	State          string `json:"state"`
	StartedAt      string `json:"started_at"`
}

type ConfirmResult struct {
	ChargeID   string `json:"charge_id"`
	Status     string `json:"status,omitempty"`
	Result     string `json:"result"`
	Reconciled string `json:"reconciled,omitempty"`
}

type Params struct {
	Factory    TrackerFactory
	Events     *liveevents.Hub
	Reconciler Reconciler
	Confirmer  Confirmer
	Lock       ConfirmationLock
	Clock      clock.Clock
	Log        *zap.Logger
	Metrics    *metrics.Metrics
	Retention  time.Duration
}

type Manager struct {
	factory    TrackerFactory
	events     *liveevents.Hub
	reconciler Reconciler
	confirmer  Confirmer
	lock       ConfirmationLock
	clock      clock.Clock
	log        *zap.Logger
	metrics    *metrics.Metrics
	retention  time.Duration

	mu       sync.Mutex
	sessions map[domain.ChargeID]*session
	closed   bool
}

type session struct {
	chargeID  domain.ChargeID
	tracker   *tracker.Tracker
	startedAt time.Time
	expiry    clock.Timer
}

func New(p Params) *Manager {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	retention := p.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{
		factory:    p.Factory,
		events:     p.Events,
		reconciler: p.Reconciler,
		confirmer:  p.Confirmer,
		lock:       p.Lock,
		clock:      clk,
		log:        log.Named("watch"),
		metrics:    p.Metrics,
		retention:  retention,
		sessions:   make(map[domain.ChargeID]*session),
	}
}

// Watch starts tracking chargeID unless a session for it already exists.
func (m *Manager) Watch(ctx context.Context, chargeID domain.ChargeID) (Snapshot, error) {
	if !chargeID.Valid() {
		return Snapshot{}, domain.ErrInvalidChargeID
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Snapshot{}, ErrManagerClosed
	}
	if s, ok := m.sessions[chargeID]; ok {
		m.mu.Unlock()
		return s.snapshot(), nil
	}
	s := &session{chargeID: chargeID, startedAt: m.clock.Now()}
	s.tracker = m.factory.New(m.callbacks(s))
	m.sessions[chargeID] = s
	m.mu.Unlock()

	if err := s.tracker.StartTracking(chargeID); err != nil {
		m.drop(s)
		return Snapshot{}, err
	}
	m.log.Debug("watch.started", zap.String("charge_id", chargeID.String()))
	return s.snapshot(), nil
}

func (m *Manager) Snapshot(chargeID domain.ChargeID) (Snapshot, error) {
	m.mu.Lock()
	s, ok := m.sessions[chargeID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	return s.snapshot(), nil
}

// Stop tears down the session and its event backlog. It reports whether a
// session existed.
func (m *Manager) Stop(chargeID domain.ChargeID) bool {
	m.mu.Lock()
	s, ok := m.sessions[chargeID]
	if ok {
		delete(m.sessions, chargeID)
		s.stopExpiryLocked()
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	s.tracker.StopTracking()
	m.events.Forget(chargeID.String())
	m.log.Debug("watch.stopped", zap.String("charge_id", chargeID.String()))
	return true
}

// Reset discards any existing session for chargeID and starts a fresh one.
func (m *Manager) Reset(ctx context.Context, chargeID domain.ChargeID) (Snapshot, error) {
	if !chargeID.Valid() {
		return Snapshot{}, domain.ErrInvalidChargeID
	}

	m.mu.Lock()
	s, ok := m.sessions[chargeID]
	if ok {
		delete(m.sessions, chargeID)
		s.stopExpiryLocked()
	}
	m.mu.Unlock()

	if ok {
		s.tracker.ResetTracking()
	}
	m.events.Forget(chargeID.String())
	return m.Watch(ctx, chargeID)
}

// Shutdown stops every session. Later Watch calls fail with ErrManagerClosed.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for id, s := range m.sessions {
		s.stopExpiryLocked()
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.tracker.StopTracking()
	}
	if len(sessions) > 0 {
		m.log.Info("watch.shutdown", zap.Int("sessions", len(sessions)))
	}
}

func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ConfirmManually asks the backend to re-check a charge. Concurrent requests
// for the same charge are rejected with ErrConfirmationInFlight. A terminal
// answer is reconciled directly when no session is tracking the charge.
func (m *Manager) ConfirmManually(ctx context.Context, chargeID domain.ChargeID) (ConfirmResult, error) {
	if !chargeID.Valid() {
		return ConfirmResult{}, domain.ErrInvalidChargeID
	}
	log := m.log.With(zap.String("charge_id", chargeID.String()))

	token, ok, err := m.lock.TryLockConfirmation(ctx, chargeID.String())
	if err != nil {
		m.metrics.RecordManualConfirmation(ctx, ConfirmResultError)
		return ConfirmResult{}, fmt.Errorf("lock confirmation: %w", err)
	}
	if !ok {
		m.metrics.RecordManualConfirmation(ctx, ConfirmResultBusy)
		return ConfirmResult{}, ErrConfirmationInFlight
	}
	defer func() {
		if err := m.lock.ReleaseConfirmation(context.WithoutCancel(ctx), chargeID.String(), token); err != nil {
			log.Warn("confirm.unlock_failed", zap.Error(err))
		}
	}()

	resp, err := m.confirmer.RequestManualConfirmation(ctx, chargeID)
	if err != nil {
		m.metrics.RecordManualConfirmation(ctx, ConfirmResultError)
		return ConfirmResult{}, err
	}

	result := ConfirmResult{ChargeID: chargeID.String(), Status: string(resp.Status), Result: ConfirmResultPending}
	switch {
	case resp.Status.IsPaid():
		result.Result = ConfirmResultPaid
	case resp.Status.IsFailure():
		result.Result = ConfirmResultFailed
	}
	m.metrics.RecordManualConfirmation(ctx, result.Result)

	if !resp.Status.IsTerminal() || m.tracking(chargeID) {
		return result, nil
	}

	reconciled, err := m.reconciler.OnPaymentConfirmed(ctx, chargeID, resp.Status, resp.Extras)
	if err != nil {
		log.Warn("confirm.reconcile_failed", zap.Error(err))
		return result, nil
	}
	result.Reconciled = string(reconciled)
	log.Info("confirm.reconciled",
		zap.String("status", string(resp.Status)),
		zap.String("result", string(reconciled)),
	)
	return result, nil
}

func (m *Manager) tracking(chargeID domain.ChargeID) bool {
	m.mu.Lock()
	s, ok := m.sessions[chargeID]
	m.mu.Unlock()
	return ok && s.tracker.IsTracking()
}

func (m *Manager) callbacks(s *session) tracker.Callbacks {
	return tracker.Callbacks{
		OnStatus: func(o tracker.Outcome) {
			m.publish(o, liveevents.EventStatus, "")
		},
		OnPaid: func(o tracker.Outcome) {
			m.publish(o, liveevents.EventPaid, "")
			m.metrics.RecordPaymentOutcome(context.Background(), metrics.OutcomePaid, string(o.Status))
			m.reconcile(o)
			m.retire(s)
		},
		OnError: func(o tracker.Outcome, err error) {
			if errors.Is(err, domain.ErrTrackingTimeout) {
				m.publish(o, liveevents.EventTimeout, err.Error())
				m.metrics.RecordPaymentOutcome(context.Background(), metrics.OutcomeTimeout, string(o.Status))
				m.retire(s)
				return
			}
			m.publish(o, liveevents.EventFailed, err.Error())
			m.metrics.RecordPaymentOutcome(context.Background(), metrics.OutcomeFailed, string(o.Status))
			m.reconcile(o)
			m.retire(s)
		},
	}
}

func (m *Manager) publish(o tracker.Outcome, eventType, message string) {
	m.events.Publish(liveevents.LiveEvent{
		ChargeID:       o.ChargeID.String(),
		Type:           eventType,
		Status:         string(o.Status),
		ConnectionType: string(o.Source),
		Message:        message,
		MeetingLink:    o.Extras.MeetingLink,
		ReceiptURL:     o.Extras.ReceiptURL,
		DocumentURL:    o.Extras.DocumentURL,
		OccurredAt:     m.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (m *Manager) reconcile(o tracker.Outcome) {
	if m.reconciler == nil || !o.Status.IsTerminal() {
		return
	}
	if _, err := m.reconciler.OnPaymentConfirmed(context.Background(), o.ChargeID, o.Status, o.Extras); err != nil {
		m.log.Warn("watch.reconcile_failed",
			zap.String("charge_id", o.ChargeID.String()),
			zap.Error(err),
		)
	}
}

// retire keeps a finished session visible until the retention period ends.
func (m *Manager) retire(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.chargeID] != s || m.closed {
		return
	}
	s.stopExpiryLocked()
	s.expiry = m.clock.AfterFunc(m.retention, func() { m.expire(s) })
}

func (m *Manager) expire(s *session) {
	m.mu.Lock()
	if m.sessions[s.chargeID] != s {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.chargeID)
	s.expiry = nil
	m.mu.Unlock()

	m.events.Forget(s.chargeID.String())
	m.log.Debug("watch.expired", zap.String("charge_id", s.chargeID.String()))
}

func (m *Manager) drop(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.chargeID] == s {
		delete(m.sessions, s.chargeID)
	}
}

func (s *session) stopExpiryLocked() {
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
}

func (s *session) snapshot() Snapshot {
	status := s.tracker.CurrentStatus()
	return Snapshot{
		ChargeID:       s.chargeID.String(),
		Tracking:       s.tracker.IsTracking(),
		Status:         string(status),
		ConnectionType: string(s.tracker.ConnectionType()),
		Attempts:       s.tracker.Attempts(),
		State:          s.tracker.State().String(),
		StartedAt:      s.startedAt.UTC().Format(time.RFC3339),
	}
}
