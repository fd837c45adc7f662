// Package stream follows a charge over the processor's push channel. One
// physical connection per charge is shared by every client watching it.
package stream

import (
	"sync"

	"github.com/smallbiznis/pixwatch/internal/observability/metrics"
	"github.com/smallbiznis/pixwatch/internal/payment/connregistry"
	"github.com/smallbiznis/pixwatch/internal/payment/domain"
	"go.uber.org/zap"
)

// listener receives events from a shared connection. Calls arrive without
// any hub or connection lock held.
type listener interface {
	onOpen()
	onConnecting(err error)
	onFrame(frame domain.Frame)
	onClosed(err error)
}

// Hub owns the process-wide registry of shared connections.
type Hub struct {
	dialer   domain.StreamDialer
	registry *connregistry.Registry[*sharedConn]
	log      *zap.Logger
	metrics  *metrics.TrackingMetrics

	// mu serializes get-or-create so two attachers never dial the same charge.
	mu sync.Mutex
}

func NewHub(dialer domain.StreamDialer, log *zap.Logger, m *metrics.TrackingMetrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		dialer:   dialer,
		registry: connregistry.New[*sharedConn](),
		log:      log.Named("stream"),
		metrics:  m,
	}
}

// Connections returns the number of live shared connections.
func (h *Hub) Connections() int {
	return h.registry.Len()
}

func (h *Hub) attach(chargeID domain.ChargeID, l listener) *subscription {
	h.mu.Lock()
	if existing, ok := h.registry.Get(chargeID); ok {
		if sub, open, ok := existing.add(l); ok {
			h.mu.Unlock()
			h.metrics.IncStreamConnection(metrics.StreamModeReused)
			h.log.Debug("stream.reused", zap.String("charge_id", chargeID.String()))
			if open {
				l.onOpen()
			}
			return sub
		}
	}

	sc := &sharedConn{hub: h, chargeID: chargeID, listeners: make(map[uint64]listener)}
	sub, _, _ := sc.add(l)
	h.registry.Set(chargeID, sc)
	h.mu.Unlock()

	h.metrics.IncStreamConnection(metrics.StreamModeDialed)
	h.log.Debug("stream.dialing", zap.String("charge_id", chargeID.String()))

	conn, err := h.dialer.Dial(chargeID, sc)
	if err != nil {
		sc.OnError(domain.StateClosed, err)
		return sub
	}
	sc.setConn(conn)
	return sub
}

func (h *Hub) forget(sc *sharedConn) {
	h.registry.CompareAndDelete(sc.chargeID, func(current *sharedConn) bool {
		return current == sc
	})
}

// sharedConn is the single physical connection for a charge. It implements
// domain.StreamHandler and fans decoded frames out to its listeners.
type sharedConn struct {
	hub      *Hub
	chargeID domain.ChargeID

	mu        sync.Mutex
	conn      domain.StreamConn
	open      bool
	closed    bool
	seq       uint64
	listeners map[uint64]listener
}

type subscription struct {
	sc   *sharedConn
	id   uint64
	once sync.Once
}

// Close detaches the listener. The last listener out closes the connection.
func (s *subscription) Close() {
	s.once.Do(func() {
		s.sc.remove(s.id)
	})
}

func (sc *sharedConn) add(l listener) (*subscription, bool, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return nil, false, false
	}
	sc.seq++
	sc.listeners[sc.seq] = l
	return &subscription{sc: sc, id: sc.seq}, sc.open, true
}

func (sc *sharedConn) remove(id uint64) {
	sc.mu.Lock()
	if _, ok := sc.listeners[id]; !ok {
		sc.mu.Unlock()
		return
	}
	delete(sc.listeners, id)
	if len(sc.listeners) > 0 || sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = true
	conn := sc.conn
	sc.mu.Unlock()

	sc.hub.forget(sc)
	if conn != nil {
		if err := conn.Close(); err != nil {
			sc.hub.log.Warn("stream.close_failed", zap.String("charge_id", sc.chargeID.String()), zap.Error(err))
		}
	}
	sc.hub.log.Debug("stream.released", zap.String("charge_id", sc.chargeID.String()))
}

// setConn records the dialed connection. A connection that finished dialing
// after every listener left is closed immediately.
func (sc *sharedConn) setConn(conn domain.StreamConn) {
	sc.mu.Lock()
	if !sc.closed {
		sc.conn = conn
		sc.mu.Unlock()
		return
	}
	sc.mu.Unlock()
	_ = conn.Close()
}

func (sc *sharedConn) snapshotLocked() []listener {
	out := make([]listener, 0, len(sc.listeners))
	for id := uint64(1); id <= sc.seq; id++ {
		if l, ok := sc.listeners[id]; ok {
			out = append(out, l)
		}
	}
	return out
}

func (sc *sharedConn) OnOpen() {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.open = true
	targets := sc.snapshotLocked()
	sc.mu.Unlock()

	for _, l := range targets {
		l.onOpen()
	}
}

func (sc *sharedConn) OnMessage(data []byte) {
	frame := domain.DecodeFrame(data)
	switch frame.Kind {
	case domain.FrameHeartbeat:
		return
	case domain.FrameUnknown:
		sc.hub.log.Debug("stream.frame_ignored", zap.String("charge_id", sc.chargeID.String()))
		return
	}

	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	targets := sc.snapshotLocked()
	sc.mu.Unlock()

	for _, l := range targets {
		l.onFrame(frame)
	}
}

func (sc *sharedConn) OnError(state domain.ReadyState, err error) {
	if state != domain.StateClosed {
		sc.mu.Lock()
		if sc.closed {
			sc.mu.Unlock()
			return
		}
		sc.open = false
		targets := sc.snapshotLocked()
		sc.mu.Unlock()

		sc.hub.log.Info("stream.reconnecting", zap.String("charge_id", sc.chargeID.String()), zap.Error(err))
		for _, l := range targets {
			l.onConnecting(err)
		}
		return
	}

	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = true
	sc.open = false
	conn := sc.conn
	targets := sc.snapshotLocked()
	sc.listeners = make(map[uint64]listener)
	sc.mu.Unlock()

	sc.hub.forget(sc)
	if conn != nil {
		_ = conn.Close()
	}
	sc.hub.log.Warn("stream.closed", zap.String("charge_id", sc.chargeID.String()), zap.Error(err))
	for _, l := range targets {
		l.onClosed(err)
	}
}

var _ domain.StreamHandler = (*sharedConn)(nil)
