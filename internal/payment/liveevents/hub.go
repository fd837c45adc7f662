// Package liveevents relays tracking observations to UI subscribers, keyed by charge.
package liveevents

import (
	"errors"
	"strings"
	"sync"
)

const (
	EventStatus  = "status"
	EventPaid    = "paid"
	EventFailed  = "failed"
	EventTimeout = "timeout"
)

const (
	DefaultBufferSize       = 20
	DefaultSubscriberBuffer = 8
)

var (
	ErrHubUnavailable  = errors.New("hub_unavailable")
	ErrInvalidChargeID = errors.New("invalid_charge_id")
)

type LiveEvent struct {
	ChargeID       string `json:"charge_id"`
	Type           string `json:"type"`
	Status         string `json:"status,omitempty"`
	ConnectionType string `json:"connection_type,omitempty"`
	Message        string `json:"message,omitempty"`
	MeetingLink    string `json:"meeting_link,omitempty"`
	ReceiptURL     string `json:"receipt_url,omitempty"`
	DocumentURL    string `json:"document_url,omitempty"`
	OccurredAt     string `json:"occurred_at"`
}

// Terminal reports whether no further events follow for the charge.
func (e LiveEvent) Terminal() bool {
	switch e.Type {
	case EventPaid, EventFailed, EventTimeout:
		return true
	default:
		return false
	}
}

// Hub keeps a bounded backlog per charge so a subscriber that arrives after
// the outcome still sees it. Slow subscribers drop events instead of blocking.
type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	bufferSize       int
	subscriberBuffer int
}

type stream struct {
	mu     sync.Mutex
	buffer []LiveEvent
	subs   map[uint64]chan LiveEvent
	nextID uint64
}

type Subscription struct {
	hub      *Hub
	chargeID string
	id       uint64
	ch       chan LiveEvent
	once     sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

// Publish appends to the charge backlog and fans out to subscribers. A full
// subscriber loses the event, except terminal ones, which evict the oldest
// queued event instead.
func (h *Hub) Publish(event LiveEvent) {
	if h == nil {
		return
	}
	id := strings.TrimSpace(event.ChargeID)
	if id == "" {
		return
	}

	s := h.acquire(id)
	defer h.mu.RUnlock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, event)
	if len(s.buffer) > h.bufferSize {
		s.buffer = s.buffer[len(s.buffer)-h.bufferSize:]
	}
	for _, ch := range s.subs {
		deliver(ch, event)
	}
}

func deliver(ch chan LiveEvent, event LiveEvent) {
	for {
		select {
		case ch <- event:
			return
		default:
		}
		if !event.Terminal() {
			return
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe returns a live subscription and the backlog published so far.
func (h *Hub) Subscribe(chargeID string) (*Subscription, []LiveEvent, error) {
	if h == nil {
		return nil, nil, ErrHubUnavailable
	}
	id := strings.TrimSpace(chargeID)
	if id == "" {
		return nil, nil, ErrInvalidChargeID
	}

	s := h.acquire(id)
	subID := s.nextID
	s.nextID++
	ch := make(chan LiveEvent, h.subscriberBuffer)
	s.subs[subID] = ch
	backlog := append([]LiveEvent(nil), s.buffer...)
	s.mu.Unlock()
	h.mu.RUnlock()

	return &Subscription{hub: h, chargeID: id, id: subID, ch: ch}, backlog, nil
}

// HasBacklog reports whether events were published for the charge and not yet forgotten.
func (h *Hub) HasBacklog(chargeID string) bool {
	if h == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := h.streams[strings.TrimSpace(chargeID)]
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer) > 0
}

// Forget drops the backlog for a charge once nobody is subscribed.
func (h *Hub) Forget(chargeID string) {
	if h == nil {
		return
	}
	id := strings.TrimSpace(chargeID)

	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.streams[id]
	if s == nil {
		return
	}
	s.mu.Lock()
	idle := len(s.subs) == 0
	if !idle {
		s.buffer = nil
	}
	s.mu.Unlock()
	if idle {
		delete(h.streams, id)
	}
}

// Streams returns the number of charges with a backlog or subscribers.
func (h *Hub) Streams() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

// acquire returns the stream for chargeID, creating it when missing. It
// returns with h.mu read-locked and the stream locked; callers release both.
func (h *Hub) acquire(chargeID string) *stream {
	for {
		h.mu.RLock()
		if current := h.streams[chargeID]; current != nil {
			current.mu.Lock()
			return current
		}
		h.mu.RUnlock()

		h.mu.Lock()
		if h.streams[chargeID] == nil {
			h.streams[chargeID] = &stream{subs: make(map[uint64]chan LiveEvent)}
		}
		h.mu.Unlock()
	}
}

// unsubscribe removes the subscriber and drops the stream once it holds
// neither subscribers nor backlog.
func (h *Hub) unsubscribe(chargeID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.streams[chargeID]
	if s == nil {
		return
	}

	s.mu.Lock()
	delete(s.subs, id)
	empty := len(s.subs) == 0 && len(s.buffer) == 0
	s.mu.Unlock()
	if empty {
		delete(h.streams, chargeID)
	}
}

func (s *Subscription) Events() <-chan LiveEvent {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.chargeID, s.id)
	})
}
