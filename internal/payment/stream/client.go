package stream

import (
	"fmt"
	"sync"

	"github.com/smallbiznis/pixwatch/internal/payment/domain"
	"go.uber.org/zap"
)

// Callbacks are invoked without any client lock held and never after Disconnect.
type Callbacks struct {
	OnSuccess func(domain.Update)
	// OnError receives *domain.PaymentFailedError for terminal failures and
	// a transport error (ErrStreamClosed, ErrStreamTimeout, StreamServerError)
	// when the stream can no longer be trusted.
	OnError func(error)
	// OnStatus reports non-terminal status frames.
	OnStatus func(domain.Update)
}

// Client watches one charge through the hub's shared connection.
type Client struct {
	hub      *Hub
	chargeID domain.ChargeID
	cb       Callbacks
	log      *zap.Logger

	mu        sync.Mutex
	mounted   bool
	connected bool
	gen       uint64
	status    domain.PaymentStatus
	sub       *subscription
}

func NewClient(hub *Hub, chargeID domain.ChargeID, cb Callbacks) *Client {
	return &Client{
		hub:      hub,
		chargeID: chargeID,
		cb:       cb,
		log:      hub.log.With(zap.String("charge_id", chargeID.String())),
	}
}

// Connect attaches to the shared connection for the charge, dialing one if
// none exists. Calling Connect while connected is a no-op.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return
	}
	c.mounted = true
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	sub := c.hub.attach(c.chargeID, &clientListener{client: c, gen: gen})

	c.mu.Lock()
	if !c.mounted || c.gen != gen {
		c.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		return
	}
	c.sub = sub
	c.mu.Unlock()
}

// Disconnect detaches from the shared connection. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	sub := c.unmountLocked()
	c.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (c *Client) unmountLocked() *subscription {
	if !c.mounted {
		return nil
	}
	c.mounted = false
	c.connected = false
	c.gen++
	sub := c.sub
	c.sub = nil
	return sub
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) CurrentStatus() domain.PaymentStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) handleOpen(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || !c.mounted {
		return
	}
	c.connected = true
}

func (c *Client) handleConnecting(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || !c.mounted {
		return
	}
	c.connected = false
}

func (c *Client) handleFrame(gen uint64, frame domain.Frame) {
	c.mu.Lock()
	if c.gen != gen || !c.mounted {
		c.mu.Unlock()
		return
	}

	update := domain.Update{ChargeID: c.chargeID, Status: frame.Status, Extras: frame.Extras}
	var (
		terminal func()
		sub      *subscription
	)
	switch frame.Kind {
	case domain.FrameStatus:
		c.status = frame.Status
		switch {
		case frame.Status.IsPaid():
			sub = c.unmountLocked()
			terminal = func() { c.emitSuccess(update) }
		case frame.Status.IsFailure():
			sub = c.unmountLocked()
			err := &domain.PaymentFailedError{ChargeID: c.chargeID, Status: frame.Status}
			terminal = func() { c.emitError(err) }
		}
	case domain.FrameTimeout:
		sub = c.unmountLocked()
		terminal = func() { c.emitError(domain.ErrStreamTimeout) }
	case domain.FrameError:
		sub = c.unmountLocked()
		err := &domain.StreamServerError{Message: frame.Message}
		terminal = func() { c.emitError(err) }
	}
	c.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	if terminal != nil {
		terminal()
		return
	}
	if frame.Kind == domain.FrameStatus && c.cb.OnStatus != nil {
		c.cb.OnStatus(update)
	}
}

func (c *Client) handleClosed(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || !c.mounted {
		c.mu.Unlock()
		return
	}
	// The shared connection already dropped every listener.
	c.unmountLocked()
	c.mu.Unlock()

	err := domain.ErrStreamClosed
	if cause != nil {
		err = fmt.Errorf("%w: %w", domain.ErrStreamClosed, cause)
	}
	c.emitError(err)
}

func (c *Client) emitSuccess(update domain.Update) {
	c.log.Info("stream.paid", zap.String("status", string(update.Status)))
	if c.cb.OnSuccess != nil {
		c.cb.OnSuccess(update)
	}
}

func (c *Client) emitError(err error) {
	c.log.Info("stream.failed", zap.Error(err))
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}

type clientListener struct {
	client *Client
	gen    uint64
}

func (l *clientListener) onOpen()                    { l.client.handleOpen(l.gen) }
func (l *clientListener) onConnecting(error)         { l.client.handleConnecting(l.gen) }
func (l *clientListener) onFrame(frame domain.Frame) { l.client.handleFrame(l.gen, frame) }
func (l *clientListener) onClosed(err error)         { l.client.handleClosed(l.gen, err) }
