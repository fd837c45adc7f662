package domain

import "context"

// StatusFetcher performs one point-in-time status request.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, chargeID ChargeID) (StatusResponse, error)
}

// ReadyState mirrors the readiness of a push connection.
type ReadyState int

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosed
)

func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// StreamHandler receives connection events. Implementations must not block.
type StreamHandler interface {
	OnOpen()
	OnMessage(data []byte)
	OnError(state ReadyState, err error)
}

// StreamConn is one live push connection.
type StreamConn interface {
	ReadyState() ReadyState
	Close() error
}

// StreamDialer opens push connections. Dial must return without waiting for the network;
// progress is reported through the handler.
type StreamDialer interface {
	Dial(chargeID ChargeID, handler StreamHandler) (StreamConn, error)
}
