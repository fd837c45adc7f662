package domain

import "encoding/json"

type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameHeartbeat
	FrameTimeout
	FrameError
	FrameStatus
)

func (k FrameKind) String() string {
	switch k {
	case FrameHeartbeat:
		return "heartbeat"
	case FrameTimeout:
		return "timeout"
	case FrameError:
		return "error"
	case FrameStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Frame is a decoded stream message. Only the fields relevant to Kind are set.
type Frame struct {
	Kind    FrameKind
	Status  PaymentStatus
	Message string
	Extras  Extras
}

type rawFrame struct {
	Heartbeat bool    `json:"heartbeat"`
	Timeout   bool    `json:"timeout"`
	Error     *string `json:"error"`
	Status    *string `json:"status"`
	Extras
}

// DecodeFrame classifies a stream payload. Malformed or unrecognised payloads decode as FrameUnknown.
func DecodeFrame(data []byte) Frame {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{Kind: FrameUnknown}
	}

	switch {
	case raw.Heartbeat:
		return Frame{Kind: FrameHeartbeat}
	case raw.Timeout:
		return Frame{Kind: FrameTimeout, Message: "stream timeout"}
	case raw.Error != nil:
		return Frame{Kind: FrameError, Message: *raw.Error}
	case raw.Status != nil:
		status, ok := ParseStatus(*raw.Status)
		if !ok {
			return Frame{Kind: FrameUnknown}
		}
		return Frame{Kind: FrameStatus, Status: status, Extras: raw.Extras}
	default:
		return Frame{Kind: FrameUnknown}
	}
}
