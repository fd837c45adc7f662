package domain

import "strings"

// ChargeID identifies one PIX charge at the payment processor.
type ChargeID string

func (id ChargeID) String() string { return string(id) }

// Valid reports whether the id is usable as a tracking key.
func (id ChargeID) Valid() bool {
	return strings.TrimSpace(string(id)) != ""
}

type PaymentStatus string

const (
	StatusPending   PaymentStatus = "PENDING"
	StatusReceived  PaymentStatus = "RECEIVED"
	StatusConfirmed PaymentStatus = "CONFIRMED"
	StatusOverdue   PaymentStatus = "OVERDUE"
	StatusRefunded  PaymentStatus = "REFUNDED"
	StatusCancelled PaymentStatus = "CANCELLED"
)

// ParseStatus normalizes a processor status string. Unknown values return false.
func ParseStatus(raw string) (PaymentStatus, bool) {
	status := PaymentStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case StatusPending, StatusReceived, StatusConfirmed, StatusOverdue, StatusRefunded, StatusCancelled:
		return status, true
	default:
		return "", false
	}
}

// IsPaid is the single definition of a successful payment: RECEIVED and CONFIRMED are equivalent.
func (s PaymentStatus) IsPaid() bool {
	return s == StatusReceived || s == StatusConfirmed
}

func (s PaymentStatus) IsFailure() bool {
	switch s {
	case StatusOverdue, StatusRefunded, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s PaymentStatus) IsTerminal() bool {
	return s.IsPaid() || s.IsFailure()
}

func (s PaymentStatus) IsPending() bool {
	return s == StatusPending
}

// Extras carries fields the backend binds to a charge after payment.
type Extras struct {
	MeetingLink string `json:"meetingLink,omitempty"`
	ReceiptURL  string `json:"receiptUrl,omitempty"`
	DocumentURL string `json:"documentUrl,omitempty"`
}

func (e Extras) IsZero() bool {
	return e == Extras{}
}

// StatusResponse is the body returned by the status poll endpoint.
type StatusResponse struct {
	ID          string        `json:"id"`
	Status      PaymentStatus `json:"status"`
	Value       float64       `json:"value"`
	PaymentDate *string       `json:"paymentDate,omitempty"`
	Extras
}

// Update is one status observation from either tracking backend.
type Update struct {
	ChargeID ChargeID
	Status   PaymentStatus
	Extras   Extras
}
