package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/pixwatch/internal/payment/domain"
	"gorm.io/datatypes"
)

type Kind string

const (
	KindBooking Kind = "booking"
	KindCase    Kind = "case"
)

type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusConfirmed RecordStatus = "confirmed"
	StatusCancelled RecordStatus = "cancelled"
	StatusExpired   RecordStatus = "expired"
	StatusRefunded  RecordStatus = "refunded"
)

// IsTerminal reports whether the record has left pending. Terminal records never change status again.
func (s RecordStatus) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusCancelled, StatusExpired, StatusRefunded:
		return true
	default:
		return false
	}
}

// RecordStatusFor maps a terminal payment status to the record status it settles into.
func RecordStatusFor(status paymentdomain.PaymentStatus) (RecordStatus, bool) {
	switch {
	case status.IsPaid():
		return StatusConfirmed, true
	case status == paymentdomain.StatusOverdue:
		return StatusExpired, true
	case status == paymentdomain.StatusCancelled:
		return StatusCancelled, true
	case status == paymentdomain.StatusRefunded:
		return StatusRefunded, true
	default:
		return "", false
	}
}

// Booking is a paid appointment slot.
type Booking struct {
	ID              snowflake.ID      `gorm:"primaryKey" json:"id"`
	PaymentID       string            `gorm:"not null;uniqueIndex" json:"payment_id"`
	Status          RecordStatus      `gorm:"not null;index" json:"status"`
	CustomerName    string            `gorm:"not null" json:"customer_name"`
	CustomerEmail   string            `gorm:"not null;index" json:"customer_email"`
	CustomerPhone   string            `json:"customer_phone,omitempty"`
	ServiceCode     string            `gorm:"not null" json:"service_code"`
	ServiceName     string            `gorm:"not null" json:"service_name"`
	AmountCents     int64             `gorm:"not null" json:"amount_cents"`
	ScheduledAt     time.Time         `gorm:"not null" json:"scheduled_at"`
	DurationMinutes int               `gorm:"not null" json:"duration_minutes"`
	MeetingLink     string            `json:"meeting_link,omitempty"`
	ReceiptURL      string            `json:"receipt_url,omitempty"`
	Metadata        datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt       time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"not null" json:"updated_at"`
}

// LegalCase is a paid case intake.
type LegalCase struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	PaymentID     string            `gorm:"not null;uniqueIndex" json:"payment_id"`
	Status        RecordStatus      `gorm:"not null;index" json:"status"`
	CustomerName  string            `gorm:"not null" json:"customer_name"`
	CustomerEmail string            `gorm:"not null;index" json:"customer_email"`
	CustomerPhone string            `json:"customer_phone,omitempty"`
	ServiceCode   string            `gorm:"not null" json:"service_code"`
	ServiceName   string            `gorm:"not null" json:"service_name"`
	AmountCents   int64             `gorm:"not null" json:"amount_cents"`
	PracticeArea  string            `json:"practice_area,omitempty"`
	Summary       string            `json:"summary,omitempty"`
	DocumentURL   string            `json:"document_url,omitempty"`
	ReceiptURL    string            `json:"receipt_url,omitempty"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt     time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"not null" json:"updated_at"`
}

func (LegalCase) TableName() string { return "legal_cases" }

// ApplyPayment settles the booking for a terminal payment status. Late-bound
// fields fill only empty columns. It reports whether anything changed.
func (b *Booking) ApplyPayment(status paymentdomain.PaymentStatus, extras paymentdomain.Extras) bool {
	next, ok := RecordStatusFor(status)
	if !ok || b.Status.IsTerminal() {
		return false
	}
	b.Status = next
	if next == StatusConfirmed {
		fillEmpty(&b.MeetingLink, extras.MeetingLink)
		fillEmpty(&b.ReceiptURL, extras.ReceiptURL)
	}
	return true
}

func (c *LegalCase) ApplyPayment(status paymentdomain.PaymentStatus, extras paymentdomain.Extras) bool {
	next, ok := RecordStatusFor(status)
	if !ok || c.Status.IsTerminal() {
		return false
	}
	c.Status = next
	if next == StatusConfirmed {
		fillEmpty(&c.DocumentURL, extras.DocumentURL)
		fillEmpty(&c.ReceiptURL, extras.ReceiptURL)
	}
	return true
}

func fillEmpty(dst *string, value string) {
	if *dst == "" && value != "" {
		*dst = value
	}
}

type ListFilter struct {
	Status        RecordStatus
	CustomerEmail string
}
