package domain

import (
	"context"
	"errors"
	"time"

	recorddomain "github.com/smallbiznis/pixwatch/internal/record/domain"
	"github.com/smallbiznis/pixwatch/pkg/db/pagination"
)

type Customer struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone,omitempty"`
	Document string `json:"document,omitempty"`
}

// Request is one checkout submission. Booking fields apply to kind "booking",
// case fields to kind "case".
type Request struct {
	Kind        recorddomain.Kind `json:"kind"`
	Customer    Customer          `json:"customer"`
	ServiceName string            `json:"service_name"`
	AmountCents int64             `json:"amount_cents"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`

	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	DurationMinutes int        `json:"duration_minutes,omitempty"`

	PracticeArea string `json:"practice_area,omitempty"`
	Summary      string `json:"summary,omitempty"`
}

// Response carries what the UI needs to present the PIX payment.
type Response struct {
	Kind           recorddomain.Kind `json:"kind"`
	RecordID       string            `json:"record_id"`
	ChargeID       string            `json:"charge_id"`
	Status         string            `json:"status"`
	ServiceCode    string            `json:"service_code"`
	AmountCents    int64             `json:"amount_cents"`
	QRCodeImage    string            `json:"qr_code_image"`
	CopyPaste      string            `json:"copy_paste"`
	ExpirationDate string            `json:"expiration_date,omitempty"`
	Tracking       bool              `json:"tracking"`
}

type ListRequest struct {
	PageToken     string
	PageSize      int
	Status        string
	CustomerEmail string
}

type ListBookingsResponse struct {
	pagination.PageInfo
	Bookings []*recorddomain.Booking `json:"bookings"`
}

type ListCasesResponse struct {
	pagination.PageInfo
	Cases []*recorddomain.LegalCase `json:"cases"`
}

type Service interface {
	Submit(ctx context.Context, req Request) (Response, error)
	ListBookings(ctx context.Context, req ListRequest) (ListBookingsResponse, error)
	ListCases(ctx context.Context, req ListRequest) (ListCasesResponse, error)
	CancelBooking(ctx context.Context, id string) error
	CancelCase(ctx context.Context, id string) error
}

var (
	ErrInvalidKind     = errors.New("invalid_kind")
	ErrInvalidName     = errors.New("invalid_name")
	ErrInvalidEmail    = errors.New("invalid_email")
	ErrInvalidAmount   = errors.New("invalid_amount")
	ErrInvalidService  = errors.New("invalid_service")
	ErrInvalidSchedule = errors.New("invalid_schedule")
	ErrInvalidStatus   = errors.New("invalid_status")
	ErrInvalidID       = errors.New("invalid_id")
	ErrNotFound        = errors.New("not_found")
	ErrRecordSettled   = errors.New("record_settled")
)
