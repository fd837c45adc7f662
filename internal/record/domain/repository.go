package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pixwatch/pkg/db/pagination"
)

var (
	ErrNotFound         = errors.New("record_not_found")
	ErrDuplicatePayment = errors.New("record_payment_id_taken")
)

// Repository persists bookings and cases. Find methods return nil without
// error when nothing matches. Saves replace the whole record. Settle methods
// write only while the stored status still equals from and report whether
// they did.
type Repository interface {
	CreateBooking(ctx context.Context, booking *Booking) error
	CreateCase(ctx context.Context, legalCase *LegalCase) error
	FindBookingByPaymentID(ctx context.Context, paymentID string) (*Booking, error)
	FindCaseByPaymentID(ctx context.Context, paymentID string) (*LegalCase, error)
	FindBookingByID(ctx context.Context, id snowflake.ID) (*Booking, error)
	FindCaseByID(ctx context.Context, id snowflake.ID) (*LegalCase, error)
	SaveBooking(ctx context.Context, booking *Booking) error
	SaveCase(ctx context.Context, legalCase *LegalCase) error
	SettleBooking(ctx context.Context, booking *Booking, from RecordStatus) (bool, error)
	SettleCase(ctx context.Context, legalCase *LegalCase, from RecordStatus) (bool, error)
	ListBookings(ctx context.Context, filter ListFilter, page pagination.Pagination) ([]*Booking, pagination.PageInfo, error)
	ListCases(ctx context.Context, filter ListFilter, page pagination.Pagination) ([]*LegalCase, pagination.PageInfo, error)
	DeleteBooking(ctx context.Context, id snowflake.ID) error
	DeleteCase(ctx context.Context, id snowflake.ID) error
}
