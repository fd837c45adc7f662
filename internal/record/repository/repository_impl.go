package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pixwatch/internal/record/domain"
	"github.com/smallbiznis/pixwatch/pkg/db"
	"github.com/smallbiznis/pixwatch/pkg/db/option"
	"github.com/smallbiznis/pixwatch/pkg/db/pagination"
	"github.com/smallbiznis/pixwatch/pkg/repository"
	"gorm.io/gorm"
)

type repo struct {
	bookings *repository.Store[domain.Booking]
	cases    *repository.Store[domain.LegalCase]
}

func Provide(conn *gorm.DB) domain.Repository {
	return &repo{
		bookings: repository.NewStore[domain.Booking](conn),
		cases:    repository.NewStore[domain.LegalCase](conn),
	}
}

func (r *repo) CreateBooking(ctx context.Context, booking *domain.Booking) error {
	return translate(r.bookings.Create(ctx, booking))
}

func (r *repo) CreateCase(ctx context.Context, legalCase *domain.LegalCase) error {
	return translate(r.cases.Create(ctx, legalCase))
}

func (r *repo) FindBookingByPaymentID(ctx context.Context, paymentID string) (*domain.Booking, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, nil
	}
	return r.bookings.FindOne(ctx, &domain.Booking{PaymentID: paymentID})
}

func (r *repo) FindCaseByPaymentID(ctx context.Context, paymentID string) (*domain.LegalCase, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, nil
	}
	return r.cases.FindOne(ctx, &domain.LegalCase{PaymentID: paymentID})
}

func (r *repo) FindBookingByID(ctx context.Context, id snowflake.ID) (*domain.Booking, error) {
	if id == 0 {
		return nil, nil
	}
	return r.bookings.FindOne(ctx, &domain.Booking{ID: id})
}

func (r *repo) FindCaseByID(ctx context.Context, id snowflake.ID) (*domain.LegalCase, error) {
	if id == 0 {
		return nil, nil
	}
	return r.cases.FindOne(ctx, &domain.LegalCase{ID: id})
}

func (r *repo) SaveBooking(ctx context.Context, booking *domain.Booking) error {
	return r.bookings.Save(ctx, booking)
}

func (r *repo) SaveCase(ctx context.Context, legalCase *domain.LegalCase) error {
	return r.cases.Save(ctx, legalCase)
}

func (r *repo) SettleBooking(ctx context.Context, booking *domain.Booking, from domain.RecordStatus) (bool, error) {
	return r.bookings.SaveIf(ctx, booking, "status = ?", from)
}

func (r *repo) SettleCase(ctx context.Context, legalCase *domain.LegalCase, from domain.RecordStatus) (bool, error) {
	return r.cases.SaveIf(ctx, legalCase, "status = ?", from)
}

func (r *repo) ListBookings(ctx context.Context, filter domain.ListFilter, page pagination.Pagination) ([]*domain.Booking, pagination.PageInfo, error) {
	opts, err := listOptions(filter, page)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	rows, err := r.bookings.Find(ctx, nil, opts...)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	return pagination.Trim(rows, page.Limit(), func(b *domain.Booking) string { return b.ID.String() })
}

func (r *repo) ListCases(ctx context.Context, filter domain.ListFilter, page pagination.Pagination) ([]*domain.LegalCase, pagination.PageInfo, error) {
	opts, err := listOptions(filter, page)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	rows, err := r.cases.Find(ctx, nil, opts...)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	return pagination.Trim(rows, page.Limit(), func(c *domain.LegalCase) string { return c.ID.String() })
}

func (r *repo) DeleteBooking(ctx context.Context, id snowflake.ID) error {
	found, err := r.bookings.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrNotFound
	}
	return nil
}

func (r *repo) DeleteCase(ctx context.Context, id snowflake.ID) error {
	found, err := r.cases.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrNotFound
	}
	return nil
}

func listOptions(filter domain.ListFilter, page pagination.Pagination) ([]option.QueryOption, error) {
	opts := make([]option.QueryOption, 0, 3)
	if filter.Status != "" {
		opts = append(opts, option.WithWhere("status = ?", filter.Status))
	}
	if email := strings.TrimSpace(filter.CustomerEmail); email != "" {
		opts = append(opts, option.WithWhere("customer_email = ?", strings.ToLower(email)))
	}
	pageOpt, err := option.ApplyPagination(page)
	if err != nil {
		return nil, err
	}
	return append(opts, pageOpt), nil
}

func translate(err error) error {
	if db.IsDuplicateKeyErr(err) {
		return domain.ErrDuplicatePayment
	}
	return err
}
