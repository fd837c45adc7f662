package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/pixwatch/internal/checkout/domain"
	"github.com/smallbiznis/pixwatch/internal/clock"
	"github.com/smallbiznis/pixwatch/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/pixwatch/internal/payment/domain"
	"github.com/smallbiznis/pixwatch/internal/payment/gateway"
	"github.com/smallbiznis/pixwatch/internal/payment/watch"
	recorddomain "github.com/smallbiznis/pixwatch/internal/record/domain"
	"github.com/smallbiznis/pixwatch/pkg/db/pagination"
	"github.com/smallbiznis/pixwatch/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const defaultDurationMinutes = 60

type ChargeCreator interface {
	CreateCharge(ctx context.Context, req gateway.CheckoutRequest) (gateway.Charge, error)
}

type Watcher interface {
	Watch(ctx context.Context, chargeID paymentdomain.ChargeID) (watch.Snapshot, error)
	Stop(chargeID paymentdomain.ChargeID) bool
}

type Params struct {
	fx.In

	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    recorddomain.Repository
	Gateway ChargeCreator
	Watcher Watcher
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    recorddomain.Repository
	gateway ChargeCreator
	watcher Watcher
	metrics *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		log:     p.Log.Named("checkout.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		gateway: p.Gateway,
		watcher: p.Watcher,
		metrics: p.Metrics,
	}
}

func (s *Service) Submit(ctx context.Context, req domain.Request) (domain.Response, error) {
	if err := validate(&req); err != nil {
		return domain.Response{}, err
	}
	serviceCode := slug.Make(req.ServiceName)
	if serviceCode == "" {
		return domain.Response{}, domain.ErrInvalidService
	}

	log := ctxlogger.WithContext(ctx, s.log).With(
		zap.String("record_kind", string(req.Kind)),
		zap.String("service_code", serviceCode),
	)

	recordID := s.genID.Generate()
	charge, err := s.gateway.CreateCharge(ctx, gateway.CheckoutRequest{
		Customer: gateway.Customer{
			Name:     req.Customer.Name,
			Email:    req.Customer.Email,
			Document: req.Customer.Document,
			Phone:    req.Customer.Phone,
		},
		Value:       float64(req.AmountCents) / 100,
		ServiceCode: serviceCode,
		Description: req.Description,
		Reference:   recordID.String(),
		Metadata:    req.Metadata,
	})
	if err != nil {
		log.Warn("checkout.charge_failed", zap.Error(err))
		return domain.Response{}, err
	}
	log = log.With(zap.String("charge_id", charge.ID.String()))

	now := s.clock.Now().UTC()
	metadata := datatypes.JSONMap{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	switch req.Kind {
	case recorddomain.KindBooking:
		err = s.repo.CreateBooking(ctx, &recorddomain.Booking{
			ID:              recordID,
			PaymentID:       charge.ID.String(),
			Status:          recorddomain.StatusPending,
			CustomerName:    req.Customer.Name,
			CustomerEmail:   req.Customer.Email,
			CustomerPhone:   req.Customer.Phone,
			ServiceCode:     serviceCode,
			ServiceName:     req.ServiceName,
			AmountCents:     req.AmountCents,
			ScheduledAt:     req.ScheduledAt.UTC(),
			DurationMinutes: req.DurationMinutes,
			Metadata:        metadata,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	default:
		err = s.repo.CreateCase(ctx, &recorddomain.LegalCase{
			ID:            recordID,
			PaymentID:     charge.ID.String(),
			Status:        recorddomain.StatusPending,
			CustomerName:  req.Customer.Name,
			CustomerEmail: req.Customer.Email,
			CustomerPhone: req.Customer.Phone,
			ServiceCode:   serviceCode,
			ServiceName:   req.ServiceName,
			AmountCents:   req.AmountCents,
			PracticeArea:  req.PracticeArea,
			Summary:       req.Summary,
			Metadata:      metadata,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	if err != nil {
		// The charge is live at the processor with nothing referencing it.
		// Keep tracking it and log what an operator needs to recover it.
		log.Error("checkout.record_failed",
			zap.Error(err),
			zap.String("record_id", recordID.String()),
			zap.String("customer_email", req.Customer.Email),
			zap.Int64("amount_cents", req.AmountCents),
			zap.String("copy_paste", charge.CopyPaste),
		)
		if _, watchErr := s.watcher.Watch(ctx, charge.ID); watchErr != nil {
			log.Warn("checkout.watch_failed", zap.Error(watchErr))
		}
		return domain.Response{}, err
	}

	resp := domain.Response{
		Kind:           req.Kind,
		RecordID:       recordID.String(),
		ChargeID:       charge.ID.String(),
		Status:         string(recorddomain.StatusPending),
		ServiceCode:    serviceCode,
		AmountCents:    req.AmountCents,
		QRCodeImage:    charge.QRCodeImage,
		CopyPaste:      charge.CopyPaste,
		ExpirationDate: charge.ExpirationDate,
	}

	// The record is already durable; a failed watch only loses live updates.
	if snap, err := s.watcher.Watch(ctx, charge.ID); err != nil {
		log.Warn("checkout.watch_failed", zap.Error(err))
	} else {
		resp.Tracking = snap.Tracking
	}

	s.metrics.RecordCheckout(ctx, string(req.Kind), serviceCode)
	log.Info("checkout.submitted", zap.String("record_id", resp.RecordID))
	return resp, nil
}

func (s *Service) ListBookings(ctx context.Context, req domain.ListRequest) (domain.ListBookingsResponse, error) {
	filter, page, err := listArgs(req)
	if err != nil {
		return domain.ListBookingsResponse{}, err
	}
	items, info, err := s.repo.ListBookings(ctx, filter, page)
	if err != nil {
		return domain.ListBookingsResponse{}, err
	}
	if items == nil {
		items = []*recorddomain.Booking{}
	}
	return domain.ListBookingsResponse{PageInfo: info, Bookings: items}, nil
}

func (s *Service) ListCases(ctx context.Context, req domain.ListRequest) (domain.ListCasesResponse, error) {
	filter, page, err := listArgs(req)
	if err != nil {
		return domain.ListCasesResponse{}, err
	}
	items, info, err := s.repo.ListCases(ctx, filter, page)
	if err != nil {
		return domain.ListCasesResponse{}, err
	}
	if items == nil {
		items = []*recorddomain.LegalCase{}
	}
	return domain.ListCasesResponse{PageInfo: info, Cases: items}, nil
}

// CancelBooking stops tracking and deletes a booking the customer abandoned.
// Confirmed bookings cannot be cancelled here.
func (s *Service) CancelBooking(ctx context.Context, id string) error {
	recordID, err := parseID(id)
	if err != nil {
		return err
	}
	booking, err := s.repo.FindBookingByID(ctx, recordID)
	if err != nil {
		return err
	}
	if booking == nil {
		return domain.ErrNotFound
	}
	if booking.Status == recorddomain.StatusConfirmed {
		return domain.ErrRecordSettled
	}

	s.watcher.Stop(paymentdomain.ChargeID(booking.PaymentID))
	if err := s.repo.DeleteBooking(ctx, recordID); err != nil {
		return err
	}
	ctxlogger.FromContext(ctx).Info("checkout.booking_cancelled",
		zap.String("record_id", id),
		zap.String("charge_id", booking.PaymentID),
	)
	return nil
}

func (s *Service) CancelCase(ctx context.Context, id string) error {
	recordID, err := parseID(id)
	if err != nil {
		return err
	}
	legalCase, err := s.repo.FindCaseByID(ctx, recordID)
	if err != nil {
		return err
	}
	if legalCase == nil {
		return domain.ErrNotFound
	}
	if legalCase.Status == recorddomain.StatusConfirmed {
		return domain.ErrRecordSettled
	}

	s.watcher.Stop(paymentdomain.ChargeID(legalCase.PaymentID))
	if err := s.repo.DeleteCase(ctx, recordID); err != nil {
		return err
	}
	ctxlogger.FromContext(ctx).Info("checkout.case_cancelled",
		zap.String("record_id", id),
		zap.String("charge_id", legalCase.PaymentID),
	)
	return nil
}

func validate(req *domain.Request) error {
	req.Customer.Name = strings.TrimSpace(req.Customer.Name)
	req.Customer.Email = strings.ToLower(strings.TrimSpace(req.Customer.Email))
	req.Customer.Phone = strings.TrimSpace(req.Customer.Phone)
	req.ServiceName = strings.TrimSpace(req.ServiceName)

	switch req.Kind {
	case recorddomain.KindBooking, recorddomain.KindCase:
	default:
		return domain.ErrInvalidKind
	}
	if req.Customer.Name == "" {
		return domain.ErrInvalidName
	}
	if req.Customer.Email == "" || !strings.Contains(req.Customer.Email, "@") {
		return domain.ErrInvalidEmail
	}
	if req.AmountCents <= 0 {
		return domain.ErrInvalidAmount
	}
	if req.ServiceName == "" {
		return domain.ErrInvalidService
	}
	if req.Kind == recorddomain.KindBooking {
		if req.ScheduledAt == nil || req.ScheduledAt.IsZero() {
			return domain.ErrInvalidSchedule
		}
		if req.DurationMinutes < 0 {
			return domain.ErrInvalidSchedule
		}
		if req.DurationMinutes == 0 {
			req.DurationMinutes = defaultDurationMinutes
		}
	}
	return nil
}

func listArgs(req domain.ListRequest) (recorddomain.ListFilter, pagination.Pagination, error) {
	filter := recorddomain.ListFilter{
		CustomerEmail: strings.ToLower(strings.TrimSpace(req.CustomerEmail)),
	}
	if raw := strings.TrimSpace(req.Status); raw != "" {
		status := recorddomain.RecordStatus(strings.ToLower(raw))
		switch status {
		case recorddomain.StatusPending, recorddomain.StatusConfirmed, recorddomain.StatusCancelled,
			recorddomain.StatusExpired, recorddomain.StatusRefunded:
			filter.Status = status
		default:
			return recorddomain.ListFilter{}, pagination.Pagination{}, domain.ErrInvalidStatus
		}
	}
	return filter, pagination.Pagination{PageToken: strings.TrimSpace(req.PageToken), PageSize: req.PageSize}, nil
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}

var _ domain.Service = (*Service)(nil)
