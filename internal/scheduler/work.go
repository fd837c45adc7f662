package scheduler

import (
	"context"
	"time"

	recorddomain "github.com/smallbiznis/pixwatch/internal/record/domain"
	"gorm.io/gorm"
)

type pendingCharge struct {
	Kind      string
	PaymentID string
	CreatedAt time.Time
}

func (s *Scheduler) fetchPendingCharges(ctx context.Context, cutoff time.Time, limit int) ([]pendingCharge, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var charges []pendingCharge
	err := s.db.WithContext(queryCtx).Transaction(func(tx *gorm.DB) error {
		for _, source := range []struct {
			kind  recorddomain.Kind
			model any
		}{
			{kind: recorddomain.KindBooking, model: &recorddomain.Booking{}},
			{kind: recorddomain.KindCase, model: &recorddomain.LegalCase{}},
		} {
			var rows []pendingCharge
			err := tx.Model(source.model).
				Select("payment_id, created_at").
				Where("status = ? AND created_at >= ?", recorddomain.StatusPending, cutoff).
				Order("created_at ASC").
				Limit(limit).
				Scan(&rows).Error
			if err != nil {
				return err
			}
			for i := range rows {
				rows[i].Kind = string(source.kind)
			}
			charges = append(charges, rows...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return charges, nil
}
