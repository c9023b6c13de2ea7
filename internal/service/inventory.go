package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/otcgate/internal/pkg/logger"
	"github.com/GoPolymarket/otcgate/internal/pkg/metrics"
	"github.com/GoPolymarket/otcgate/internal/repository"
)

// DefaultExecuteWindow applies to consignments without maxTimeToExecuteSeconds.
const DefaultExecuteWindow = 30 * time.Minute

// InventoryLedger reserves consignment inventory for offers. Mutations of one
// consignment are serialized by an in-process key lock and a row lock inside
// the DB transaction, so concurrent reserves never oversell.
type InventoryLedger struct {
	repo   *repository.InventoryRepo
	locks  *keyedMutex
	window time.Duration
	now    func() time.Time
}

func NewInventoryLedger(repo *repository.InventoryRepo) *InventoryLedger {
	return &InventoryLedger{
		repo:   repo,
		locks:  newKeyedMutex(),
		window: DefaultExecuteWindow,
		now:    utcNow,
	}
}

// Reserve deducts amount from the consignment's remaining inventory, first
// come first served.
func (l *InventoryLedger) Reserve(ctx context.Context, consignmentID, offerID string, amount model.Amount) (*model.Reservation, error) {
	if amount.Sign() <= 0 {
		return nil, apperrors.NewInvalidRequest("reservation amount must be positive")
	}

	unlock := l.locks.Lock(consignmentID)
	defer unlock()

	var res *model.Reservation
	err := repository.Transaction(ctx, l.repo.DB(), func(tx *gorm.DB) error {
		c, err := repository.LockConsignment(tx, consignmentID)
		if err != nil {
			return lookupErr(err, "consignment")
		}
		switch c.Status {
		case model.ConsignmentActive:
		case model.ConsignmentDepleted:
			return apperrors.Newf(apperrors.ErrInsufficientInventory, "consignment %s is depleted", c.ID)
		default:
			return apperrors.Newf(apperrors.ErrStateConflict, "consignment %s is %s", c.ID, c.Status)
		}
		if amount.Cmp(c.RemainingAmount) > 0 {
			return apperrors.Newf(apperrors.ErrInsufficientInventory,
				"requested %s exceeds remaining %s", amount, c.RemainingAmount)
		}

		remaining := c.RemainingAmount.Sub(amount)
		status := c.Status
		if remaining.IsZero() {
			status = model.ConsignmentDepleted
		}
		if err := setRemaining(tx, c.ID, remaining, status); err != nil {
			return err
		}

		now := l.now()
		res = &model.Reservation{
			ID:            uuid.NewString(),
			ConsignmentID: c.ID,
			OfferID:       offerID,
			Amount:        amount,
			Status:        model.ReservationPending,
			ExpiresAt:     now.Add(c.ExecuteWindow(l.window)),
			CreatedAt:     now,
		}
		if err := tx.Create(res).Error; err != nil {
			return err
		}
		return appendMovement(tx, c.ID, res.ID, model.MovementReserve, amount, remaining, now)
	})
	metrics.InventoryOps.WithLabelValues("reserve", resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Release returns a reservation's amount to the consignment, unless the
// consignment was withdrawn. Releasing twice is a no-op.
func (l *InventoryLedger) Release(ctx context.Context, reservationID string) error {
	res, err := l.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return lookupErr(err, "reservation")
	}

	unlock := l.locks.Lock(res.ConsignmentID)
	defer unlock()

	err = repository.Transaction(ctx, l.repo.DB(), func(tx *gorm.DB) error {
		c, err := repository.LockConsignment(tx, res.ConsignmentID)
		if err != nil {
			return lookupErr(err, "consignment")
		}
		r, err := repository.LockReservation(tx, reservationID)
		if err != nil {
			return lookupErr(err, "reservation")
		}
		if r.Status == model.ReservationReleased {
			return nil
		}

		// a withdrawn lot takes nothing back; the tokens left with the consigner
		remaining, status := c.RemainingAmount, c.Status
		if c.Status != model.ConsignmentWithdrawn {
			remaining = remaining.Add(r.Amount)
			if remaining.Cmp(c.TotalAmount) > 0 {
				remaining = c.TotalAmount
			}
			if status == model.ConsignmentDepleted {
				status = model.ConsignmentActive
			}
		}
		if err := setRemaining(tx, c.ID, remaining, status); err != nil {
			return err
		}
		now := l.now()
		if err := resolve(tx, r.ID, model.ReservationReleased, now); err != nil {
			return err
		}
		return appendMovement(tx, c.ID, r.ID, model.MovementRelease, r.Amount, remaining, now)
	})
	metrics.InventoryOps.WithLabelValues("release", resultLabel(err)).Inc()
	return err
}

// Commit makes a reservation's deduction permanent. Committing twice is a
// no-op; committing a released reservation is a state conflict.
func (l *InventoryLedger) Commit(ctx context.Context, reservationID string) error {
	res, err := l.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return lookupErr(err, "reservation")
	}

	unlock := l.locks.Lock(res.ConsignmentID)
	defer unlock()

	err = repository.Transaction(ctx, l.repo.DB(), func(tx *gorm.DB) error {
		c, err := repository.LockConsignment(tx, res.ConsignmentID)
		if err != nil {
			return lookupErr(err, "consignment")
		}
		r, err := repository.LockReservation(tx, reservationID)
		if err != nil {
			return lookupErr(err, "reservation")
		}
		switch r.Status {
		case model.ReservationCommitted:
			return nil
		case model.ReservationReleased:
			return apperrors.Newf(apperrors.ErrStateConflict, "reservation %s was already released", r.ID)
		}
		now := l.now()
		if err := resolve(tx, r.ID, model.ReservationCommitted, now); err != nil {
			return err
		}
		return appendMovement(tx, c.ID, r.ID, model.MovementCommit, r.Amount, c.RemainingAmount, now)
	})
	metrics.InventoryOps.WithLabelValues("commit", resultLabel(err)).Inc()
	return err
}

// AvailableAmount is what a new reservation could take right now.
func (l *InventoryLedger) AvailableAmount(ctx context.Context, consignmentID string) (model.Amount, error) {
	var c model.Consignment
	err := l.repo.DB().WithContext(ctx).Where("id = ?", consignmentID).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Amount{}, apperrors.NewNotFound("consignment")
		}
		return model.Amount{}, err
	}
	if !c.Available() {
		return model.Amount{}, nil
	}
	return c.RemainingAmount, nil
}

// Withdraw takes the unreserved remainder out of sale and returns it. It
// fails while everything left is held by unresolved reservations.
func (l *InventoryLedger) Withdraw(ctx context.Context, consignmentID string) (model.Amount, error) {
	unlock := l.locks.Lock(consignmentID)
	defer unlock()

	var withdrawn model.Amount
	err := repository.Transaction(ctx, l.repo.DB(), func(tx *gorm.DB) error {
		c, err := repository.LockConsignment(tx, consignmentID)
		if err != nil {
			return lookupErr(err, "consignment")
		}
		if c.Status == model.ConsignmentWithdrawn {
			withdrawn = model.Amount{}
			return nil
		}
		if c.RemainingAmount.IsZero() {
			pending, err := repository.CountPending(tx, c.ID)
			if err != nil {
				return err
			}
			if pending > 0 {
				return apperrors.Newf(apperrors.ErrInsufficientInventory,
					"consignment %s is fully reserved by %d unresolved offers", c.ID, pending)
			}
		}

		now := l.now()
		withdrawn = c.RemainingAmount
		err = tx.Model(&model.Consignment{}).Where("id = ?", c.ID).Updates(map[string]any{
			"remaining_amount": model.Amount{},
			"status":           model.ConsignmentWithdrawn,
			"withdrawn_at":     now,
			"updated_at":       now,
		}).Error
		if err != nil {
			return err
		}
		return appendMovement(tx, c.ID, "", model.MovementWithdraw, withdrawn, model.Amount{}, now)
	})
	metrics.InventoryOps.WithLabelValues("withdraw", resultLabel(err)).Inc()
	if err != nil {
		return model.Amount{}, err
	}
	logger.Info("consignment withdrawn", "consignment_id", consignmentID, "amount", withdrawn.String())
	return withdrawn, nil
}

func (l *InventoryLedger) Reservation(ctx context.Context, id string) (*model.Reservation, error) {
	res, err := l.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, lookupErr(err, "reservation")
	}
	return res, nil
}

// ExpiredReservations lists pending reservations older than their execute window.
func (l *InventoryLedger) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	return l.repo.ListExpired(ctx, now, limit)
}

func setRemaining(tx *gorm.DB, id string, remaining model.Amount, status model.ConsignmentStatus) error {
	return tx.Model(&model.Consignment{}).Where("id = ?", id).Updates(map[string]any{
		"remaining_amount": remaining,
		"status":           status,
		"updated_at":       utcNow(),
	}).Error
}

func resolve(tx *gorm.DB, id string, status model.ReservationStatus, now time.Time) error {
	return tx.Model(&model.Reservation{}).Where("id = ?", id).Updates(map[string]any{
		"status":      status,
		"resolved_at": now,
	}).Error
}

func appendMovement(tx *gorm.DB, consignmentID, reservationID string, kind model.MovementKind, amount, after model.Amount, now time.Time) error {
	return tx.Create(&model.InventoryMovement{
		ConsignmentID:  consignmentID,
		ReservationID:  reservationID,
		Kind:           kind,
		Amount:         amount,
		RemainingAfter: after,
		CreatedAt:      now,
	}).Error
}

// Timestamps are stored in UTC so range queries compare correctly on SQLite.
func utcNow() time.Time { return time.Now().UTC() }

func lookupErr(err error, what string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NewNotFound(what)
	}
	return err
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if t := apperrors.TypeOf(err); t != "" {
		return string(t)
	}
	return "error"
}
