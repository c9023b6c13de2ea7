package repository

import (
	"context"
	"time"

	"github.com/GoPolymarket/otcgate/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InventoryRepo holds reservation and journal queries. Mutations take the
// caller's transaction so the ledger can lock the consignment row first.
type InventoryRepo struct {
	db *gorm.DB
}

func NewInventoryRepo(db *gorm.DB) *InventoryRepo {
	return &InventoryRepo{db: db}
}

func (r *InventoryRepo) DB() *gorm.DB { return r.db }

func (r *InventoryRepo) GetReservation(ctx context.Context, id string) (*model.Reservation, error) {
	var res model.Reservation
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&res).Error; err != nil {
		return nil, notFound(err)
	}
	return &res, nil
}

func LockReservation(tx *gorm.DB, id string) (*model.Reservation, error) {
	var res model.Reservation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&res).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &res, nil
}

// CountPending counts unresolved reservations of a consignment inside tx.
func CountPending(tx *gorm.DB, consignmentID string) (int64, error) {
	var n int64
	err := tx.Model(&model.Reservation{}).
		Where("consignment_id = ? AND status = ?", consignmentID, model.ReservationPending).
		Count(&n).Error
	return n, err
}

// ListExpired returns pending reservations past their deadline.
func (r *InventoryRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	if limit <= 0 {
		limit = 200
	}
	var out []model.Reservation
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", model.ReservationPending, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *InventoryRepo) ListByConsignment(ctx context.Context, consignmentID string) ([]model.Reservation, error) {
	var out []model.Reservation
	err := r.db.WithContext(ctx).
		Where("consignment_id = ?", consignmentID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (r *InventoryRepo) Movements(ctx context.Context, consignmentID string) ([]model.InventoryMovement, error) {
	var out []model.InventoryMovement
	err := r.db.WithContext(ctx).
		Where("consignment_id = ?", consignmentID).
		Order("id ASC").
		Find(&out).Error
	return out, err
}
