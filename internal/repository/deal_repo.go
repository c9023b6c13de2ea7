package repository

import (
	"context"

	"github.com/GoPolymarket/otcgate/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DealRepo is append-only: there is no update path.
type DealRepo struct {
	db *gorm.DB
}

func NewDealRepo(db *gorm.DB) *DealRepo {
	return &DealRepo{db: db}
}

// CreateIfAbsent inserts d unless a deal for the same offer exists. It
// reports whether a row was written.
func (r *DealRepo) CreateIfAbsent(ctx context.Context, d *model.Deal) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "offer_id"}}, DoNothing: true}).
		Create(d)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *DealRepo) GetByOffer(ctx context.Context, offerID string) (*model.Deal, error) {
	var d model.Deal
	if err := r.db.WithContext(ctx).Where("offer_id = ?", offerID).First(&d).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

type DealFilter struct {
	Beneficiary string
	FlaggedOnly bool
	Limit       int
}

func (r *DealRepo) List(ctx context.Context, f DealFilter) ([]model.Deal, error) {
	q := r.db.WithContext(ctx).Model(&model.Deal{})
	if f.Beneficiary != "" {
		q = q.Where("beneficiary = ?", f.Beneficiary)
	}
	if f.FlaggedOnly {
		q = q.Where("(price_deviation_exceeded = ? OR quote_expired_at_payment = ?)", true, true)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []model.Deal
	err := q.Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}
