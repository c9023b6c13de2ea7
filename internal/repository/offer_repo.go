package repository

import (
	"context"
	"time"

	"github.com/GoPolymarket/otcgate/internal/model"
	"gorm.io/gorm"
)

var nonTerminalOfferStatuses = []model.OfferStatus{
	model.OfferPending,
	model.OfferCreated,
	model.OfferApproved,
	model.OfferPaid,
}

type OfferRepo struct {
	db *gorm.DB
}

func NewOfferRepo(db *gorm.DB) *OfferRepo {
	return &OfferRepo{db: db}
}

func (r *OfferRepo) Create(ctx context.Context, o *model.Offer) error {
	return r.db.WithContext(ctx).Create(o).Error
}

func (r *OfferRepo) Get(ctx context.Context, id string) (*model.Offer, error) {
	var o model.Offer
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (r *OfferRepo) GetByContractID(ctx context.Context, chain, contractID string) (*model.Offer, error) {
	var o model.Offer
	err := r.db.WithContext(ctx).
		Where("chain = ? AND contract_offer_id = ?", chain, contractID).
		First(&o).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (r *OfferRepo) Save(ctx context.Context, o *model.Offer) error {
	return r.db.WithContext(ctx).Save(o).Error
}

// ListNonTerminal pages through offers reconciliation still has to look at,
// oldest first. afterID is the last id of the previous page.
func (r *OfferRepo) ListNonTerminal(ctx context.Context, afterID string, limit int) ([]model.Offer, error) {
	q := r.db.WithContext(ctx).Where("status IN ?", nonTerminalOfferStatuses)
	if afterID != "" {
		q = q.Where("id > ?", afterID)
	}
	if limit <= 0 {
		limit = 200
	}
	var out []model.Offer
	if err := q.Order("id ASC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *OfferRepo) ListByConsignment(ctx context.Context, consignmentID string) ([]model.Offer, error) {
	var out []model.Offer
	err := r.db.WithContext(ctx).
		Where("consignment_id = ?", consignmentID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (r *OfferRepo) CountByStatus(ctx context.Context) (map[model.OfferStatus]int64, error) {
	var rows []struct {
		Status model.OfferStatus
		N      int64
	}
	err := r.db.WithContext(ctx).Model(&model.Offer{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[model.OfferStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}

// TouchReconciled stamps last_reconciled_at without rewriting the row.
func (r *OfferRepo) TouchReconciled(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Offer{}).
		Where("id = ?", id).
		UpdateColumn("last_reconciled_at", at).Error
}
