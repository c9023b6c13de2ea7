package repository

import (
	"context"
	"time"

	"github.com/GoPolymarket/otcgate/internal/model"
	"gorm.io/gorm"
)

// QuoteStore is implemented by the gorm repository and its Redis cache.
type QuoteStore interface {
	Create(ctx context.Context, q *model.Quote) error
	Get(ctx context.Context, id string) (*model.Quote, error)
	Update(ctx context.Context, q *model.Quote) error
	GetByOffer(ctx context.Context, offerID string) (*model.Quote, error)
	ListStale(ctx context.Context, now time.Time, limit int) ([]model.Quote, error)
}

type QuoteRepo struct {
	db *gorm.DB
}

var _ QuoteStore = (*QuoteRepo)(nil)

func NewQuoteRepo(db *gorm.DB) *QuoteRepo {
	return &QuoteRepo{db: db}
}

func (r *QuoteRepo) Create(ctx context.Context, q *model.Quote) error {
	return r.db.WithContext(ctx).Create(q).Error
}

func (r *QuoteRepo) Get(ctx context.Context, id string) (*model.Quote, error) {
	var q model.Quote
	if err := r.db.WithContext(ctx).Where("quote_id = ?", id).First(&q).Error; err != nil {
		return nil, notFound(err)
	}
	return &q, nil
}

func (r *QuoteRepo) Update(ctx context.Context, q *model.Quote) error {
	return r.db.WithContext(ctx).Save(q).Error
}

func (r *QuoteRepo) GetByOffer(ctx context.Context, offerID string) (*model.Quote, error) {
	var q model.Quote
	if err := r.db.WithContext(ctx).Where("offer_id = ?", offerID).First(&q).Error; err != nil {
		return nil, notFound(err)
	}
	return &q, nil
}

// ListStale returns active or approved quotes whose TTL has passed.
func (r *QuoteRepo) ListStale(ctx context.Context, now time.Time, limit int) ([]model.Quote, error) {
	if limit <= 0 {
		limit = 500
	}
	var out []model.Quote
	err := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at < ?", []model.QuoteStatus{model.QuoteActive, model.QuoteApproved}, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
