package repository

import (
	"context"

	"github.com/GoPolymarket/otcgate/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ConsignmentRepo struct {
	db *gorm.DB
}

func NewConsignmentRepo(db *gorm.DB) *ConsignmentRepo {
	return &ConsignmentRepo{db: db}
}

func (r *ConsignmentRepo) Create(ctx context.Context, c *model.Consignment) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *ConsignmentRepo) Get(ctx context.Context, id string) (*model.Consignment, error) {
	var c model.Consignment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// GetByContractID finds a consignment by its on-chain identity.
func (r *ConsignmentRepo) GetByContractID(ctx context.Context, chain, contractID string) (*model.Consignment, error) {
	var c model.Consignment
	err := r.db.WithContext(ctx).
		Where("chain = ? AND contract_consignment_id = ?", chain, contractID).
		First(&c).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *ConsignmentRepo) List(ctx context.Context, f model.ConsignmentFilter) ([]model.Consignment, error) {
	q := r.db.WithContext(ctx).Model(&model.Consignment{})
	if len(f.Chains) > 0 {
		q = q.Where("chain IN ?", f.Chains)
	}
	negotiable, fixed := false, false
	for _, t := range f.NegotiableTypes {
		switch t {
		case "negotiable":
			negotiable = true
		case "fixed":
			fixed = true
		}
	}
	if negotiable != fixed {
		q = q.Where("is_negotiable = ?", negotiable)
	}
	if f.ConsignerAddress != "" {
		q = q.Where("consigner_address = ?", f.ConsignerAddress)
	}
	if f.TokenID != "" {
		q = q.Where("token_id = ?", f.TokenID)
	}
	if !f.IncludeInactive {
		q = q.Where("status = ?", model.ConsignmentActive)
	}

	var out []model.Consignment
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ConsignmentRepo) Update(ctx context.Context, c *model.Consignment) error {
	return r.db.WithContext(ctx).Save(c).Error
}

// LockConsignment loads a consignment inside tx with a row lock (no-op on SQLite).
func LockConsignment(tx *gorm.DB, id string) (*model.Consignment, error) {
	var c model.Consignment
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&c).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}
