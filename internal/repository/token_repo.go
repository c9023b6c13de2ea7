package repository

import (
	"context"

	"github.com/GoPolymarket/otcgate/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TokenRepo struct {
	db *gorm.DB
}

func NewTokenRepo(db *gorm.DB) *TokenRepo {
	return &TokenRepo{db: db}
}

func (r *TokenRepo) Get(ctx context.Context, chain, address string) (*model.Token, error) {
	var t model.Token
	if err := r.db.WithContext(ctx).Where("id = ?", model.TokenKey(chain, address)).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *TokenRepo) Upsert(ctx context.Context, t *model.Token) error {
	if t.ID == "" {
		t.ID = model.TokenKey(t.Chain, t.Address)
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"symbol", "decimals", "pool_address"}),
		}).
		Create(t).Error
}

type TokenRef struct {
	Chain   string
	TokenID string
}

// Unregistered lists (chain, token) pairs referenced by consignments that
// have no Token row yet.
func (r *TokenRepo) Unregistered(ctx context.Context) ([]TokenRef, error) {
	var out []TokenRef
	err := r.db.WithContext(ctx).
		Table("consignments AS c").
		Select("DISTINCT c.chain AS chain, c.token_id AS token_id").
		Joins("LEFT JOIN tokens AS t ON t.id = c.chain || ':' || c.token_id").
		Where("t.id IS NULL").
		Scan(&out).Error
	return out, err
}

type CursorRepo struct {
	db *gorm.DB
}

func NewCursorRepo(db *gorm.DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func (r *CursorRepo) Get(ctx context.Context, chain string) (*model.ChainCursor, error) {
	var c model.ChainCursor
	if err := r.db.WithContext(ctx).Where("chain = ?", chain).First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *CursorRepo) Save(ctx context.Context, c *model.ChainCursor) error {
	return r.db.WithContext(ctx).Save(c).Error
}
