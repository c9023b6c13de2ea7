package repository

import (
	"context"
	"time"

	"github.com/GoPolymarket/otcgate/internal/middleware"
	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBIdempotencyStore keeps idempotency keys in the relational store so every
// coordinator instance sees the same keys.
type DBIdempotencyStore struct {
	db *gorm.DB
}

var _ middleware.IdempotencyStore = (*DBIdempotencyStore)(nil)

func NewDBIdempotencyStore(db *gorm.DB) *DBIdempotencyStore {
	return &DBIdempotencyStore{db: db}
}

func (s *DBIdempotencyStore) GetOrLock(ctx context.Context, key string) (*middleware.IdempotencyRecord, bool) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.IdempotencyKey{Key: key, Processing: true, CreatedAt: time.Now().UTC()})
	if res.Error == nil && res.RowsAffected > 0 {
		return nil, false
	}

	var row model.IdempotencyKey
	if err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error; err != nil {
		// 查不到就放行，宁可重复执行也不阻塞请求
		return nil, false
	}
	return &middleware.IdempotencyRecord{
		Status:     row.StatusCode,
		Body:       row.Response,
		CreatedAt:  row.CreatedAt,
		Processing: row.Processing,
	}, true
}

func (s *DBIdempotencyStore) Save(ctx context.Context, key string, status int, body []byte) {
	err := s.db.WithContext(ctx).Model(&model.IdempotencyKey{}).
		Where("key = ?", key).
		Updates(map[string]any{"status_code": status, "response": body, "processing": false}).Error
	if err != nil {
		logger.Warn("idempotency save failed", "key", key, "error", err)
	}
}

func (s *DBIdempotencyStore) Unlock(ctx context.Context, key string) {
	_ = s.db.WithContext(ctx).Where("key = ?", key).Delete(&model.IdempotencyKey{}).Error
}

func (s *DBIdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	return s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&model.IdempotencyKey{}).Error
}
