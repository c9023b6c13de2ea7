package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// CachedQuoteStore wraps a primary QuoteStore with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache.
type CachedQuoteStore struct {
	primary QuoteStore
	rdb     redis.Cmdable
	ttl     time.Duration
}

var _ QuoteStore = (*CachedQuoteStore)(nil)

func NewCachedQuoteStore(primary QuoteStore, rdb redis.Cmdable, ttl time.Duration) *CachedQuoteStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedQuoteStore{primary: primary, rdb: rdb, ttl: ttl}
}

func quoteKey(id string) string      { return "otc:quote:" + id }
func quoteOfferKey(id string) string { return "otc:quote:offer:" + id }

func (s *CachedQuoteStore) Create(ctx context.Context, q *model.Quote) error {
	if err := s.primary.Create(ctx, q); err != nil {
		return err
	}
	s.cache(ctx, q)
	return nil
}

func (s *CachedQuoteStore) Update(ctx context.Context, q *model.Quote) error {
	if err := s.primary.Update(ctx, q); err != nil {
		return err
	}
	// Invalidate; the next read repopulates.
	keys := []string{quoteKey(q.QuoteID)}
	if q.OfferID != "" {
		keys = append(keys, quoteOfferKey(q.OfferID))
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		logger.Warn("quote cache invalidate failed", "quote_id", q.QuoteID, "error", err)
	}
	return nil
}

func (s *CachedQuoteStore) Get(ctx context.Context, id string) (*model.Quote, error) {
	data, err := s.rdb.Get(ctx, quoteKey(id)).Bytes()
	if err == nil {
		var q model.Quote
		if json.Unmarshal(data, &q) == nil {
			return &q, nil
		}
	}

	q, err := s.primary.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, q)
	return q, nil
}

func (s *CachedQuoteStore) GetByOffer(ctx context.Context, offerID string) (*model.Quote, error) {
	id, err := s.rdb.Get(ctx, quoteOfferKey(offerID)).Result()
	if err == nil {
		return s.Get(ctx, id)
	}

	q, err := s.primary.GetByOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, q)
	s.rdb.Set(ctx, quoteOfferKey(offerID), q.QuoteID, s.ttl)
	return q, nil
}

// ListStale is not cached.
func (s *CachedQuoteStore) ListStale(ctx context.Context, now time.Time, limit int) ([]model.Quote, error) {
	return s.primary.ListStale(ctx, now, limit)
}

func (s *CachedQuoteStore) cache(ctx context.Context, q *model.Quote) {
	data, err := json.Marshal(q)
	if err != nil {
		return
	}
	s.rdb.Set(ctx, quoteKey(q.QuoteID), data, s.ttl)
}
