package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/prophecy-engine/internal/acl"
	"github.com/atmx/prophecy-engine/internal/asset"
	"github.com/atmx/prophecy-engine/internal/fhe"
	"github.com/atmx/prophecy-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Only records that can no longer change are cached: posted prices,
// resolved predictions and grants. Everything else is read from the primary,
// so a reader racing a commit can never pin a stale value in Redis.
// Writes go to the primary store and invalidate the touched keys once the
// transaction commits. Reads made inside Update always go to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// OutstandingStakes is read from the primary; it is only needed at startup.
func (s *CachedStore) OutstandingStakes(ctx context.Context) (map[common.Address]uint64, error) {
	return s.primary.OutstandingStakes(ctx)
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	var stale []string
	err := s.primary.Update(ctx, func(tx Tx) error {
		stale = stale[:0]
		return fn(&invalidatingTx{Tx: tx, stale: &stale})
	})
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		s.rdb.Del(ctx, stale...)
	}
	return nil
}

// invalidatingTx records the cache keys touched by a transaction.
type invalidatingTx struct {
	Tx
	stale *[]string
}

func (t *invalidatingTx) InsertPricePoint(ctx context.Context, day uint64, p model.PricePoint) error {
	if err := t.Tx.InsertPricePoint(ctx, day, p); err != nil {
		return err
	}
	*t.stale = append(*t.stale, priceKey(day))
	return nil
}

func (t *invalidatingTx) InsertPrediction(ctx context.Context, key model.PredictionKey, p model.Prediction, grants acl.List) error {
	if err := t.Tx.InsertPrediction(ctx, key, p, grants); err != nil {
		return err
	}
	*t.stale = append(*t.stale, predictionKey(key))
	return nil
}

func (t *invalidatingTx) ResolvePrediction(ctx context.Context, key model.PredictionKey, outcome fhe.Bool, grants acl.List) error {
	if err := t.Tx.ResolvePrediction(ctx, key, outcome, grants); err != nil {
		return err
	}
	*t.stale = append(*t.stale, predictionKey(key))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPricePoint(ctx context.Context, day uint64) (model.PricePoint, error) {
	var p model.PricePoint
	if s.cached(ctx, priceKey(day), &p) {
		return p, nil
	}

	p, err := s.primary.GetPricePoint(ctx, day)
	if err != nil {
		return model.PricePoint{}, err
	}
	// Only posted prices are immutable; a pending day is re-read each time.
	if p.Posted() {
		s.cache(ctx, priceKey(day), p)
	}
	return p, nil
}

func (s *CachedStore) GetPrediction(ctx context.Context, key model.PredictionKey) (model.Prediction, error) {
	var p model.Prediction
	if s.cached(ctx, predictionKey(key), &p) {
		return p, nil
	}

	p, err := s.primary.GetPrediction(ctx, key)
	if err != nil {
		return model.Prediction{}, err
	}
	// An open prediction still changes on resolve.
	if p.Resolved {
		s.cache(ctx, predictionKey(key), p)
	}
	return p, nil
}

// IsAllowed caches positive answers only; grants are never revoked.
func (s *CachedStore) IsAllowed(ctx context.Context, h fhe.Handle, account common.Address) (bool, error) {
	if n, err := s.rdb.Exists(ctx, grantKey(h, account)).Result(); err == nil && n == 1 {
		return true, nil
	}

	ok, err := s.primary.IsAllowed(ctx, h, account)
	if err != nil {
		return false, err
	}
	if ok {
		s.rdb.Set(ctx, grantKey(h, account), 1, s.ttl)
	}
	return ok, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) LastRecordedDay(ctx context.Context) (uint64, error) {
	return s.primary.LastRecordedDay(ctx)
}

func (s *CachedStore) GetPoints(ctx context.Context, user common.Address) (fhe.Uint64, error) {
	return s.primary.GetPoints(ctx, user)
}

func (s *CachedStore) GetPredictionDays(ctx context.Context, user common.Address, a asset.Asset) ([]uint64, error) {
	return s.primary.GetPredictionDays(ctx, user, a)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func priceKey(day uint64) string { return fmt.Sprintf("prophecy:price:%d", day) }
func predictionKey(k model.PredictionKey) string {
	return fmt.Sprintf("prophecy:prediction:%s:%d:%d", k.User.Hex(), k.Asset, k.Day)
}
func grantKey(h fhe.Handle, a common.Address) string {
	return fmt.Sprintf("prophecy:grant:%s:%s", h.Hex(), a.Hex())
}

var _ Store = (*CachedStore)(nil)
