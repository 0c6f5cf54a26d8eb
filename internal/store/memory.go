package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/prophecy-engine/internal/acl"
	"github.com/atmx/prophecy-engine/internal/asset"
	"github.com/atmx/prophecy-engine/internal/fhe"
	"github.com/atmx/prophecy-engine/internal/model"
)

type dayIndexKey struct {
	user  common.Address
	asset asset.Asset
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Update calls are serialized by writeMu. Their writes are staged on the
// transaction and applied under mu only when fn succeeds, so readers never
// see a partial update and may run while an Update is in progress.
type MemoryStore struct {
	writeMu sync.Mutex

	mu          sync.RWMutex
	prices      map[uint64]model.PricePoint
	lastDay     uint64
	predictions map[model.PredictionKey]model.Prediction
	points      map[common.Address]fhe.Uint64
	days        map[dayIndexKey][]uint64
	grants      map[fhe.Handle]map[common.Address]struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		prices:      make(map[uint64]model.PricePoint),
		predictions: make(map[model.PredictionKey]model.Prediction),
		points:      make(map[common.Address]fhe.Uint64),
		days:        make(map[dayIndexKey][]uint64),
		grants:      make(map[fhe.Handle]map[common.Address]struct{}),
	}
}

func (s *MemoryStore) GetPricePoint(_ context.Context, day uint64) (model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prices[day], nil
}

func (s *MemoryStore) LastRecordedDay(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastDay, nil
}

func (s *MemoryStore) GetPrediction(_ context.Context, key model.PredictionKey) (model.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.predictions[key], nil
}

func (s *MemoryStore) GetPoints(_ context.Context, user common.Address) (fhe.Uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.points[user], nil
}

func (s *MemoryStore) GetPredictionDays(_ context.Context, user common.Address, a asset.Asset) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	days := s.days[dayIndexKey{user, a}]
	out := make([]uint64, len(days))
	copy(out, days)
	return out, nil
}

func (s *MemoryStore) IsAllowed(_ context.Context, h fhe.Handle, account common.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.grants[h][account]
	return ok, nil
}

func (s *MemoryStore) OutstandingStakes(_ context.Context) (map[common.Address]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[common.Address]uint64)
	for key, p := range s.predictions {
		if p.Exists && !p.Resolved {
			out[key.User] += p.Stake
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		base:        s,
		prices:      make(map[uint64]model.PricePoint),
		predictions: make(map[model.PredictionKey]model.Prediction),
		points:      make(map[common.Address]fhe.Uint64),
		days:        make(map[dayIndexKey][]uint64),
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for day, p := range tx.prices {
		s.prices[day] = p
	}
	if tx.lastDay != nil {
		s.lastDay = *tx.lastDay
	}
	for k, p := range tx.predictions {
		s.predictions[k] = p
	}
	for u, h := range tx.points {
		s.points[u] = h
	}
	for k, d := range tx.days {
		s.days[k] = d
	}
	for _, g := range tx.grants {
		accts, ok := s.grants[g.Handle]
		if !ok {
			accts = make(map[common.Address]struct{})
			s.grants[g.Handle] = accts
		}
		accts[g.Account] = struct{}{}
	}
	return nil
}

// memTx stages writes over a MemoryStore.
type memTx struct {
	base        *MemoryStore
	prices      map[uint64]model.PricePoint
	lastDay     *uint64
	predictions map[model.PredictionKey]model.Prediction
	points      map[common.Address]fhe.Uint64
	days        map[dayIndexKey][]uint64
	grants      acl.List
}

func (tx *memTx) GetPricePoint(ctx context.Context, day uint64) (model.PricePoint, error) {
	if p, ok := tx.prices[day]; ok {
		return p, nil
	}
	return tx.base.GetPricePoint(ctx, day)
}

func (tx *memTx) LastRecordedDay(ctx context.Context) (uint64, error) {
	if tx.lastDay != nil {
		return *tx.lastDay, nil
	}
	return tx.base.LastRecordedDay(ctx)
}

func (tx *memTx) GetPrediction(ctx context.Context, key model.PredictionKey) (model.Prediction, error) {
	if p, ok := tx.predictions[key]; ok {
		return p, nil
	}
	return tx.base.GetPrediction(ctx, key)
}

func (tx *memTx) GetPoints(ctx context.Context, user common.Address) (fhe.Uint64, error) {
	if h, ok := tx.points[user]; ok {
		return h, nil
	}
	return tx.base.GetPoints(ctx, user)
}

func (tx *memTx) GetPredictionDays(ctx context.Context, user common.Address, a asset.Asset) ([]uint64, error) {
	if d, ok := tx.days[dayIndexKey{user, a}]; ok {
		out := make([]uint64, len(d))
		copy(out, d)
		return out, nil
	}
	return tx.base.GetPredictionDays(ctx, user, a)
}

func (tx *memTx) IsAllowed(ctx context.Context, h fhe.Handle, account common.Address) (bool, error) {
	if tx.grants.Allows(h, account) {
		return true, nil
	}
	return tx.base.IsAllowed(ctx, h, account)
}

func (tx *memTx) InsertPricePoint(ctx context.Context, day uint64, p model.PricePoint) error {
	existing, err := tx.GetPricePoint(ctx, day)
	if err != nil {
		return err
	}
	if existing.Posted() {
		return fmt.Errorf("%w: price for day %d already posted", ErrConflict, day)
	}
	tx.prices[day] = p
	last, err := tx.LastRecordedDay(ctx)
	if err != nil {
		return err
	}
	if day >= last {
		tx.lastDay = &day
	}
	return nil
}

func (tx *memTx) InsertPrediction(ctx context.Context, key model.PredictionKey, p model.Prediction, grants acl.List) error {
	if err := checkGrants(grants, key.User, p.EncPrice.Handle, p.EncDirection.Handle, p.EncOutcome.Handle); err != nil {
		return err
	}
	existing, err := tx.GetPrediction(ctx, key)
	if err != nil {
		return err
	}
	if existing.Exists {
		return fmt.Errorf("%w: prediction %s/%s/%d exists", ErrConflict, key.User.Hex(), key.Asset, key.Day)
	}
	days, err := tx.GetPredictionDays(ctx, key.User, key.Asset)
	if err != nil {
		return err
	}

	p.Exists = true
	tx.predictions[key] = p
	tx.days[dayIndexKey{key.User, key.Asset}] = append(days, key.Day)
	tx.grants = append(tx.grants, grants...)
	return nil
}

func (tx *memTx) ResolvePrediction(ctx context.Context, key model.PredictionKey, outcome fhe.Bool, grants acl.List) error {
	if err := checkGrants(grants, key.User, outcome.Handle); err != nil {
		return err
	}
	p, err := tx.GetPrediction(ctx, key)
	if err != nil {
		return err
	}
	if !p.Exists {
		return fmt.Errorf("%w: prediction %s/%s/%d", ErrNotFound, key.User.Hex(), key.Asset, key.Day)
	}
	if p.Resolved {
		return fmt.Errorf("%w: prediction %s/%s/%d already resolved", ErrConflict, key.User.Hex(), key.Asset, key.Day)
	}

	p.Resolved = true
	p.EncOutcome = outcome
	tx.predictions[key] = p
	tx.grants = append(tx.grants, grants...)
	return nil
}

func (tx *memTx) SetPoints(_ context.Context, user common.Address, total fhe.Uint64, grants acl.List) error {
	if err := checkGrants(grants, user, total.Handle); err != nil {
		return err
	}
	tx.points[user] = total
	tx.grants = append(tx.grants, grants...)
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)
