package store_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/prophecy-engine/internal/acl"
	"github.com/atmx/prophecy-engine/internal/asset"
	"github.com/atmx/prophecy-engine/internal/fhe"
	"github.com/atmx/prophecy-engine/internal/model"
	"github.com/atmx/prophecy-engine/internal/store"
)

// fakeRedis implements the string commands CachedStore uses over a map.
// Any other command panics through the nil embedded Cmdable.
type fakeRedis struct {
	redis.Cmdable

	mu   sync.Mutex
	data map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	default:
		f.data[key] = "1"
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}

func newCachedStore(t *testing.T) (*store.CachedStore, *store.MemoryStore, *fakeRedis) {
	t.Helper()
	primary := store.NewMemoryStore()
	rdb := newFakeRedis()
	return store.NewCachedStore(primary, rdb, time.Minute), primary, rdb
}

func TestCachedStore_OpenPredictionNotCached(t *testing.T) {
	cs, primary, rdb := newCachedStore(t)
	ctx := context.Background()
	key := insert(t, cs, asset.ETH, 7)

	p, err := cs.GetPrediction(ctx, key)
	if err != nil || !p.Exists || p.Resolved {
		t.Fatalf("expected open prediction, got %+v, %v", p, err)
	}
	if n := rdb.count("prophecy:prediction:"); n != 0 {
		t.Fatalf("expected open prediction to bypass the cache, %d entries cached", n)
	}

	// Commit a resolution without going through the cache's invalidation,
	// as a reader that raced the commit would observe it.
	outcome := fhe.Bool{Handle: handle(50, fhe.TypeBool)}
	err = primary.Update(ctx, func(tx store.Tx) error {
		return tx.ResolvePrediction(ctx, key, outcome, acl.Allow(user, engine).On(outcome.Handle))
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	p, _ = cs.GetPrediction(ctx, key)
	if !p.Resolved || p.EncOutcome != outcome {
		t.Fatalf("expected resolved prediction from primary, got %+v", p)
	}
	if n := rdb.count("prophecy:prediction:"); n != 1 {
		t.Fatalf("expected resolved prediction cached, %d entries", n)
	}
	again, _ := cs.GetPrediction(ctx, key)
	if again != p {
		t.Errorf("cached read differs: %+v vs %+v", again, p)
	}
}

func TestCachedStore_PointsAndDaysReadFromPrimary(t *testing.T) {
	cs, primary, rdb := newCachedStore(t)
	ctx := context.Background()
	insert(t, cs, asset.ETH, 1)

	if days, _ := cs.GetPredictionDays(ctx, user, asset.ETH); len(days) != 1 {
		t.Fatalf("expected one day, got %v", days)
	}
	insert(t, primary, asset.ETH, 2)
	if days, _ := cs.GetPredictionDays(ctx, user, asset.ETH); len(days) != 2 || days[1] != 2 {
		t.Errorf("expected days [1 2] from primary, got %v", days)
	}

	for i, b := range []byte{60, 61} {
		total := fhe.Uint64{Handle: handle(b, fhe.TypeUint64)}
		err := primary.Update(ctx, func(tx store.Tx) error {
			return tx.SetPoints(ctx, user, total, acl.Allow(user, engine).On(total.Handle))
		})
		if err != nil {
			t.Fatalf("set points %d: %v", i, err)
		}
		if got, _ := cs.GetPoints(ctx, user); got != total {
			t.Errorf("round %d: expected points %s, got %s", i, total.Handle, got.Handle)
		}
	}
	if n := rdb.count("prophecy:"); n != 0 {
		t.Errorf("expected nothing cached, %d entries", n)
	}
}

func TestCachedStore_PostedPriceCached(t *testing.T) {
	cs, _, rdb := newCachedStore(t)
	ctx := context.Background()

	if p, _ := cs.GetPricePoint(ctx, 5); p.Posted() {
		t.Fatal("expected unposted day")
	}
	if n := rdb.count("prophecy:price:"); n != 0 {
		t.Fatalf("expected pending day not cached, %d entries", n)
	}

	posted := model.PricePoint{EthPrice: 100, BtcPrice: 200, UpdatedAt: 1}
	err := cs.Update(ctx, func(tx store.Tx) error {
		return tx.InsertPricePoint(ctx, 5, posted)
	})
	if err != nil {
		t.Fatalf("insert price: %v", err)
	}
	if p, _ := cs.GetPricePoint(ctx, 5); p != posted {
		t.Errorf("expected %+v, got %+v", posted, p)
	}
	if n := rdb.count("prophecy:price:"); n != 1 {
		t.Errorf("expected posted price cached, %d entries", n)
	}
}

func TestCachedStore_GrantsCachedWhenAllowed(t *testing.T) {
	cs, _, rdb := newCachedStore(t)
	ctx := context.Background()
	key := insert(t, cs, asset.BTC, 3)
	p, _ := cs.GetPrediction(ctx, key)

	if ok, _ := cs.IsAllowed(ctx, p.EncPrice.Handle, user); !ok {
		t.Fatal("expected user grant")
	}
	if ok, _ := cs.IsAllowed(ctx, p.EncPrice.Handle, common.Address{}); ok {
		t.Error("did not expect grant for the zero address")
	}
	if n := rdb.count("prophecy:grant:"); n != 1 {
		t.Errorf("expected one positive grant cached, %d entries", n)
	}
}
