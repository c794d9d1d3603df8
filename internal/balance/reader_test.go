package balance

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/custodia-pay/custodia/internal/ledger"
	"github.com/custodia-pay/custodia/internal/logging"
)

func setupReader(t *testing.T) (*Reader, *ledger.InMemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})

	store := ledger.NewInMemory()
	return NewReader(store, cache, time.Minute, logging.Discard()), store, mr
}

func TestReaderCachesStoreReads(t *testing.T) {
	reader, store, mr := setupReader(t)
	ctx := context.Background()
	ledger.SeedBalance(store, "w-1", 500, 0, 0)

	bal, err := reader.Balance(ctx, "w-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Available != 500 {
		t.Fatalf("expected available 500, got %d", bal.Available)
	}
	if !mr.Exists(cacheKey("w-1")) {
		t.Fatalf("expected cache fill for w-1")
	}

	// Change the store behind the cache: the stale snapshot must win until
	// the entry is invalidated.
	ledger.SeedBalance(store, "w-1", 900, 0, 0)
	cached, err := reader.Balance(ctx, "w-1")
	if err != nil {
		t.Fatalf("cached balance: %v", err)
	}
	if cached.Available != 500 {
		t.Fatalf("expected cached available 500, got %d", cached.Available)
	}

	reader.Invalidate(ctx, "w-1")
	fresh, err := reader.Balance(ctx, "w-1")
	if err != nil {
		t.Fatalf("fresh balance: %v", err)
	}
	if fresh.Available != 900 {
		t.Fatalf("expected fresh available 900, got %d", fresh.Available)
	}
}

func TestReaderDropsCorruptCacheEntries(t *testing.T) {
	reader, store, mr := setupReader(t)
	ctx := context.Background()
	ledger.SeedBalance(store, "w-1", 250, 0, 0)

	if err := mr.Set(cacheKey("w-1"), "not-json"); err != nil {
		t.Fatalf("seed corrupt entry: %v", err)
	}

	bal, err := reader.Balance(ctx, "w-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Available != 250 {
		t.Fatalf("expected store read 250, got %d", bal.Available)
	}
}

func TestReaderDegradesWithoutRedis(t *testing.T) {
	store := ledger.NewInMemory()
	ledger.SeedBalance(store, "w-1", 100, 20, 30)
	reader := NewReader(store, nil, time.Minute, logging.Discard())

	bal, err := reader.Balance(context.Background(), "w-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Available != 100 || bal.PendingIn != 20 || bal.Held != 30 {
		t.Fatalf("unexpected balance %+v", bal)
	}
}

func TestReaderSurvivesRedisOutage(t *testing.T) {
	reader, store, mr := setupReader(t)
	ledger.SeedBalance(store, "w-1", 75, 0, 0)

	// Take redis down: reads must fall through to the store.
	mr.Close()

	bal, err := reader.Balance(context.Background(), "w-1")
	if err != nil {
		t.Fatalf("balance during outage: %v", err)
	}
	if bal.Available != 75 {
		t.Fatalf("expected available 75, got %d", bal.Available)
	}
	reader.Invalidate(context.Background(), "w-1")
}
