package balance

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/custodia-pay/custodia/internal/ledger"
)

const cachePrefix = "balance:v1:"

// Reader serves balance reads through a redis cache-aside layer. Concurrent
// misses for the same wallet collapse into a single store read. A nil redis
// client, or a redis outage, degrades to direct store reads.
type Reader struct {
	store  ledger.Store
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	sf     singleflight.Group
}

// NewReader builds a reader over the store with an optional redis cache.
func NewReader(store ledger.Store, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Reader {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{store: store, cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(walletID string) string {
	return cachePrefix + walletID
}

// Balance returns the wallet snapshot, preferring the cache. Cache failures
// are logged and fall through to the store, never surfaced to the caller.
func (r *Reader) Balance(ctx context.Context, walletID string) (ledger.Balance, error) {
	if r.cache != nil {
		raw, err := r.cache.Get(ctx, cacheKey(walletID)).Bytes()
		if err == nil {
			var bal ledger.Balance
			if jsonErr := json.Unmarshal(raw, &bal); jsonErr == nil {
				return bal, nil
			}
			// Corrupt payload: drop it so the next read repopulates.
			_ = r.cache.Del(ctx, cacheKey(walletID)).Err()
		} else if err != redis.Nil {
			r.logger.Warn("balance cache read failed", "wallet_id", walletID, "error", err)
		}
	}

	v, err, _ := r.sf.Do(walletID, func() (any, error) {
		bal, err := r.store.Balance(ctx, walletID)
		if err != nil {
			return ledger.Balance{}, err
		}
		r.fill(ctx, walletID, bal)
		return bal, nil
	})
	if err != nil {
		return ledger.Balance{}, err
	}
	return v.(ledger.Balance), nil
}

// Invalidate drops the cached snapshot, called after committed mutations.
func (r *Reader) Invalidate(ctx context.Context, walletID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Del(ctx, cacheKey(walletID)).Err(); err != nil {
		r.logger.Warn("balance cache invalidate failed", "wallet_id", walletID, "error", err)
	}
}

func (r *Reader) fill(ctx context.Context, walletID string, bal ledger.Balance) {
	if r.cache == nil {
		return
	}
	payload, err := json.Marshal(bal)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cacheKey(walletID), payload, r.ttl).Err(); err != nil {
		r.logger.Warn("balance cache write failed", "wallet_id", walletID, "error", err)
	}
}
