package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"WalletLedger/internal/core"
	"WalletLedger/internal/ledger"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "wallet:snap:"

// Each key is a hash {v: wallet version, d: snapshot json}. A write carrying
// an older version than the stored one is dropped; an empty d is a tombstone.
var fencedWrite = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'd', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// SnapshotCache keeps wallet snapshots in Redis. Every committed change
// replaces the entry with a tombstone at the new version, so a read-through
// write of an older snapshot that lands afterwards is refused. Entries expire
// after the TTL regardless.
type SnapshotCache struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger zerolog.Logger
}

func NewSnapshotCache(rdb redis.UniversalClient, ttl time.Duration, logger zerolog.Logger) *SnapshotCache {
	return &SnapshotCache{rdb: rdb, ttl: ttl, logger: logger}
}

// NewClient opens a single-node client; addrs with more than one entry
// use a cluster client
func NewClient(addrs []string, password string) redis.UniversalClient {
	if len(addrs) > 1 {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    addrs,
			Password: password,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:     addrs[0],
		Password: password,
	})
}

// snapshot is the cached wire form
type snapshot struct {
	WalletID          string    `json:"wallet_id"`
	Path              string    `json:"path"`
	Currency          string    `json:"currency"`
	Balance           int64     `json:"balance"`
	LockedBalance     int64     `json:"locked_balance"`
	BonusBalance      int64     `json:"bonus_balance"`
	RolloverTotal     int64     `json:"rollover_total"`
	RolloverRemaining int64     `json:"rollover_remaining"`
	Version           int64     `json:"version"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func cacheKey(key ledger.WalletKey) string {
	return keyPrefix + key.Path()
}

// Get returns the cached wallet, or nil on a miss
func (c *SnapshotCache) Get(ctx context.Context, key ledger.WalletKey) (*ledger.Wallet, error) {
	raw, err := c.rdb.HGet(ctx, cacheKey(key), "d").Bytes()
	if errors.Is(err, redis.Nil) || (err == nil && len(raw) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	var s snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		// Corrupt entry: drop it and treat as a miss
		c.rdb.Del(ctx, cacheKey(key))
		return nil, nil
	}
	return s.wallet()
}

// Set stores w unless the cache already holds a newer version or a
// tombstone from a later commit
func (c *SnapshotCache) Set(ctx context.Context, w *ledger.Wallet) error {
	data, err := json.Marshal(fromWallet(w))
	if err != nil {
		return err
	}
	return c.write(ctx, w.Key, w.Version, data)
}

// Invalidate drops the snapshot of key, fencing out writes of versions
// below version
func (c *SnapshotCache) Invalidate(ctx context.Context, key ledger.WalletKey, version int64) error {
	return c.write(ctx, key, version, nil)
}

func (c *SnapshotCache) write(ctx context.Context, key ledger.WalletKey, version int64, data []byte) error {
	err := fencedWrite.Run(ctx, c.rdb, []string{cacheKey(key)}, version, data, c.ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis write %s: %w", key, err)
	}
	return nil
}

// Ping reports whether Redis is reachable (readiness check)
func (c *SnapshotCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Invalidator returns a processor listener that drops the snapshot of
// every wallet a committed change touched
func (c *SnapshotCache) Invalidator() core.Listener {
	return core.ListenerFunc(func(ctx context.Context, res *core.Result) {
		if err := c.Invalidate(ctx, res.Wallet.Key, res.Wallet.Version); err != nil {
			c.logger.Warn().Err(err).Str("owner", res.Wallet.Key.Path()).Msg("snapshot invalidation failed")
		}
	})
}

func fromWallet(w *ledger.Wallet) snapshot {
	return snapshot{
		WalletID:          w.WalletID.String(),
		Path:              w.Key.Path(),
		Currency:          w.Currency,
		Balance:           w.Balance,
		LockedBalance:     w.LockedBalance,
		BonusBalance:      w.BonusBalance,
		RolloverTotal:     w.RolloverTotal,
		RolloverRemaining: w.RolloverRemaining,
		Version:           w.Version,
		CreatedAt:         w.CreatedAt,
		UpdatedAt:         w.UpdatedAt,
	}
}

func (s snapshot) wallet() (*ledger.Wallet, error) {
	key, err := ledger.ParseWalletKey(s.Path)
	if err != nil {
		return nil, fmt.Errorf("cached snapshot: %w", err)
	}
	w := &ledger.Wallet{
		Key:               key,
		Currency:          s.Currency,
		Balance:           s.Balance,
		LockedBalance:     s.LockedBalance,
		BonusBalance:      s.BonusBalance,
		RolloverTotal:     s.RolloverTotal,
		RolloverRemaining: s.RolloverRemaining,
		Version:           s.Version,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
	if err := w.WalletID.UnmarshalText([]byte(s.WalletID)); err != nil {
		return nil, fmt.Errorf("cached snapshot wallet id: %w", err)
	}
	return w, nil
}
