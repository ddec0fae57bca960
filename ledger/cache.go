package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"arbiterdash/contract"
)

const cacheKeyPrefix = "ledger:contracts:"

// KV is the subset of the Redis client the cache needs.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedClient serves per-account contract lists from Redis and passes every
// other call through to the wrapped client. Upstream failures are never
// masked by cached data; cache errors only cost a round trip.
type CachedClient struct {
	Client
	kv     KV
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedClient decorates next with a Redis-backed list cache.
func NewCachedClient(next Client, kv KV, ttl time.Duration, logger *slog.Logger) *CachedClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedClient{Client: next, kv: kv, ttl: ttl, logger: logger}
}

type cachedRecord struct {
	Address    string `json:"address"`
	Arbitrator string `json:"arbitrator"`
	PartyA     string `json:"party_a"`
	PartyB     string `json:"party_b"`
	Timeout    int64  `json:"timeout"`
	Status     string `json:"status"`
}

// FetchContractsForUser returns the cached list for account, filling the
// cache from the wrapped client on a miss.
func (c *CachedClient) FetchContractsForUser(ctx context.Context, account string) ([]contract.Record, error) {
	key, err := cacheKey(account)
	if err != nil {
		return c.Client.FetchContractsForUser(ctx, account)
	}

	if records, ok := c.lookup(ctx, key); ok {
		return records, nil
	}

	records, err := c.Client.FetchContractsForUser(ctx, account)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, records)
	return records, nil
}

// Deploy passes through and drops both parties' cached lists.
func (c *CachedClient) Deploy(ctx context.Context, params DeployParams) (Detail, error) {
	detail, err := c.Client.Deploy(ctx, params)
	if err != nil {
		return Detail{}, err
	}
	c.Invalidate(ctx, detail.PartyA, detail.PartyB)
	return detail, nil
}

// RaiseDispute passes through and drops both parties' cached lists.
func (c *CachedClient) RaiseDispute(ctx context.Context, address, caller string) (Detail, error) {
	detail, err := c.Client.RaiseDispute(ctx, address, caller)
	if err != nil {
		return Detail{}, err
	}
	c.Invalidate(ctx, detail.PartyA, detail.PartyB)
	return detail, nil
}

// Resolve passes through and drops both parties' cached lists.
func (c *CachedClient) Resolve(ctx context.Context, address, arbitrator string, ruling Ruling) (Detail, error) {
	detail, err := c.Client.Resolve(ctx, address, arbitrator, ruling)
	if err != nil {
		return Detail{}, err
	}
	c.Invalidate(ctx, detail.PartyA, detail.PartyB)
	return detail, nil
}

// Invalidate removes the cached lists of the given accounts.
func (c *CachedClient) Invalidate(ctx context.Context, accounts ...string) {
	keys := make([]string, 0, len(accounts))
	for _, account := range accounts {
		if key, err := cacheKey(account); err == nil {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return
	}
	if err := c.kv.Del(ctx, keys...).Err(); err != nil {
		c.logger.WarnContext(ctx, "contract cache invalidation failed",
			"operation", "cache_invalidate",
			"outcome", "failure",
			"keys", keys,
			"error", err.Error(),
		)
	}
}

func (c *CachedClient) lookup(ctx context.Context, key string) ([]contract.Record, bool) {
	raw, err := c.kv.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WarnContext(ctx, "contract cache read failed",
				"operation", "cache_get",
				"outcome", "failure",
				"key", key,
				"error", err.Error(),
			)
		}
		return nil, false
	}

	var cached []cachedRecord
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, false
	}
	records := make([]contract.Record, 0, len(cached))
	for _, cr := range cached {
		status, err := contract.ParseStatus(cr.Status)
		if err != nil {
			return nil, false
		}
		records = append(records, contract.Record{
			Address:    cr.Address,
			Arbitrator: cr.Arbitrator,
			PartyA:     cr.PartyA,
			PartyB:     cr.PartyB,
			Timeout:    cr.Timeout,
			Status:     status,
		})
	}
	return records, true
}

func (c *CachedClient) store(ctx context.Context, key string, records []contract.Record) {
	cached := make([]cachedRecord, 0, len(records))
	for _, rec := range records {
		cached = append(cached, cachedRecord{
			Address:    rec.Address,
			Arbitrator: rec.Arbitrator,
			PartyA:     rec.PartyA,
			PartyB:     rec.PartyB,
			Timeout:    rec.Timeout,
			Status:     string(rec.Status),
		})
	}
	payload, err := json.Marshal(cached)
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "contract cache write failed",
			"operation", "cache_set",
			"outcome", "failure",
			"key", key,
			"error", err.Error(),
		)
	}
}

func cacheKey(account string) (string, error) {
	account, err := contract.NormalizeAddress(account)
	if err != nil {
		return "", err
	}
	return cacheKeyPrefix + account, nil
}
