package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"ams/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// CacheKeyTreePrefix prefixes per-submission tree cache keys
const CacheKeyTreePrefix = "ams:tree:"

// maxTreeCacheSize rejects entries that would bloat redis memory
const maxTreeCacheSize = 10 * 1024 * 1024

// TreeCache keeps assembled submission trees in Redis. Entries are stamped with the
// submission version and reference generation they were built from and are ignored once
// either moves on.
type TreeCache struct {
	client  *redis.Client
	ttl     time.Duration
	breaker *CacheBreaker
	logger  *zap.SugaredLogger
}

// TreeStamp identifies the state a cached tree was built from. Every committed change to
// a node rendered in the tree moves the submission version; renames of reference values
// move the generation.
type TreeStamp struct {
	Version             uuid.UUID `json:"version"`
	ReferenceGeneration int64     `json:"reference_generation"`
}

type treeCacheEntry struct {
	Stamp    TreeStamp   `json:"stamp"`
	Children []*TreeNode `json:"children"`
}

// NewTreeCache creates a new Redis-backed tree cache
func NewTreeCache(addr, password string, db, poolSize int, ttl time.Duration, logger *zap.SugaredLogger) *TreeCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	// The default config is always valid
	breaker, _ := NewCacheBreaker(DefaultBreakerConfig(), nil)

	return &TreeCache{
		client:  client,
		ttl:     ttl,
		breaker: breaker,
		logger:  logger,
	}
}

// Breaker exposes the breaker guarding Redis calls
func (tc *TreeCache) Breaker() *CacheBreaker {
	return tc.breaker
}

// allow reports whether Redis may be called. A skipped call counts as a cache error.
func (tc *TreeCache) allow(op string) bool {
	if err := tc.breaker.Allow(); err != nil {
		metrics.CacheErrors.WithLabelValues("tree", op+"_skipped").Inc()
		return false
	}
	return true
}

// observe feeds the outcome of a Redis call into the breaker and logs state changes
func (tc *TreeCache) observe(err error) {
	var oldState, newState BreakerState
	if err == nil {
		oldState, newState = tc.breaker.RecordSuccess()
	} else {
		oldState, newState = tc.breaker.RecordFailure()
	}
	if oldState != newState {
		tc.logger.Warnw("Tree cache breaker changed state", "from", oldState, "to", newState, "error", err)
	}
}

// Ping tests the Redis connection
func (tc *TreeCache) Ping(ctx context.Context) error {
	return tc.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (tc *TreeCache) Close() error {
	return tc.client.Close()
}

// TreeCacheKey generates the cache key for a submission's tree
func TreeCacheKey(submissionUUID uuid.UUID) string {
	return CacheKeyTreePrefix + submissionUUID.String()
}

// Get returns the cached tree for submissionUUID if it was built from stamp.
func (tc *TreeCache) Get(ctx context.Context, submissionUUID uuid.UUID, stamp TreeStamp) ([]*TreeNode, bool, error) {
	if !tc.allow("get") {
		return nil, false, ErrBreakerOpen
	}
	key := TreeCacheKey(submissionUUID)
	data, err := tc.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		tc.observe(nil)
		metrics.CacheMisses.WithLabelValues("tree").Inc()
		return nil, false, nil
	}
	tc.observe(err)
	if err != nil {
		tc.logger.Errorf("Failed to get tree cache entry for key %s: %v", key, err)
		metrics.CacheErrors.WithLabelValues("tree", "get").Inc()
		return nil, false, err
	}

	var entry treeCacheEntry
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&entry); err != nil {
		tc.logger.Errorf("Failed to decode tree cache entry for key %s: %v", key, err)
		metrics.CacheErrors.WithLabelValues("tree", "unmarshal").Inc()
		return nil, false, err
	}

	if entry.Stamp != stamp {
		metrics.CacheMisses.WithLabelValues("tree").Inc()
		return nil, false, nil
	}

	metrics.CacheHits.WithLabelValues("tree").Inc()
	return entry.Children, true, nil
}

// Set stores the tree built from the given stamp
func (tc *TreeCache) Set(ctx context.Context, submissionUUID uuid.UUID, stamp TreeStamp, children []*TreeNode) error {
	key := TreeCacheKey(submissionUUID)

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(treeCacheEntry{Stamp: stamp, Children: children}); err != nil {
		tc.logger.Errorf("Failed to encode tree cache entry for key %s: %v", key, err)
		metrics.CacheErrors.WithLabelValues("tree", "marshal").Inc()
		return err
	}

	if buf.Len() > maxTreeCacheSize {
		tc.logger.Warnf("Tree cache entry for key %s exceeds size limit (%d bytes > %d bytes), rejecting", key, buf.Len(), maxTreeCacheSize)
		metrics.CacheErrors.WithLabelValues("tree", "size_limit").Inc()
		return fmt.Errorf("tree cache entry size %d bytes exceeds maximum allowed size %d bytes", buf.Len(), maxTreeCacheSize)
	}

	if !tc.allow("set") {
		return ErrBreakerOpen
	}
	err := tc.client.Set(ctx, key, buf.Bytes(), tc.ttl).Err()
	tc.observe(err)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("tree", "set").Inc()
		return err
	}
	return nil
}

// Invalidate drops the cached trees of the given submissions. Stale entries are already
// unreachable through their stamp, so this only frees memory early.
func (tc *TreeCache) Invalidate(ctx context.Context, submissionUUIDs ...uuid.UUID) error {
	if len(submissionUUIDs) == 0 {
		return nil
	}
	keys := make([]string, len(submissionUUIDs))
	for i, id := range submissionUUIDs {
		keys[i] = TreeCacheKey(id)
	}
	if !tc.allow("delete") {
		return ErrBreakerOpen
	}
	err := tc.client.Del(ctx, keys...).Err()
	tc.observe(err)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("tree", "delete").Inc()
		return err
	}
	return nil
}
