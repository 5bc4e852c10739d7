package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kickoffdata/api-gateway/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrUpstreamTimeout is returned when a fetch does not finish within the fetch timeout
var ErrUpstreamTimeout = errors.New("upstream fetch timed out")

// Result is the outcome of GetOrFetch
type Result[T any] struct {
	Data      T
	FromCache bool
}

// CacheThrough is the read-through accessor data handlers use in front of
// rate-limited providers. It only enforces expiry; TTL policy belongs to the caller.
//
// With single-flight enabled, concurrent misses for one key share a single
// fetch. With it disabled every miss fetches and overwrites, last writer wins.
type CacheThrough struct {
	store        CacheStore
	metrics      *Metrics
	logger       *logrus.Logger
	now          func() time.Time
	fetchTimeout time.Duration
	singleFlight bool
	group        singleflight.Group
}

func NewCacheThrough(store CacheStore, metrics *Metrics, logger *logrus.Logger) *CacheThrough {
	return &CacheThrough{
		store:        store,
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
		fetchTimeout: 10 * time.Second,
		singleFlight: true,
	}
}

func (c *CacheThrough) WithClock(now func() time.Time) *CacheThrough {
	c.now = now
	return c
}

func (c *CacheThrough) WithFetchTimeout(d time.Duration) *CacheThrough {
	c.fetchTimeout = d
	return c
}

func (c *CacheThrough) WithSingleFlight(enabled bool) *CacheThrough {
	c.singleFlight = enabled
	return c
}

// Get returns the stored payload for key when it has not expired
func (c *CacheThrough) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if entry == nil || !entry.Fresh(c.now()) {
		return nil, false, nil
	}
	return entry.Data, true, nil
}

// Set overwrites key with data, expiring ttl from now
func (c *CacheThrough) Set(ctx context.Context, key string, data any, ttl time.Duration) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("couldn't encode cache payload: %w", err)
	}
	return c.setRaw(ctx, key, raw, ttl)
}

func (c *CacheThrough) setRaw(ctx context.Context, key string, raw json.RawMessage, ttl time.Duration) error {
	now := c.now()
	return c.store.Set(ctx, &models.CacheEntry{
		Key:       key,
		Data:      raw,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		TTLMs:     ttl.Milliseconds(),
	})
}

// Clear removes every entry whose key starts with prefix
func (c *CacheThrough) Clear(ctx context.Context, prefix string) (int, error) {
	return c.store.Clear(ctx, prefix)
}

// GetOrFetch serves key from cache, or calls fetch and stores its result for ttl.
// Cache store failures degrade to a miss; fetch failures are returned as is.
func GetOrFetch[T any](ctx context.Context, c *CacheThrough, key string, fetch func(ctx context.Context) (T, error), ttl time.Duration) (Result[T], error) {
	var zero Result[T]

	raw, ok, err := c.Get(ctx, key)
	if err != nil {
		c.logger.WithError(err).WithField("cache_key", key).Warn("cache get error")
	}
	if ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			c.metrics.RecordCacheHit()
			c.logger.WithField("cache_key", key).Debug("cache hit")
			return Result[T]{Data: v, FromCache: true}, nil
		}
		c.logger.WithField("cache_key", key).Warn("cached payload does not decode, refetching")
	}

	c.metrics.RecordCacheMiss()
	c.logger.WithField("cache_key", key).Debug("cache miss")

	raw, err = c.fetch(ctx, key, ttl, func(ctx context.Context) (json.RawMessage, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, err
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("couldn't decode fetched payload: %w", err)
	}
	return Result[T]{Data: v, FromCache: false}, nil
}

func (c *CacheThrough) fetch(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if !c.singleFlight {
		return c.fetchAndStore(ctx, key, ttl, fn)
	}

	// the shared fetch must outlive any single caller's cancellation
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.fetchAndStore(context.WithoutCancel(ctx), key, ttl, fn)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	case <-ctx.Done():
		return nil, contextError(ctx, key)
	}
}

func (c *CacheThrough) fetchAndStore(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	fctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	type outcome struct {
		raw json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		raw, err := fn(fctx)
		done <- outcome{raw: raw, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-fctx.Done():
		return nil, contextError(fctx, key)
	}

	if out.err != nil {
		if errors.Is(out.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrUpstreamTimeout, key)
		}
		return nil, out.err
	}

	if err := c.setRaw(ctx, key, out.raw, ttl); err != nil {
		c.logger.WithError(err).WithField("cache_key", key).Warn("failed to cache response")
	}
	return out.raw, nil
}

func contextError(ctx context.Context, key string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrUpstreamTimeout, key)
	}
	return ctx.Err()
}
