package features

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/sendflowr/timing-engine/internal/domain"
	"github.com/sendflowr/timing-engine/internal/pkg/logger"
	"github.com/sendflowr/timing-engine/internal/timing"
)

const (
	featureKeyPrefix  = "features:v2:"
	decisionKeyPrefix = "decision:"

	curveField = "curve"
	metaField  = "meta"

	// DefaultMaxAge is the feature cache TTL when none is configured.
	DefaultMaxAge = time.Hour

	decisionTTL = time.Hour
)

// Cache stores computed feature sets in Redis. The curve travels as packed
// little-endian float32 in one hash field; everything else is a JSON envelope
// in a second field. Both expire together.
type Cache struct {
	rdb    redis.UniversalClient
	maxAge time.Duration
}

// NewCache creates a Redis-backed feature cache. maxAge <= 0 takes the
// default.
func NewCache(rdb redis.UniversalClient, maxAge time.Duration) *Cache {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Cache{rdb: rdb, maxAge: maxAge}
}

func featureKey(universalID string) string { return featureKeyPrefix + universalID }

// Get returns the cached feature set, or nil on miss. A corrupt payload is
// treated as a miss and evicted.
func (c *Cache) Get(ctx context.Context, universalID string) (*FeatureSet, error) {
	fields, err := c.rdb.HGetAll(ctx, featureKey(universalID)).Result()
	if err != nil {
		return nil, domain.Wrap(domain.KindBackendUnavailable, err, "feature cache read")
	}
	if len(fields) == 0 {
		return nil, nil
	}

	curveRaw, okCurve := fields[curveField]
	metaRaw, okMeta := fields[metaField]
	if !okCurve || !okMeta {
		c.evict(ctx, universalID, "missing fields")
		return nil, nil
	}

	curve, err := timing.UnmarshalCurve([]byte(curveRaw))
	if err != nil {
		c.evict(ctx, universalID, err.Error())
		return nil, nil
	}
	var fs FeatureSet
	if err := json.Unmarshal([]byte(metaRaw), &fs); err != nil {
		c.evict(ctx, universalID, err.Error())
		return nil, nil
	}
	fs.Curve = curve
	return &fs, nil
}

// Set writes a feature set with the configured TTL.
func (c *Cache) Set(ctx context.Context, fs *FeatureSet) error {
	curveRaw, err := fs.Curve.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal curve: %w", err)
	}
	metaRaw, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("marshal feature meta: %w", err)
	}

	key := featureKey(fs.UniversalID)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, curveField, curveRaw, metaField, metaRaw)
	pipe.Expire(ctx, key, c.maxAge)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Wrap(domain.KindBackendUnavailable, err, "feature cache write")
	}
	return nil
}

// Invalidate drops one recipient's cached features.
func (c *Cache) Invalidate(ctx context.Context, universalID string) error {
	if err := c.rdb.Del(ctx, featureKey(universalID)).Err(); err != nil {
		return domain.Wrap(domain.KindBackendUnavailable, err, "feature cache invalidate")
	}
	return nil
}

func (c *Cache) evict(ctx context.Context, universalID, reason string) {
	logger.Warn("evicting corrupt feature cache entry", "universal_id", universalID, "reason", reason)
	_ = c.rdb.Del(ctx, featureKey(universalID)).Err()
}

// StoreDecision caches a timing decision for one hour under
// decision:<universal_id>:<decision_id>.
func (c *Cache) StoreDecision(ctx context.Context, d domain.TimingDecision) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	key := decisionKeyPrefix + d.UniversalID + ":" + d.DecisionID
	if err := c.rdb.Set(ctx, key, raw, decisionTTL).Err(); err != nil {
		return domain.Wrap(domain.KindBackendUnavailable, err, "decision cache write")
	}
	return nil
}

// CachedDecision returns a cached decision, or nil on miss.
func (c *Cache) CachedDecision(ctx context.Context, universalID, decisionID string) (*domain.TimingDecision, error) {
	raw, err := c.rdb.Get(ctx, decisionKeyPrefix+universalID+":"+decisionID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindBackendUnavailable, err, "decision cache read")
	}
	var d domain.TimingDecision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("unmarshal cached decision: %w", err)
	}
	return &d, nil
}

// Ping verifies connectivity for the health endpoint.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return domain.Wrap(domain.KindBackendUnavailable, err, "redis ping")
	}
	return nil
}

// Provider serves feature sets cache-first. Concurrent misses for the same
// recipient collapse into one computation via singleflight.
type Provider struct {
	engine *Engine
	cache  *Cache
	group  singleflight.Group
}

// NewProvider wires an engine and a cache into a read-through provider.
func NewProvider(engine *Engine, cache *Cache) *Provider {
	return &Provider{engine: engine, cache: cache}
}

// Get returns features for one recipient, computing and caching on miss.
func (p *Provider) Get(ctx context.Context, universalID string) (*FeatureSet, error) {
	if fs, err := p.cache.Get(ctx, universalID); err == nil && fs != nil {
		return fs, nil
	} else if err != nil {
		logger.Warn("feature cache unavailable, computing directly",
			"universal_id", universalID, "error", err.Error())
	}

	v, err, _ := p.group.Do(universalID, func() (interface{}, error) {
		fs, err := p.engine.Compute(ctx, universalID)
		if err != nil {
			return nil, err
		}
		if err := p.cache.Set(ctx, fs); err != nil {
			logger.Warn("feature cache write failed", "universal_id", universalID, "error", err.Error())
		}
		return fs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*FeatureSet), nil
}

// Refresh recomputes one recipient's features, bypassing the cache read.
func (p *Provider) Refresh(ctx context.Context, universalID string) (*FeatureSet, error) {
	fs, err := p.engine.Compute(ctx, universalID)
	if err != nil {
		return nil, err
	}
	if err := p.cache.Set(ctx, fs); err != nil {
		logger.Warn("feature cache write failed", "universal_id", universalID, "error", err.Error())
	}
	return fs, nil
}

// RefreshAll runs the batch recompute, storing each result in the cache.
func (p *Provider) RefreshAll(ctx context.Context) (*BatchResult, error) {
	return p.engine.ComputeAllActive(ctx, func(ctx context.Context, fs *FeatureSet) error {
		return p.cache.Set(ctx, fs)
	})
}
