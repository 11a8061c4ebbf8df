/*
Copyright 2025 the Industry Monitor contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cache implements the three-tier read-through cache: an in-process
// LRU (L1), Redis (L2), and the Mongo repository (L3). Reads walk
// downward and promote hits upward; writes fan out to L1 and L2, with L3
// persistence owned by the collector's persistence policy.
//
// Redis and Mongo failures on the read path are logged and treated as
// misses: a degraded tier must never fail a query that a lower tier or the
// upstream can still serve.
package cache

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qzsyzn/industry-monitor/internal/config"
	"github.com/qzsyzn/industry-monitor/internal/period"
	"github.com/qzsyzn/industry-monitor/internal/storage"
)

// Source labels where a read was served from.
const (
	SourceL1    = "l1"
	SourceRedis = "redis"
	SourceMongo = "mongo"
	SourceFresh = "fresh"
)

// DataKeyPrefix is the L2 namespace for collected documents.
const DataKeyPrefix = "mengla:data"

// EmptyStreakPrefix is the Redis namespace for consecutive-empty counters.
const EmptyStreakPrefix = "mengla:empty_streak"

const emptyStreakTTL = 7 * 24 * time.Hour

// Key builds the L2 key for an identity. An empty cat id maps to "all".
func Key(id storage.Identity) string {
	cat := id.CatID
	if cat == "" {
		cat = "all"
	}
	return strings.Join([]string{DataKeyPrefix, id.Action, cat, string(id.Granularity), id.PeriodKey}, ":")
}

// Store is the slice of the Mongo repository the cache needs.
type Store interface {
	Get(ctx context.Context, id storage.Identity) (*storage.Record, error)
	Warmup(ctx context.Context, limit int64, actions, catIDs []string, granularity string, fn func(*storage.Record) error) (int, int, error)
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	L1Hits     int64 `json:"l1_hits"`
	L1Misses   int64 `json:"l1_misses"`
	L2Hits     int64 `json:"l2_hits"`
	L2Misses   int64 `json:"l2_misses"`
	L3Hits     int64 `json:"l3_hits"`
	L3Misses   int64 `json:"l3_misses"`
	L1Size     int   `json:"l1_size"`
	L1Capacity int   `json:"l1_capacity"`
}

// Manager coordinates the tiers.
type Manager struct {
	l1     *lru.LRU[string, []byte]
	l1Cap  int
	rdb    *redis.Client
	store  Store
	ttls   map[period.Granularity]time.Duration
	logger *zap.Logger

	l1Hits, l1Misses atomic.Int64
	l2Hits, l2Misses atomic.Int64
	l3Hits, l3Misses atomic.Int64
}

// NewManager wires all three tiers.
func NewManager(cfg config.CacheConfig, rdb *redis.Client, store Store, logger *zap.Logger) *Manager {
	return &Manager{
		l1:     lru.NewLRU[string, []byte](cfg.L1Size, nil, cfg.L1TTL),
		l1Cap:  cfg.L1Size,
		rdb:    rdb,
		store:  store,
		ttls:   cfg.TTL,
		logger: logger.Named("cache"),
	}
}

// TTL returns the L2 lifetime for a granularity.
func (m *Manager) TTL(g period.Granularity) time.Duration {
	if ttl, ok := m.ttls[g]; ok {
		return ttl
	}
	return m.ttls[period.Day]
}

// Get walks L1 -> L2 -> L3 and promotes hits upward. The returned source
// is one of SourceL1/SourceRedis/SourceMongo; ok=false means a full miss.
func (m *Manager) Get(ctx context.Context, id storage.Identity) (data []byte, source string, ok bool) {
	key := Key(id)

	if v, hit := m.l1.Get(key); hit {
		m.l1Hits.Add(1)
		return v, SourceL1, true
	}
	m.l1Misses.Add(1)

	if v, err := m.rdb.Get(ctx, key).Bytes(); err == nil {
		m.l2Hits.Add(1)
		m.l1.Add(key, v)
		return v, SourceRedis, true
	} else if err != redis.Nil {
		m.logger.Warn("redis read failed, treating as miss", zap.String("key", key), zap.Error(err))
	}
	m.l2Misses.Add(1)

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		m.logger.Warn("mongo read failed, treating as miss", zap.String("key", key), zap.Error(err))
		m.l3Misses.Add(1)
		return nil, "", false
	}
	if rec == nil {
		m.l3Misses.Add(1)
		return nil, "", false
	}
	raw, err := rec.DataJSON()
	if err != nil {
		m.logger.Warn("stored document failed to re-encode", zap.String("key", key), zap.Error(err))
		m.l3Misses.Add(1)
		return nil, "", false
	}
	m.l3Hits.Add(1)
	m.promote(ctx, key, id.Granularity, raw)
	return raw, SourceMongo, true
}

// Set writes a fresh payload into L1 and L2. Failures are logged, never
// returned: the caller already holds the data.
func (m *Manager) Set(ctx context.Context, id storage.Identity, raw []byte) {
	key := Key(id)
	m.l1.Add(key, raw)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := m.rdb.Set(gctx, key, raw, m.TTL(id.Granularity)).Err(); err != nil {
			m.logger.Warn("redis write failed", zap.String("key", key), zap.Error(err))
		}
		return nil
	})
	_ = g.Wait()
}

func (m *Manager) promote(ctx context.Context, key string, g period.Granularity, raw []byte) {
	m.l1.Add(key, raw)
	if err := m.rdb.Set(ctx, key, raw, m.TTL(g)).Err(); err != nil {
		m.logger.Warn("redis promotion failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate drops the identity from L1 and L2. L3 keeps the durable copy.
func (m *Manager) Invalidate(ctx context.Context, id storage.Identity) {
	key := Key(id)
	m.l1.Remove(key)
	if err := m.rdb.Del(ctx, key).Err(); err != nil {
		m.logger.Warn("redis invalidate failed", zap.String("key", key), zap.Error(err))
	}
}

// ClearL1 drops every in-process entry.
func (m *Manager) ClearL1() {
	m.l1.Purge()
}

func emptyStreakKey(action, catID string) string {
	if catID == "" {
		catID = "all"
	}
	return strings.Join([]string{EmptyStreakPrefix, action, catID}, ":")
}

// BumpEmptyStreak increments the consecutive-empty counter for an
// action/category pair and returns the new streak. A Redis failure is
// logged and reported as streak 0.
func (m *Manager) BumpEmptyStreak(ctx context.Context, action, catID string) int64 {
	key := emptyStreakKey(action, catID)
	n, err := m.rdb.Incr(ctx, key).Result()
	if err != nil {
		m.logger.Warn("empty streak bump failed", zap.String("key", key), zap.Error(err))
		return 0
	}
	m.rdb.Expire(ctx, key, emptyStreakTTL)
	return n
}

// ClearEmptyStreak resets the counter after a non-empty result.
func (m *Manager) ClearEmptyStreak(ctx context.Context, action, catID string) {
	if err := m.rdb.Del(ctx, emptyStreakKey(action, catID)).Err(); err != nil {
		m.logger.Warn("empty streak clear failed", zap.String("action", action), zap.Error(err))
	}
}

// Warmup streams recent L3 rows back into L1/L2, newest first, and returns
// (loaded, failed).
func (m *Manager) Warmup(ctx context.Context, limit int64, actions, catIDs []string, granularity string) (int, int, error) {
	return m.store.Warmup(ctx, limit, actions, catIDs, granularity, func(rec *storage.Record) error {
		raw, err := rec.DataJSON()
		if err != nil {
			return err
		}
		id := storage.Identity{
			Action:      rec.Action,
			CatID:       rec.CatID,
			Granularity: period.Granularity(rec.Granularity),
			PeriodKey:   rec.PeriodKey,
		}
		m.Set(ctx, id, raw)
		return nil
	})
}

// Stats snapshots the tier counters.
func (m *Manager) Stats() Stats {
	return Stats{
		L1Hits:     m.l1Hits.Load(),
		L1Misses:   m.l1Misses.Load(),
		L2Hits:     m.l2Hits.Load(),
		L2Misses:   m.l2Misses.Load(),
		L3Hits:     m.l3Hits.Load(),
		L3Misses:   m.l3Misses.Load(),
		L1Size:     m.l1.Len(),
		L1Capacity: m.l1Cap,
	}
}
