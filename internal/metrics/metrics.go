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

// Package metrics tracks collection outcomes in process: totals, per-action
// and per-source counts, a bounded latency window with percentiles, and
// daily buckets. Snapshots feed the admin API and the alerting rules; a
// daily hash is persisted to Redis for cheap external inspection.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/qzsyzn/industry-monitor/internal/period"
)

const (
	latencyWindowSize = 1000
	dailyRetention    = 30
	statsKeyPrefix    = "mengla:stats:"
	statsTTL          = 7 * 24 * time.Hour
)

type latencySample struct {
	at time.Time
	ms float64
}

// DailyCounters accumulates per-calendar-day totals.
type DailyCounters struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Failure int64 `json:"failure"`
}

// Snapshot is a point-in-time view of the collector counters.
type Snapshot struct {
	Total          int64            `json:"total"`
	Success        int64            `json:"success"`
	Failure        int64            `json:"failure"`
	CacheHits      int64            `json:"cache_hits"`
	CacheMisses    int64            `json:"cache_misses"`
	SuccessRate    float64          `json:"success_rate"`
	CacheHitRate   float64          `json:"cache_hit_rate"`
	AvgDurationMS  float64          `json:"avg_duration_ms"`
	SourceCounts   map[string]int64 `json:"source_counts"`
	ActionCounts   map[string]int64 `json:"action_counts"`
	ActionFailures map[string]int64 `json:"action_failures"`
}

// Collector is the mutable accumulator. All methods are safe for
// concurrent use.
type Collector struct {
	mu sync.Mutex

	total, success, failure  int64
	cacheHits, cacheMisses   int64
	totalDurationMS          float64
	sourceCounts             map[string]int64
	actionCounts             map[string]int64
	actionFailures           map[string]int64
	latency                  []latencySample
	daily                    map[string]*DailyCounters

	logger *zap.Logger
}

// NewCollector builds an empty accumulator.
func NewCollector(logger *zap.Logger) *Collector {
	return &Collector{
		sourceCounts:   make(map[string]int64),
		actionCounts:   make(map[string]int64),
		actionFailures: make(map[string]int64),
		daily:          make(map[string]*DailyCounters),
		logger:         logger.Named("metrics"),
	}
}

// Record accounts one finished query. Source is the serving tier
// ("l1"/"redis"/"mongo"/"fresh"); anything but "fresh" counts as a cache
// hit.
func (c *Collector) Record(action, source string, duration time.Duration, failed bool) {
	now := time.Now().In(period.Location())
	day := now.Format("2006-01-02")
	ms := float64(duration.Milliseconds())

	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	c.actionCounts[action]++
	if failed {
		c.failure++
		c.actionFailures[action]++
	} else {
		c.success++
	}
	if source != "" {
		c.sourceCounts[source]++
		if source == "fresh" {
			c.cacheMisses++
		} else {
			c.cacheHits++
		}
	}
	c.totalDurationMS += ms

	c.latency = append(c.latency, latencySample{at: now, ms: ms})
	if len(c.latency) > latencyWindowSize {
		c.latency = c.latency[len(c.latency)-latencyWindowSize:]
	}

	bucket, ok := c.daily[day]
	if !ok {
		bucket = &DailyCounters{}
		c.daily[day] = bucket
		c.pruneDailyLocked(now)
	}
	bucket.Total++
	if failed {
		bucket.Failure++
	} else {
		bucket.Success++
	}
}

func (c *Collector) pruneDailyLocked(now time.Time) {
	cutoff := now.AddDate(0, 0, -dailyRetention).Format("2006-01-02")
	for day := range c.daily {
		if day < cutoff {
			delete(c.daily, day)
		}
	}
}

// Snapshot returns the current counters with derived rates.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Total:          c.total,
		Success:        c.success,
		Failure:        c.failure,
		CacheHits:      c.cacheHits,
		CacheMisses:    c.cacheMisses,
		SourceCounts:   copyCounts(c.sourceCounts),
		ActionCounts:   copyCounts(c.actionCounts),
		ActionFailures: copyCounts(c.actionFailures),
	}
	if c.total > 0 {
		snap.SuccessRate = float64(c.success) / float64(c.total)
		snap.AvgDurationMS = c.totalDurationMS / float64(c.total)
	}
	if lookups := c.cacheHits + c.cacheMisses; lookups > 0 {
		snap.CacheHitRate = float64(c.cacheHits) / float64(lookups)
	}
	return snap
}

// Daily returns the retained per-day buckets.
func (c *Collector) Daily() map[string]DailyCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]DailyCounters, len(c.daily))
	for day, b := range c.daily {
		out[day] = *b
	}
	return out
}

// Percentiles computes p50/p90/p95/p99 over samples recorded within the
// window. A zero window spans the whole retained ring.
func (c *Collector) Percentiles(window time.Duration) map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var values []float64
	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().In(period.Location()).Add(-window)
	}
	for _, s := range c.latency {
		if s.at.After(cutoff) {
			values = append(values, s.ms)
		}
	}
	result := map[string]float64{"p50": 0, "p90": 0, "p95": 0, "p99": 0, "count": float64(len(values))}
	if len(values) == 0 {
		return result
	}
	sort.Float64s(values)
	result["p50"] = percentile(values, 0.50)
	result["p90"] = percentile(values, 0.90)
	result["p95"] = percentile(values, 0.95)
	result["p99"] = percentile(values, 0.99)
	return result
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// PersistToRedis writes today's counters into the mengla:stats:<date> hash
// with a 7-day TTL.
func (c *Collector) PersistToRedis(ctx context.Context, rdb *redis.Client) error {
	snap := c.Snapshot()
	day := time.Now().In(period.Location()).Format("2006-01-02")
	key := statsKeyPrefix + day

	fields := map[string]any{
		"total":           snap.Total,
		"success":         snap.Success,
		"failure":         snap.Failure,
		"cache_hits":      snap.CacheHits,
		"cache_misses":    snap.CacheMisses,
		"success_rate":    fmt.Sprintf("%.4f", snap.SuccessRate),
		"cache_hit_rate":  fmt.Sprintf("%.4f", snap.CacheHitRate),
		"avg_duration_ms": fmt.Sprintf("%.1f", snap.AvgDurationMS),
	}
	if err := rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("persist stats: %w", err)
	}
	if err := rdb.Expire(ctx, key, statsTTL).Err(); err != nil {
		c.logger.Warn("failed to set stats TTL", zap.String("key", key), zap.Error(err))
	}
	return nil
}
