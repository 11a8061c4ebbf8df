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

// Package collector orchestrates a single data query end to end: cache
// tiers, in-flight deduplication, the circuit-breaker-guarded upstream
// dispatch, and the persistence policy for fresh results.
package collector

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/qzsyzn/industry-monitor/internal/cache"
	"github.com/qzsyzn/industry-monitor/internal/catalog"
	"github.com/qzsyzn/industry-monitor/internal/config"
	"github.com/qzsyzn/industry-monitor/internal/errs"
	"github.com/qzsyzn/industry-monitor/internal/metrics"
	"github.com/qzsyzn/industry-monitor/internal/payload"
	"github.com/qzsyzn/industry-monitor/internal/period"
	"github.com/qzsyzn/industry-monitor/internal/resilience"
	"github.com/qzsyzn/industry-monitor/internal/storage"
	"github.com/qzsyzn/industry-monitor/internal/upstream"
)

// Dispatcher triggers one upstream collection and returns the raw result.
type Dispatcher interface {
	Dispatch(ctx context.Context, req upstream.Request) (json.RawMessage, error)
}

// Store is the slice of the Mongo repository the collector needs.
type Store interface {
	Get(ctx context.Context, id storage.Identity) (*storage.Record, error)
	FindPeriods(ctx context.Context, action, catID string, g period.Granularity, keys []string) ([]storage.Record, error)
	Upsert(ctx context.Context, rec *storage.Record) error
	Touch(ctx context.Context, id storage.Identity, expiredAt time.Time) error
}

// Query describes one data request.
type Query struct {
	Action    string
	CatID     string
	DateType  string
	Timest    string
	StarRange string
	EndRange  string
	Extra     map[string]any

	// UseCache=false forces a fresh upstream fetch (the result is still
	// persisted).
	UseCache bool
}

// Partial annotates a trend response that covered only part of the
// requested range.
type Partial struct {
	Requested int `json:"requested"`
	Found     int `json:"found"`
}

// Result is the outcome of one query.
type Result struct {
	Data    json.RawMessage
	Source  string
	Partial *Partial
}

// Collector wires the query pipeline.
type Collector struct {
	cache      *cache.Manager
	store      Store
	dispatcher Dispatcher
	breakers   *resilience.BreakerManager
	metrics    *metrics.Collector
	prom       *metrics.Prom
	retention  map[period.Granularity]time.Duration
	retryCfg   config.RetryConfig
	group      singleflight.Group
	logger     *zap.Logger
}

// New builds a collector.
func New(
	cacheMgr *cache.Manager,
	store Store,
	dispatcher Dispatcher,
	breakers *resilience.BreakerManager,
	collect *metrics.Collector,
	prom *metrics.Prom,
	cacheCfg config.CacheConfig,
	retryCfg config.RetryConfig,
	logger *zap.Logger,
) *Collector {
	return &Collector{
		cache:      cacheMgr,
		store:      store,
		dispatcher: dispatcher,
		breakers:   breakers,
		metrics:    collect,
		prom:       prom,
		retention:  cacheCfg.Retention,
		retryCfg:   retryCfg,
		logger:     logger.Named("collector"),
	}
}

// Execute runs one query through the full pipeline.
func (c *Collector) Execute(ctx context.Context, q Query) (*Result, error) {
	started := time.Now()
	res, err := c.execute(ctx, q)
	c.record(q.Action, res, time.Since(started), err)
	return res, err
}

func (c *Collector) record(action string, res *Result, dur time.Duration, err error) {
	source := ""
	if res != nil {
		source = res.Source
	}
	c.metrics.Record(action, source, dur, err != nil)
	if c.prom != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		c.prom.CollectTotal.WithLabelValues(action, source, outcome).Inc()
		c.prom.CollectLatency.Observe(dur.Seconds())
	}
}

func (c *Collector) execute(ctx context.Context, q Query) (*Result, error) {
	if !payload.ValidAction(q.Action) {
		return nil, errs.Validationf("unknown action %q", q.Action)
	}
	if !catalog.IsValid(q.CatID) {
		return nil, errs.Validationf("unknown category %q", q.CatID)
	}
	g := period.Normalize(q.DateType)

	if q.Action == payload.ActionTrend {
		return c.executeTrend(ctx, q, g)
	}

	periodKey := period.KeyFor(g, q.Timest)
	id := storage.Identity{Action: q.Action, CatID: q.CatID, Granularity: g, PeriodKey: periodKey}

	if q.UseCache {
		if data, source, ok := c.cache.Get(ctx, id); ok {
			// A cached document with an empty list is stale debris;
			// treat it as a miss so a refetch can repair it.
			if !payload.IsEmpty(q.Action, data) {
				return &Result{Data: data, Source: source}, nil
			}
			c.logger.Debug("ignoring empty cached document", zap.String("identity", id.String()))
		}
	}

	data, err := c.fetchDeduped(ctx, id, q, g)
	if err != nil {
		return nil, err
	}
	return &Result{Data: data, Source: cache.SourceFresh}, nil
}

// executeTrend serves industryTrendRange from per-period L3 documents,
// falling back to upstream only when the whole range is missing.
func (c *Collector) executeTrend(ctx context.Context, q Query, g period.Granularity) (*Result, error) {
	star, end := q.StarRange, q.EndRange
	if star == "" && end == "" {
		if q.Timest == "" {
			return nil, errs.Validationf("industryTrendRange requires starRange/endRange or timest")
		}
		star, end = q.Timest, q.Timest
	}
	if end == "" {
		end = star
	}

	startDate := period.ToRange(g, star).Start
	endDate := period.ToRange(g, end).End
	keys := period.KeysInRange(g, startDate, endDate)
	if len(keys) == 0 {
		return nil, errs.Validationf("empty trend range %s..%s", star, end)
	}

	if q.UseCache {
		recs, err := c.store.FindPeriods(ctx, q.Action, q.CatID, g, keys)
		if err != nil {
			c.logger.Warn("trend range read failed", zap.Error(err))
		} else if len(recs) > 0 {
			docs := make([][]byte, 0, len(recs))
			for i := range recs {
				raw, err := recs[i].DataJSON()
				if err != nil {
					continue
				}
				docs = append(docs, raw)
			}
			res := &Result{Data: payload.MergeTrend(docs), Source: cache.SourceMongo}
			if len(recs) < len(keys) {
				res.Partial = &Partial{Requested: len(keys), Found: len(recs)}
			}
			return res, nil
		}
	}

	id := storage.Identity{Action: q.Action, CatID: q.CatID, Granularity: g, PeriodKey: keys[0] + ".." + keys[len(keys)-1]}
	starAPI, endAPI := period.TrendRangeForAPI(g, star, end)
	req := upstream.Request{
		Action:    q.Action,
		CatID:     q.CatID,
		DateType:  string(g),
		StarRange: starAPI,
		EndRange:  endAPI,
		Extra:     q.Extra,
	}

	data, err := c.dedupe(id.String(), func() ([]byte, error) {
		raw, err := c.guardedDispatch(ctx, q.Action, req)
		if err != nil {
			return nil, err
		}
		unwrapped := payload.Unwrap(raw)
		c.persistTrend(ctx, q, g, raw)
		return unwrapped, nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{Data: data, Source: cache.SourceFresh}, nil
}

// fetchDeduped collapses concurrent identical non-trend fetches into one
// upstream call and applies the persistence policy to the winner.
func (c *Collector) fetchDeduped(ctx context.Context, id storage.Identity, q Query, g period.Granularity) ([]byte, error) {
	req := upstream.Request{
		Action:    q.Action,
		CatID:     q.CatID,
		DateType:  string(g),
		Timest:    q.Timest,
		StarRange: q.StarRange,
		EndRange:  q.EndRange,
		Extra:     q.Extra,
	}

	return c.dedupe(id.String(), func() ([]byte, error) {
		collectStart := time.Now()
		raw, err := c.guardedDispatch(ctx, q.Action, req)
		if err != nil {
			return nil, err
		}
		unwrapped := payload.Unwrap(raw)

		if payload.IsEmpty(q.Action, raw) {
			streak := c.cache.BumpEmptyStreak(ctx, q.Action, q.CatID)
			c.logger.Info("upstream returned empty result, skipping persistence",
				zap.String("identity", id.String()), zap.Int64("empty_streak", streak))
			return unwrapped, nil
		}

		c.cache.ClearEmptyStreak(ctx, q.Action, q.CatID)
		c.persist(ctx, id, g, unwrapped, time.Since(collectStart))
		c.cache.Set(ctx, id, unwrapped)
		return unwrapped, nil
	})
}

func (c *Collector) dedupe(key string, fetch func() ([]byte, error)) ([]byte, error) {
	v, err, shared := c.group.Do(key, func() (any, error) { return fetch() })
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("request coalesced with in-flight fetch", zap.String("request_key", key))
	}
	return v.([]byte), nil
}

// guardedDispatch routes the upstream call through the per-action
// breaker. Transient failures are retried under the shared policy; only
// the exhausted error reaches the breaker, so one query counts as one
// failure no matter how many attempts it took.
func (c *Collector) guardedDispatch(ctx context.Context, action string, req upstream.Request) (json.RawMessage, error) {
	res, err := c.breakers.Execute("mengla_"+action, func() (any, error) {
		return resilience.Do(ctx, c.retryCfg, func(ctx context.Context) (json.RawMessage, error) {
			return c.dispatcher.Dispatch(ctx, req)
		}, resilience.WithNotify(func(attempt int, err error, delay time.Duration) {
			c.logger.Warn("upstream attempt failed, retrying",
				zap.String("action", action),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		}))
	})
	if err != nil {
		return nil, err
	}
	return res.(json.RawMessage), nil
}

// persist upserts a non-trend document, touching instead of rewriting when
// the payload hash is unchanged.
func (c *Collector) persist(ctx context.Context, id storage.Identity, g period.Granularity, unwrapped []byte, collectDur time.Duration) {
	hash := payload.Hash(unwrapped)
	expiredAt := time.Now().UTC().Add(c.retention[g])

	existing, err := c.store.Get(ctx, id)
	if err != nil {
		c.logger.Warn("persist pre-check failed", zap.String("identity", id.String()), zap.Error(err))
	}
	if existing != nil && existing.DataHash == hash {
		if err := c.store.Touch(ctx, id, expiredAt); err != nil {
			c.logger.Warn("touch failed", zap.String("identity", id.String()), zap.Error(err))
		}
		return
	}

	rec, err := storage.NewRecord(id, unwrapped, hash, "collect", collectDur.Milliseconds(), expiredAt)
	if err != nil {
		c.logger.Warn("result is not a persistable document",
			zap.String("identity", id.String()), zap.Error(err))
		return
	}
	if err := c.store.Upsert(ctx, rec); err != nil {
		c.logger.Warn("persist failed", zap.String("identity", id.String()), zap.Error(err))
	}
}

// persistTrend splits a trend result into one idempotent upsert per point.
func (c *Collector) persistTrend(ctx context.Context, q Query, g period.Granularity, raw []byte) {
	points := payload.TrendPoints(raw)
	if len(points) == 0 {
		c.logger.Info("trend result carried no points, skipping persistence",
			zap.String("cat_id", q.CatID), zap.String("granularity", string(g)))
		return
	}
	expiredAt := time.Now().UTC().Add(c.retention[g])

	for _, p := range points {
		key := period.KeyFor(g, p.Timest)
		id := storage.Identity{Action: q.Action, CatID: q.CatID, Granularity: g, PeriodKey: key}
		doc := payload.WrapTrendPoint(p)
		rec, err := storage.NewRecord(id, doc, payload.Hash(doc), "collect", 0, expiredAt)
		if err != nil {
			continue
		}
		if err := c.store.Upsert(ctx, rec); err != nil {
			c.logger.Warn("trend point persist failed",
				zap.String("identity", id.String()), zap.Error(err))
		}
	}
	c.logger.Debug("persisted trend points",
		zap.String("cat_id", q.CatID),
		zap.String("granularity", string(g)),
		zap.Int("points", len(points)))
}
