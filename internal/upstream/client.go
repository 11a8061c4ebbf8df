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

// Package upstream is the dispatcher in front of the collection service.
// The service executes managed tasks strictly serially and reports results
// asynchronously through our webhook, so a dispatch is: acquire the
// in-flight slot, respect the minimum spacing, trigger an execution, then
// poll the Redis rendezvous key the webhook writes until a terminal
// payload lands or the deadline passes.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/qzsyzn/industry-monitor/internal/config"
	"github.com/qzsyzn/industry-monitor/internal/errs"
	"github.com/qzsyzn/industry-monitor/internal/period"
)

// ExecKeyPrefix is the rendezvous namespace; the webhook stores results at
// ExecKeyPrefix + executionId.
const ExecKeyPrefix = "mengla:exec:"

// ExecResultTTL bounds how long an unclaimed result lives in Redis.
const ExecResultTTL = 30 * time.Minute

// heartbeatStatuses are non-terminal progress pings some task runners post
// to the webhook. They are skipped, never returned.
var heartbeatStatuses = map[string]struct{}{
	"running": {},
	"sync":    {},
	"pending": {},
	"queued":  {},
}

// IsHeartbeat reports whether a payload is a progress ping rather than a
// result.
func IsHeartbeat(raw []byte) (string, bool) {
	status := gjson.GetBytes(raw, "status")
	if !status.Exists() {
		return "", false
	}
	s := status.String()
	_, ok := heartbeatStatuses[s]
	return s, ok
}

// Request describes one collection call before parameter translation.
type Request struct {
	Action    string
	ProductID string
	CatID     string
	DateType  string
	Timest    string
	StarRange string
	EndRange  string
	Extra     map[string]any
}

// Parameters translates the request into the body the collection task
// expects. dateType is upper-cased per granularity, quarters become
// QUARTERLY_FOR_YEAR for every module, timest/starRange/endRange are
// formatted per granularity, and trend requests keep the range the
// caller prepared.
func (r Request) Parameters() map[string]any {
	g := period.Normalize(r.DateType)
	params := map[string]any{
		"module":     r.Action,
		"product_id": r.ProductID,
		"catId":      r.CatID,
		"dateType":   apiDateType(g),
		"timest":     r.Timest,
		"starRange":  r.StarRange,
		"endRange":   r.EndRange,
	}
	for k, v := range r.Extra {
		params[k] = v
	}

	if r.Action != "industryTrendRange" {
		params["timest"] = period.FormatForAPI(g, r.Timest)
	}

	quarterView := r.Action == "industryViewV2" && g == period.Quarter
	if r.Action != "industryTrendRange" && !quarterView {
		star, end := r.StarRange, r.EndRange
		if star == "" {
			star = r.Timest
		}
		if end == "" {
			end = r.Timest
		}
		if isDashedDate(star) && isDashedDate(end) {
			params["starRange"] = star[:10]
			params["endRange"] = end[:10]
		} else {
			rng := period.ToRange(g, r.Timest)
			params["starRange"] = rng.Start
			params["endRange"] = rng.End
		}
	}
	return params
}

// apiDateType is the dateType literal the collection task understands.
// Quarters use the year-scoped form for every module.
func apiDateType(g period.Granularity) string {
	switch g {
	case period.Day:
		return "DAY"
	case period.Month:
		return "MONTH"
	case period.Quarter:
		return "QUARTERLY_FOR_YEAR"
	default:
		return "YEAR"
	}
}

func isDashedDate(s string) bool {
	if len(s) < 10 {
		return false
	}
	s = s[:10]
	for i, r := range s {
		if i == 4 || i == 7 {
			if r != '-' {
				return false
			}
		} else if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Stats is the dispatcher pressure snapshot.
type Stats struct {
	MaxInflight    int64 `json:"max_inflight"`
	Inflight       int64 `json:"inflight"`
	Waiting        int64 `json:"waiting"`
	TotalSent      int64 `json:"total_sent"`
	TotalCompleted int64 `json:"total_completed"`
	TotalTimeout   int64 `json:"total_timeout"`
	TotalError     int64 `json:"total_error"`
}

// Client dispatches collection requests.
type Client struct {
	cfg    config.UpstreamConfig
	http   *http.Client
	rdb    *redis.Client
	sem    *semaphore.Weighted
	logger *zap.Logger

	// clock serializes the minimum spacing between executes.
	clockMu  sync.Mutex
	nextSlot time.Time

	inflight, waiting                                 atomic.Int64
	totalSent, totalCompleted, totalTimeout, totalErr atomic.Int64
}

// NewClient wires a dispatcher.
func NewClient(cfg config.UpstreamConfig, rdb *redis.Client, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		rdb:    rdb,
		sem:    semaphore.NewWeighted(cfg.MaxInflight),
		logger: logger.Named("upstream"),
	}
}

// Dispatch runs one collection request end to end and returns the raw
// terminal payload.
func (c *Client) Dispatch(ctx context.Context, req Request) (json.RawMessage, error) {
	c.waiting.Add(1)
	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.waiting.Add(-1)
		return nil, errs.Wrap(errs.ErrUpstreamTimeout, err)
	}
	c.waiting.Add(-1)
	c.inflight.Add(1)
	defer func() {
		c.inflight.Add(-1)
		c.sem.Release(1)
	}()

	if err := c.waitForSlot(ctx); err != nil {
		return nil, err
	}

	taskID, err := c.findTaskID(ctx)
	if err != nil {
		c.totalErr.Add(1)
		return nil, err
	}

	executionID, err := c.execute(ctx, taskID, req)
	if err != nil {
		c.totalErr.Add(1)
		return nil, err
	}
	c.totalSent.Add(1)

	result, err := c.awaitResult(ctx, executionID)
	switch {
	case err == nil:
		c.totalCompleted.Add(1)
	case errors.Is(err, errs.ErrUpstreamTimeout):
		c.totalTimeout.Add(1)
	default:
		c.totalErr.Add(1)
	}
	return result, err
}

// waitForSlot reserves the next allowed send time under the clock mutex,
// then sleeps outside it. Spacing applies across all callers.
func (c *Client) waitForSlot(ctx context.Context) error {
	c.clockMu.Lock()
	now := time.Now()
	slot := c.nextSlot
	if slot.Before(now) {
		slot = now
	}
	c.nextSlot = slot.Add(c.cfg.MinInterval)
	c.clockMu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.ErrUpstreamTimeout, ctx.Err())
	}
}

// findTaskID locates the managed collection task by its display name.
func (c *Client) findTaskID(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/api/managed-tasks?page=1&limit=100", c.cfg.BaseURL)
	body, err := c.doJSON(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	var taskID string
	gjson.GetBytes(body, "data.tasks").ForEach(func(_, task gjson.Result) bool {
		if task.Get("name").String() != c.cfg.TaskName {
			return true
		}
		taskID = task.Get("id").String()
		if taskID == "" {
			taskID = task.Get("_id").String()
		}
		return false
	})
	if taskID == "" {
		return "", errs.Wrap(errs.ErrUpstreamError,
			fmt.Errorf("managed task %q not found", c.cfg.TaskName))
	}
	return taskID, nil
}

// execute triggers the managed task and returns the execution id.
func (c *Client) execute(ctx context.Context, taskID string, req Request) (string, error) {
	payload := map[string]any{
		"parameters": req.Parameters(),
		"webhookUrl": c.cfg.WebhookURL,
	}
	url := fmt.Sprintf("%s/api/managed-tasks/%s/execute", c.cfg.BaseURL, taskID)
	body, err := c.doJSON(ctx, http.MethodPost, url, payload)
	if err != nil {
		return "", err
	}

	executionID := gjson.GetBytes(body, "data.executionId").String()
	if executionID == "" {
		executionID = gjson.GetBytes(body, "executionId").String()
	}
	if executionID == "" {
		return "", errs.Wrap(errs.ErrUpstreamError, errors.New("execute response carried no executionId"))
	}
	c.logger.Debug("execution started",
		zap.String("action", req.Action),
		zap.String("execution_id", executionID))
	return executionID, nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, errs.Wrap(errs.ErrUpstreamTimeout, err)
		}
		return nil, errs.Wrap(errs.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.ErrUpstreamError, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.Wrap(errs.ErrUpstreamError,
			fmt.Errorf("%s %s returned %d", method, url, resp.StatusCode))
	}
	return data, nil
}

// awaitResult polls the rendezvous key with progressive backoff until a
// terminal payload arrives or the configured deadline passes. Heartbeat
// payloads are deleted and waiting continues.
func (c *Client) awaitResult(ctx context.Context, executionID string) (json.RawMessage, error) {
	key := ExecKeyPrefix + executionID
	deadline := time.Now().Add(c.cfg.Timeout)
	started := time.Now()

	for {
		if time.Now().After(deadline) {
			return nil, errs.Wrap(errs.ErrUpstreamTimeout,
				fmt.Errorf("no result for execution %s within %s", executionID, c.cfg.Timeout))
		}

		val, err := c.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			if status, hb := IsHeartbeat(val); hb {
				c.logger.Debug("skipping heartbeat payload",
					zap.String("execution_id", executionID),
					zap.String("status", status))
				_ = c.rdb.Del(ctx, key).Err()
				break
			}
			if delErr := c.rdb.Del(ctx, key).Err(); delErr != nil {
				c.logger.Warn("failed to delete rendezvous key",
					zap.String("key", key), zap.Error(delErr))
			}
			return val, nil
		case errors.Is(err, redis.Nil):
			// not yet
		default:
			c.logger.Warn("rendezvous poll failed", zap.String("key", key), zap.Error(err))
		}

		timer := time.NewTimer(pollInterval(time.Since(started)))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, errs.Wrap(errs.ErrUpstreamTimeout, ctx.Err())
		}
	}
}

// pollInterval implements the backoff ladder: results usually land within
// seconds, so poll tightly first, then ease off for long-running tasks.
func pollInterval(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < 30*time.Second:
		return 100 * time.Millisecond
	case elapsed < 90*time.Second:
		return time.Second
	case elapsed < 180*time.Second:
		return 5 * time.Second
	default:
		return 10 * time.Second
	}
}

// Stats snapshots dispatcher pressure.
func (c *Client) Stats() Stats {
	return Stats{
		MaxInflight:    c.cfg.MaxInflight,
		Inflight:       c.inflight.Load(),
		Waiting:        c.waiting.Load(),
		TotalSent:      c.totalSent.Load(),
		TotalCompleted: c.totalCompleted.Load(),
		TotalTimeout:   c.totalTimeout.Load(),
		TotalError:     c.totalErr.Load(),
	}
}
