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

// Package payload probes and reshapes the opaque JSON documents the
// collection service returns. The service treats these documents as
// pass-through values; the only structure it depends on is captured here:
// the resultData/data envelope, the per-action list containers, and the
// industryTrendRange point array.
package payload

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/tidwall/gjson"
)

// Action identifiers accepted by the query surface.
const (
	ActionHigh         = "high"
	ActionHot          = "hot"
	ActionChance       = "chance"
	ActionIndustryView = "industryViewV2"
	ActionTrend        = "industryTrendRange"
)

// Actions lists every valid action.
var Actions = []string{ActionHigh, ActionHot, ActionChance, ActionIndustryView, ActionTrend}

// ValidAction reports whether action is one of the accepted identifiers.
func ValidAction(action string) bool {
	for _, a := range Actions {
		if a == action {
			return true
		}
	}
	return false
}

// listKeys maps the ranked-list actions to the container key inside the
// unwrapped business object. The container is {code, data: [..]} or
// {code, data: {list: [..], pageNo, ...}}.
var listKeys = map[string]string{
	ActionHigh:   "highList",
	ActionHot:    "hotList",
	ActionChance: "chanceList",
}

// Unwrap peels the resultData/data envelope off a raw document and returns
// the innermost business object. Envelope values that arrive as JSON-encoded
// strings are decoded in place. Non-envelope documents pass through.
func Unwrap(raw []byte) []byte {
	cur := gjson.ParseBytes(raw)
	for i := 0; i < 4; i++ {
		next := cur.Get("resultData")
		if !next.Exists() {
			next = cur.Get("data")
		}
		if !next.Exists() {
			break
		}
		if next.Type == gjson.String {
			// A stringified envelope; decode one level.
			inner := gjson.Parse(next.String())
			if !inner.IsObject() && !inner.IsArray() {
				break
			}
			cur = inner
			continue
		}
		if !next.IsObject() {
			break
		}
		cur = next
	}
	if cur.Raw == "" {
		return raw
	}
	return []byte(cur.Raw)
}

// IsEmpty applies the empty-value policy: results that carry no business
// rows must not be persisted and must not count as cache hits.
//
// Ranked lists are empty when their container is missing, carries a
// non-zero code, or holds no rows. Trend results are empty when no points
// can be extracted. industryViewV2 yields a single object and is only
// empty when the envelope unwraps to nothing useful.
func IsEmpty(action string, raw []byte) bool {
	if len(raw) == 0 {
		return true
	}
	if action == ActionTrend {
		return len(TrendPoints(raw)) == 0
	}
	inner := gjson.ParseBytes(Unwrap(raw))
	if !inner.IsObject() {
		return true
	}
	listKey, ok := listKeys[action]
	if !ok {
		return false
	}
	container := inner.Get(listKey)
	if !container.IsObject() {
		return true
	}
	if code := container.Get("code"); code.Exists() && code.Int() != 0 {
		return true
	}
	data := container.Get("data")
	switch {
	case !data.Exists():
		return true
	case data.IsArray():
		return len(data.Array()) == 0
	case data.IsObject():
		list := data.Get("list")
		return !list.IsArray() || len(list.Array()) == 0
	default:
		return true
	}
}

// TrendPoint is one entry of an industryTrendRange series, kept as raw
// JSON alongside its extracted timestamp.
type TrendPoint struct {
	Timest string
	Raw    json.RawMessage
}

// TrendPoints extracts the point array from a trend result. The container
// is inner.industryTrendRange, either a bare array or {data: [..]}. Points
// without a timest are dropped.
func TrendPoints(raw []byte) []TrendPoint {
	inner := gjson.ParseBytes(Unwrap(raw))
	if !inner.IsObject() {
		return nil
	}
	trend := inner.Get("industryTrendRange")
	var arr []gjson.Result
	switch {
	case trend.IsArray():
		arr = trend.Array()
	case trend.IsObject():
		data := trend.Get("data")
		if !data.IsArray() {
			return nil
		}
		arr = data.Array()
	default:
		return nil
	}

	points := make([]TrendPoint, 0, len(arr))
	for _, item := range arr {
		ts := item.Get("timest")
		if !ts.Exists() || ts.String() == "" {
			continue
		}
		points = append(points, TrendPoint{
			Timest: ts.String(),
			Raw:    json.RawMessage(item.Raw),
		})
	}
	return points
}

// WrapTrendPoint builds the stored per-period document for a single point,
// shaped like a one-point upstream result so reads merge uniformly.
func WrapTrendPoint(p TrendPoint) []byte {
	doc := map[string]any{
		"industryTrendRange": map[string]any{
			"data": []json.RawMessage{p.Raw},
		},
	}
	b, _ := json.Marshal(doc)
	return b
}

// MergeTrend concatenates the points of stored per-period documents into a
// single response payload, sorted ascending by timest.
func MergeTrend(docs [][]byte) []byte {
	var points []TrendPoint
	for _, doc := range docs {
		points = append(points, TrendPoints(doc)...)
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Timest < points[j].Timest })

	raws := make([]json.RawMessage, 0, len(points))
	for _, p := range points {
		raws = append(raws, p.Raw)
	}
	merged := map[string]any{
		"industryTrendRange": map[string]any{
			"data": raws,
		},
	}
	b, _ := json.Marshal(merged)
	return b
}

// Hash returns the md5 hex digest of the raw document, used to detect
// unchanged payloads before rewriting a persisted row.
func Hash(raw []byte) string {
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:])
}
