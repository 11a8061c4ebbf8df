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

// Package period implements the calendar algebra every other component
// leans on: granularity normalization, canonical period keys, the formats
// the collection API expects, and range enumeration.
//
// A period key is the canonical compact identity of one time bucket:
// day=YYYYMMDD, month=YYYYMM, quarter=YYYYQn, year=YYYY. The collection
// API wants the human-dashed variants (yyyy-MM-dd, yyyy-MM, yyyy-Qn,
// yyyy); both directions live here so nothing else hand-formats dates.
package period

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Granularity is one of the four aggregation buckets.
type Granularity string

const (
	Day     Granularity = "day"
	Month   Granularity = "month"
	Quarter Granularity = "quarter"
	Year    Granularity = "year"
)

// Granularities lists all buckets in ascending span order.
var Granularities = []Granularity{Day, Month, Quarter, Year}

// loc is the business timezone used for "today"-relative computations.
var loc = func() *time.Location {
	l, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return l
}()

// Location returns the business timezone (Asia/Shanghai).
func Location() *time.Location { return loc }

var (
	dashedDayRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dashedMonRe = regexp.MustCompile(`^\d{4}-\d{2}$`)
	quarterRe   = regexp.MustCompile(`^(\d{4})-?[Qq](\d)$`)
)

// Normalize maps any caller-supplied dateType spelling to one of the four
// granularities. The quarter family (quarter, quarterly, QUARTERLY_FOR_YEAR)
// collapses to Quarter; unknown values fall back to Day.
func Normalize(dateType string) Granularity {
	key := strings.ToLower(strings.TrimSpace(dateType))
	switch {
	case strings.HasPrefix(key, "quarter"):
		return Quarter
	case key == "month":
		return Month
	case key == "year":
		return Year
	default:
		return Day
	}
}

// ParseTimest parses a timestamp input in any of the accepted spellings for
// the given granularity: day=YYYYMMDD|yyyy-MM-dd, month=YYYYMM|yyyy-MM,
// quarter=YYYYQn|yyyy-Qn, year=YYYY. Unparseable input falls back to the
// current time, matching the tolerant contract the API surface relies on.
func ParseTimest(g Granularity, timest string) time.Time {
	raw := strings.TrimSpace(timest)
	if raw == "" {
		return time.Now().In(loc)
	}

	switch g {
	case Day:
		if t, ok := parseDay(raw); ok {
			return t
		}
	case Month:
		if len(raw) == 6 && allDigits(raw) {
			if t, err := time.ParseInLocation("200601", raw, loc); err == nil {
				return t
			}
		}
		if dashedMonRe.MatchString(raw) {
			if t, err := time.ParseInLocation("2006-01", raw, loc); err == nil {
				return t
			}
		}
	case Quarter:
		if m := quarterRe.FindStringSubmatch(raw); m != nil {
			y, _ := strconv.Atoi(m[1])
			q, _ := strconv.Atoi(m[2])
			if q >= 1 && q <= 4 {
				return time.Date(y, time.Month((q-1)*3+1), 1, 0, 0, 0, 0, loc)
			}
		}
	case Year:
		if len(raw) == 4 && allDigits(raw) {
			y, _ := strconv.Atoi(raw)
			return time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
		}
	}

	// Fallback: a bare YYYYMMDD works at any granularity.
	if t, ok := parseDay(raw); ok {
		return t
	}
	return time.Now().In(loc)
}

func parseDay(raw string) (time.Time, bool) {
	if len(raw) == 8 && allDigits(raw) {
		if t, err := time.ParseInLocation("20060102", raw, loc); err == nil {
			return t, true
		}
	}
	if dashedDayRe.MatchString(raw) {
		if t, err := time.ParseInLocation("2006-01-02", raw, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// QuarterOf returns the 1-based quarter number of t.
func QuarterOf(t time.Time) int { return (int(t.Month())-1)/3 + 1 }

// Key returns the canonical period key of t at granularity g.
func Key(g Granularity, t time.Time) string {
	switch g {
	case Month:
		return t.Format("200601")
	case Quarter:
		return fmt.Sprintf("%dQ%d", t.Year(), QuarterOf(t))
	case Year:
		return t.Format("2006")
	default:
		return t.Format("20060102")
	}
}

// KeyFor converts a single timest (e.g. 20250115 or 2025-01-15) to the
// canonical period key at granularity g.
func KeyFor(g Granularity, timest string) string {
	return Key(g, ParseTimest(g, timest))
}

// FormatForAPI renders a timest in the shape the collection API expects for
// the granularity: day=yyyy-MM-dd, month=yyyy-MM, quarter=yyyy-Qn, year=yyyy.
func FormatForAPI(g Granularity, timest string) string {
	t := ParseTimest(g, timest)
	switch g {
	case Month:
		return t.Format("2006-01")
	case Quarter:
		return fmt.Sprintf("%d-Q%d", t.Year(), QuarterOf(t))
	case Year:
		return t.Format("2006")
	default:
		return t.Format("2006-01-02")
	}
}

// DashedDate converts YYYYMMDD to yyyy-MM-dd; already-dashed or other input
// passes through unchanged.
func DashedDate(value string) string {
	raw := strings.TrimSpace(value)
	if dashedDayRe.MatchString(raw) {
		return raw
	}
	if len(raw) == 8 && allDigits(raw) {
		return raw[0:4] + "-" + raw[4:6] + "-" + raw[6:8]
	}
	return raw
}

// Range is an inclusive real-date window, both bounds yyyy-MM-dd.
type Range struct {
	Start string
	End   string
}

// ToRange computes the real calendar bounds of the period containing
// timest: the single day, the first..last day of the month, of the
// quarter, or of the year.
func ToRange(g Granularity, timest string) Range {
	t := ParseTimest(g, timest)
	switch g {
	case Month:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
		end := start.AddDate(0, 1, -1)
		return Range{start.Format("2006-01-02"), end.Format("2006-01-02")}
	case Quarter:
		startMonth := time.Month((QuarterOf(t)-1)*3 + 1)
		start := time.Date(t.Year(), startMonth, 1, 0, 0, 0, 0, loc)
		end := start.AddDate(0, 3, -1)
		return Range{start.Format("2006-01-02"), end.Format("2006-01-02")}
	case Year:
		return Range{
			fmt.Sprintf("%d-01-01", t.Year()),
			fmt.Sprintf("%d-12-31", t.Year()),
		}
	default:
		s := t.Format("2006-01-02")
		return Range{s, s}
	}
}

// TrendRangeForAPI normalizes arbitrary legal range inputs (dashed dates,
// period keys, API-formatted values) into the (starRange, endRange) pair
// the trend endpoint expects at granularity g. An empty end mirrors start.
func TrendRangeForAPI(g Granularity, rawStart, rawEnd string) (string, string) {
	rawStart = strings.TrimSpace(rawStart)
	rawEnd = strings.TrimSpace(rawEnd)
	if rawEnd == "" {
		rawEnd = rawStart
	}
	return trendBound(g, rawStart), trendBound(g, rawEnd)
}

func trendBound(g Granularity, raw string) string {
	if raw == "" {
		return ""
	}
	switch g {
	case Day:
		return DashedDate(raw)
	case Month:
		if dashedDayRe.MatchString(raw) {
			return raw[:7]
		}
		return FormatForAPI(Month, raw)
	case Quarter:
		if dashedDayRe.MatchString(raw) {
			t := ParseTimest(Day, raw)
			return fmt.Sprintf("%d-Q%d", t.Year(), QuarterOf(t))
		}
		return FormatForAPI(Quarter, raw)
	case Year:
		if len(raw) >= 4 && allDigits(raw[:4]) {
			return raw[:4]
		}
		return FormatForAPI(Year, raw)
	default:
		return DashedDate(raw)
	}
}

// KeysInRange enumerates every period key between two dates (yyyy-MM-dd or
// YYYYMMDD), inclusive on both ends. Reversed bounds are swapped.
func KeysInRange(g Granularity, startDate, endDate string) []string {
	start := parseRangeBound(startDate)
	end := parseRangeBound(endDate)
	if start.After(end) {
		start, end = end, start
	}

	var keys []string
	switch g {
	case Month:
		cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, loc)
		last := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, loc)
		for !cur.After(last) {
			keys = append(keys, cur.Format("200601"))
			cur = cur.AddDate(0, 1, 0)
		}
	case Quarter:
		y, q := start.Year(), QuarterOf(start)
		ey, eq := end.Year(), QuarterOf(end)
		for y < ey || (y == ey && q <= eq) {
			keys = append(keys, fmt.Sprintf("%dQ%d", y, q))
			if q == 4 {
				y, q = y+1, 1
			} else {
				q++
			}
		}
	case Year:
		for y := start.Year(); y <= end.Year(); y++ {
			keys = append(keys, strconv.Itoa(y))
		}
	default:
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			keys = append(keys, d.Format("20060102"))
		}
	}
	return keys
}

func parseRangeBound(s string) time.Time {
	raw := strings.TrimSpace(s)
	if len(raw) > 10 {
		raw = raw[:10]
	}
	if t, ok := parseDay(raw); ok {
		return t
	}
	now := time.Now().In(loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
}

// Previous returns the period key of the bucket immediately before the one
// containing now: yesterday, last month, the previous quarter, last year.
// Scheduled collections target this key, since the current bucket is still
// accumulating upstream.
func Previous(g Granularity, now time.Time) string {
	now = now.In(loc)
	switch g {
	case Month:
		return Key(Month, now.AddDate(0, 0, -now.Day()))
	case Quarter:
		firstOfQuarter := time.Date(now.Year(), time.Month((QuarterOf(now)-1)*3+1), 1, 0, 0, 0, 0, loc)
		return Key(Quarter, firstOfQuarter.AddDate(0, 0, -1))
	case Year:
		return strconv.Itoa(now.Year() - 1)
	default:
		return Key(Day, now.AddDate(0, 0, -1))
	}
}
