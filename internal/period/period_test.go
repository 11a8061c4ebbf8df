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

package period_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/qzsyzn/industry-monitor/internal/period"
)

var _ = Describe("Normalize", func() {
	DescribeTable("maps dateType spellings to granularities",
		func(input string, expected period.Granularity) {
			Expect(period.Normalize(input)).To(Equal(expected))
		},
		Entry("day", "day", period.Day),
		Entry("month", "month", period.Month),
		Entry("year", "year", period.Year),
		Entry("quarter", "quarter", period.Quarter),
		Entry("quarterly", "quarterly", period.Quarter),
		Entry("API quarter constant", "QUARTERLY_FOR_YEAR", period.Quarter),
		Entry("mixed case", "Month", period.Month),
		Entry("padded", "  year  ", period.Year),
		Entry("unknown falls back to day", "weekly", period.Day),
		Entry("empty falls back to day", "", period.Day),
	)
})

var _ = Describe("ParseTimest and Key", func() {
	DescribeTable("round-trips accepted spellings to canonical keys",
		func(g period.Granularity, timest, expectedKey string) {
			Expect(period.KeyFor(g, timest)).To(Equal(expectedKey))
		},
		Entry("compact day", period.Day, "20250115", "20250115"),
		Entry("dashed day", period.Day, "2025-01-15", "20250115"),
		Entry("compact month", period.Month, "202501", "202501"),
		Entry("dashed month", period.Month, "2025-01", "202501"),
		Entry("compact quarter", period.Quarter, "2025Q3", "2025Q3"),
		Entry("dashed quarter", period.Quarter, "2025-Q3", "2025Q3"),
		Entry("lowercase quarter", period.Quarter, "2025q3", "2025Q3"),
		Entry("year", period.Year, "2025", "2025"),
		Entry("day key at month granularity", period.Month, "20250615", "202506"),
		Entry("day key at quarter granularity", period.Quarter, "20251101", "2025Q4"),
		Entry("day key at year granularity", period.Year, "20250615", "2025"),
	)

	It("falls back to the current period for unparseable input", func() {
		now := time.Now().In(period.Location())
		Expect(period.KeyFor(period.Day, "not-a-date")).To(Equal(period.Key(period.Day, now)))
		Expect(period.KeyFor(period.Month, "")).To(Equal(period.Key(period.Month, now)))
	})

	It("rejects out-of-range quarters via the fallback", func() {
		now := time.Now().In(period.Location())
		Expect(period.KeyFor(period.Quarter, "2025Q5")).To(Equal(period.Key(period.Quarter, now)))
	})
})

var _ = Describe("FormatForAPI", func() {
	DescribeTable("renders the dashed API spelling",
		func(g period.Granularity, timest, expected string) {
			Expect(period.FormatForAPI(g, timest)).To(Equal(expected))
		},
		Entry("day", period.Day, "20250115", "2025-01-15"),
		Entry("month", period.Month, "202501", "2025-01"),
		Entry("quarter", period.Quarter, "2025Q3", "2025-Q3"),
		Entry("year", period.Year, "2025", "2025"),
	)
})

var _ = Describe("DashedDate", func() {
	It("dashes compact dates and passes everything else through", func() {
		Expect(period.DashedDate("20250115")).To(Equal("2025-01-15"))
		Expect(period.DashedDate("2025-01-15")).To(Equal("2025-01-15"))
		Expect(period.DashedDate("2025Q1")).To(Equal("2025Q1"))
	})
})

var _ = Describe("ToRange", func() {
	It("bounds a day by itself", func() {
		r := period.ToRange(period.Day, "20250115")
		Expect(r).To(Equal(period.Range{Start: "2025-01-15", End: "2025-01-15"}))
	})

	It("bounds a month by its real calendar days", func() {
		Expect(period.ToRange(period.Month, "202502")).
			To(Equal(period.Range{Start: "2025-02-01", End: "2025-02-28"}))
		Expect(period.ToRange(period.Month, "202402")).
			To(Equal(period.Range{Start: "2024-02-01", End: "2024-02-29"}))
	})

	It("bounds a quarter by its three months", func() {
		Expect(period.ToRange(period.Quarter, "2025Q4")).
			To(Equal(period.Range{Start: "2025-10-01", End: "2025-12-31"}))
	})

	It("bounds a year by Jan 1 and Dec 31", func() {
		Expect(period.ToRange(period.Year, "2025")).
			To(Equal(period.Range{Start: "2025-01-01", End: "2025-12-31"}))
	})
})

var _ = Describe("TrendRangeForAPI", func() {
	It("mirrors an empty end bound from start", func() {
		s, e := period.TrendRangeForAPI(period.Day, "20250110", "")
		Expect(s).To(Equal("2025-01-10"))
		Expect(e).To(Equal("2025-01-10"))
	})

	It("truncates dashed dates for coarser granularities", func() {
		s, e := period.TrendRangeForAPI(period.Month, "2025-01-15", "2025-03-20")
		Expect(s).To(Equal("2025-01"))
		Expect(e).To(Equal("2025-03"))
	})

	It("converts dashed dates to quarter spellings", func() {
		s, e := period.TrendRangeForAPI(period.Quarter, "2025-02-10", "2025-11-01")
		Expect(s).To(Equal("2025-Q1"))
		Expect(e).To(Equal("2025-Q4"))
	})

	It("accepts period keys directly", func() {
		s, e := period.TrendRangeForAPI(period.Quarter, "2025Q1", "2025Q3")
		Expect(s).To(Equal("2025-Q1"))
		Expect(e).To(Equal("2025-Q3"))
	})
})

var _ = Describe("KeysInRange", func() {
	It("enumerates days inclusively", func() {
		Expect(period.KeysInRange(period.Day, "2025-01-30", "2025-02-02")).
			To(Equal([]string{"20250130", "20250131", "20250201", "20250202"}))
	})

	It("enumerates months across a year boundary", func() {
		Expect(period.KeysInRange(period.Month, "2024-11-15", "2025-02-01")).
			To(Equal([]string{"202411", "202412", "202501", "202502"}))
	})

	It("enumerates quarters across a year boundary", func() {
		Expect(period.KeysInRange(period.Quarter, "2024-08-01", "2025-05-01")).
			To(Equal([]string{"2024Q3", "2024Q4", "2025Q1", "2025Q2"}))
	})

	It("enumerates years", func() {
		Expect(period.KeysInRange(period.Year, "2023-06-01", "2025-01-01")).
			To(Equal([]string{"2023", "2024", "2025"}))
	})

	It("swaps reversed bounds", func() {
		Expect(period.KeysInRange(period.Day, "2025-01-03", "2025-01-01")).
			To(Equal([]string{"20250101", "20250102", "20250103"}))
	})

	It("accepts compact bounds", func() {
		Expect(period.KeysInRange(period.Day, "20250101", "20250102")).
			To(Equal([]string{"20250101", "20250102"}))
	})
})

var _ = Describe("Previous", func() {
	now := time.Date(2025, time.January, 15, 10, 0, 0, 0, period.Location())

	It("returns yesterday for day", func() {
		Expect(period.Previous(period.Day, now)).To(Equal("20250114"))
	})

	It("returns last month across a year boundary", func() {
		Expect(period.Previous(period.Month, now)).To(Equal("202412"))
	})

	It("returns the previous quarter across a year boundary", func() {
		Expect(period.Previous(period.Quarter, now)).To(Equal("2024Q4"))
	})

	It("returns last year", func() {
		Expect(period.Previous(period.Year, now)).To(Equal("2024"))
	})

	It("stays within the year mid-year", func() {
		mid := time.Date(2025, time.August, 5, 0, 0, 0, 0, period.Location())
		Expect(period.Previous(period.Month, mid)).To(Equal("202507"))
		Expect(period.Previous(period.Quarter, mid)).To(Equal("2025Q2"))
	})
})
