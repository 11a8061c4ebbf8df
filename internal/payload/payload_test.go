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

package payload_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"

	"github.com/qzsyzn/industry-monitor/internal/payload"
)

var _ = Describe("ValidAction", func() {
	It("accepts every known action and nothing else", func() {
		for _, a := range payload.Actions {
			Expect(payload.ValidAction(a)).To(BeTrue(), a)
		}
		Expect(payload.ValidAction("highList")).To(BeFalse())
		Expect(payload.ValidAction("")).To(BeFalse())
	})
})

var _ = Describe("Unwrap", func() {
	It("peels nested resultData/data envelopes", func() {
		raw := []byte(`{"resultData":{"data":{"highList":{"code":0,"data":[{"k":1}]}}}}`)
		inner := payload.Unwrap(raw)
		Expect(gjson.GetBytes(inner, "highList.code").Int()).To(Equal(int64(0)))
	})

	It("decodes stringified envelope levels", func() {
		raw := []byte(`{"data":"{\"hotList\":{\"code\":0,\"data\":[{\"k\":1}]}}"}`)
		inner := payload.Unwrap(raw)
		Expect(gjson.GetBytes(inner, "hotList.data").IsArray()).To(BeTrue())
	})

	It("passes non-envelope documents through unchanged", func() {
		raw := []byte(`{"highList":{"code":0,"data":[]}}`)
		Expect(payload.Unwrap(raw)).To(MatchJSON(raw))
	})

	It("stops at scalar data values", func() {
		raw := []byte(`{"data":42}`)
		Expect(payload.Unwrap(raw)).To(MatchJSON(raw))
	})
})

var _ = Describe("IsEmpty", func() {
	DescribeTable("ranked-list containers",
		func(doc string, empty bool) {
			Expect(payload.IsEmpty(payload.ActionHigh, []byte(doc))).To(Equal(empty))
		},
		Entry("rows in a bare array", `{"highList":{"code":0,"data":[{"k":1}]}}`, false),
		Entry("rows in a paged object", `{"highList":{"code":0,"data":{"list":[{"k":1}],"pageNo":1}}}`, false),
		Entry("missing container", `{"hotList":{"code":0,"data":[{"k":1}]}}`, true),
		Entry("non-zero code", `{"highList":{"code":500,"data":[{"k":1}]}}`, true),
		Entry("empty array", `{"highList":{"code":0,"data":[]}}`, true),
		Entry("empty paged list", `{"highList":{"code":0,"data":{"list":[]}}}`, true),
		Entry("missing data key", `{"highList":{"code":0}}`, true),
		Entry("scalar data", `{"highList":{"code":0,"data":"nope"}}`, true),
		Entry("wrapped in an envelope", `{"resultData":{"highList":{"code":0,"data":[{"k":1}]}}}`, false),
	)

	It("treats the view action as non-empty for any object", func() {
		Expect(payload.IsEmpty(payload.ActionIndustryView, []byte(`{"anything":1}`))).To(BeFalse())
		Expect(payload.IsEmpty(payload.ActionIndustryView, []byte(`"scalar"`))).To(BeTrue())
	})

	It("treats trend results without points as empty", func() {
		Expect(payload.IsEmpty(payload.ActionTrend, []byte(`{"industryTrendRange":[]}`))).To(BeTrue())
		Expect(payload.IsEmpty(payload.ActionTrend,
			[]byte(`{"industryTrendRange":[{"timest":"2025-01","v":1}]}`))).To(BeFalse())
	})

	It("treats empty input as empty", func() {
		Expect(payload.IsEmpty(payload.ActionHigh, nil)).To(BeTrue())
	})
})

var _ = Describe("TrendPoints", func() {
	It("reads a bare point array", func() {
		pts := payload.TrendPoints([]byte(`{"industryTrendRange":[{"timest":"2025-01","v":1},{"timest":"2025-02","v":2}]}`))
		Expect(pts).To(HaveLen(2))
		Expect(pts[0].Timest).To(Equal("2025-01"))
	})

	It("reads the {data:[..]} container shape", func() {
		pts := payload.TrendPoints([]byte(`{"industryTrendRange":{"data":[{"timest":"2025-01","v":1}]}}`))
		Expect(pts).To(HaveLen(1))
	})

	It("drops points without a timest", func() {
		pts := payload.TrendPoints([]byte(`{"industryTrendRange":[{"v":1},{"timest":"2025-02","v":2}]}`))
		Expect(pts).To(HaveLen(1))
		Expect(pts[0].Timest).To(Equal("2025-02"))
	})

	It("reads through the envelope", func() {
		pts := payload.TrendPoints([]byte(`{"resultData":{"industryTrendRange":[{"timest":"2025-03"}]}}`))
		Expect(pts).To(HaveLen(1))
	})

	It("returns nothing for other shapes", func() {
		Expect(payload.TrendPoints([]byte(`{"industryTrendRange":"oops"}`))).To(BeEmpty())
		Expect(payload.TrendPoints([]byte(`[1,2]`))).To(BeEmpty())
	})
})

var _ = Describe("WrapTrendPoint and MergeTrend", func() {
	It("round-trips a single point through the stored shape", func() {
		pts := payload.TrendPoints([]byte(`{"industryTrendRange":[{"timest":"2025-01","v":1}]}`))
		Expect(pts).To(HaveLen(1))

		stored := payload.WrapTrendPoint(pts[0])
		again := payload.TrendPoints(stored)
		Expect(again).To(HaveLen(1))
		Expect(again[0].Timest).To(Equal("2025-01"))
	})

	It("merges per-period documents sorted ascending by timest", func() {
		docA := payload.WrapTrendPoint(payload.TrendPoint{Timest: "2025-03", Raw: []byte(`{"timest":"2025-03","v":3}`)})
		docB := payload.WrapTrendPoint(payload.TrendPoint{Timest: "2025-01", Raw: []byte(`{"timest":"2025-01","v":1}`)})
		docC := payload.WrapTrendPoint(payload.TrendPoint{Timest: "2025-02", Raw: []byte(`{"timest":"2025-02","v":2}`)})

		merged := payload.MergeTrend([][]byte{docA, docB, docC})
		pts := payload.TrendPoints(merged)
		Expect(pts).To(HaveLen(3))
		Expect(pts[0].Timest).To(Equal("2025-01"))
		Expect(pts[2].Timest).To(Equal("2025-03"))
	})

	It("merges nothing into an empty series", func() {
		merged := payload.MergeTrend(nil)
		Expect(payload.TrendPoints(merged)).To(BeEmpty())
	})
})

var _ = Describe("Hash", func() {
	It("is stable per input and differs across inputs", func() {
		a := payload.Hash([]byte(`{"k":1}`))
		Expect(payload.Hash([]byte(`{"k":1}`))).To(Equal(a))
		Expect(payload.Hash([]byte(`{"k":2}`))).NotTo(Equal(a))
		Expect(a).To(HaveLen(32))
	})
})
