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

package storage

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.mongodb.org/mongo-driver/bson"
)

var _ = Describe("data indexes", func() {
	keysByName := func() map[string]bson.D {
		out := map[string]bson.D{}
		for _, m := range dataIndexModels() {
			out[*m.Options.Name] = m.Keys.(bson.D)
		}
		return out
	}

	It("declares the full index set", func() {
		names := keysByName()
		Expect(names).To(HaveLen(5))
		for _, n := range []string{"idx_main_query", "idx_cat_time", "idx_action_period", "idx_updated", "idx_ttl_expired"} {
			Expect(names).To(HaveKey(n))
		}
	})

	It("covers granularity in the action/period index", func() {
		keys := keysByName()["idx_action_period"]
		Expect(keys).To(HaveLen(3))
		Expect(keys[0].Key).To(Equal("action"))
		Expect(keys[1].Key).To(Equal("granularity"))
		Expect(keys[2].Key).To(Equal("period_key"))
	})
})

var _ = Describe("MaskURI", func() {
	It("hides credentials", func() {
		Expect(MaskURI("mongodb://user:pass@db:27017/mengla")).To(Equal("mongodb://***@db:27017/mengla"))
	})

	It("leaves credential-free URIs alone", func() {
		Expect(MaskURI("mongodb://db:27017/mengla")).To(Equal("mongodb://db:27017/mengla"))
	})
})
