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

package queue

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("capErrMessage", func() {
	It("truncates an oversized failure cause", func() {
		long := strings.Repeat("x", errMessageCap+500)
		Expect(capErrMessage(long)).To(HaveLen(errMessageCap))
	})

	It("keeps short causes untouched", func() {
		Expect(capErrMessage("boom")).To(Equal("boom"))
	})
})
