/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package hk_test

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/kbus/hk"
)

var _ = Describe("Housekeeper", func() {
	It("fires a registered job", func() {
		fired := make(chan struct{}, 4)
		hk.Reg("t-fires", func() time.Duration {
			fired <- struct{}{}
			return time.Hour
		}, time.Millisecond)

		Eventually(fired, 2*time.Second).Should(Receive())
		hk.Unreg("t-fires")
	})

	It("stops firing a job once it returns UnregAt", func() {
		calls := 0
		done := make(chan struct{})
		hk.Reg("t-unreg-at", func() time.Duration {
			calls++
			close(done)
			return hk.UnregAt
		}, time.Millisecond)

		Eventually(done, 2*time.Second).Should(BeClosed())
		Consistently(func() int { return calls }, 100*time.Millisecond).Should(Equal(1))
	})
})
