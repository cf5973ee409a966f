/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package match_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/kbus/match"
	"github.com/NVIDIA/kbus/wire"
)

func u64(v uint64) *uint64 { return &v }
func u32(v uint32) *uint32 { return &v }

var _ = Describe("Engine", func() {
	var e *match.Engine

	BeforeEach(func() {
		e = match.New(false)
	})

	It("matches nothing with an empty rule set", func() {
		Expect(e.Matches(match.Broadcast{SenderID: 1})).To(BeFalse())
	})

	It("always matches for a monitor connection", func() {
		mon := match.New(true)
		Expect(mon.Matches(match.Broadcast{SenderID: 42})).To(BeTrue())
	})

	It("matches on sender id", func() {
		Expect(e.Add(match.Rule{Cookie: 1, SenderID: u64(7)}, false)).To(Succeed())
		Expect(e.Matches(match.Broadcast{SenderID: 7})).To(BeTrue())
		Expect(e.Matches(match.Broadcast{SenderID: 8})).To(BeFalse())
	})

	It("matches on destination name", func() {
		Expect(e.Add(match.Rule{Cookie: 1, DestName: "org.kbus.topic"}, false)).To(Succeed())
		Expect(e.Matches(match.Broadcast{DestName: "org.kbus.topic"})).To(BeTrue())
		Expect(e.Matches(match.Broadcast{DestName: "org.kbus.other"})).To(BeFalse())
	})

	It("matches on payload type", func() {
		Expect(e.Add(match.Rule{Cookie: 1, PayloadType: u32(5)}, false)).To(Succeed())
		Expect(e.Matches(match.Broadcast{PayloadType: 5})).To(BeTrue())
		Expect(e.Matches(match.Broadcast{PayloadType: 6})).To(BeFalse())
	})

	It("requires the rule mask to be a bit-subset of the broadcast bloom", func() {
		mask := wire.BloomFilter([]byte{0b0000_0011})
		Expect(e.Add(match.Rule{Cookie: 1, Mask: mask}, false)).To(Succeed())
		Expect(e.Matches(match.Broadcast{Bloom: wire.BloomFilter([]byte{0b0000_0111})})).To(BeTrue())
		Expect(e.Matches(match.Broadcast{Bloom: wire.BloomFilter([]byte{0b0000_0001})})).To(BeFalse())
	})

	It("rejects a duplicate cookie without replace", func() {
		Expect(e.Add(match.Rule{Cookie: 1}, false)).To(Succeed())
		Expect(e.Add(match.Rule{Cookie: 1}, false)).To(HaveOccurred())
	})

	It("replaces a rule with the same cookie when asked", func() {
		Expect(e.Add(match.Rule{Cookie: 1, DestName: "a"}, false)).To(Succeed())
		Expect(e.Add(match.Rule{Cookie: 1, DestName: "b"}, true)).To(Succeed())
		Expect(e.Matches(match.Broadcast{DestName: "a"})).To(BeFalse())
		Expect(e.Matches(match.Broadcast{DestName: "b"})).To(BeTrue())
	})

	It("removes a rule by cookie", func() {
		Expect(e.Add(match.Rule{Cookie: 1, DestName: "a"}, false)).To(Succeed())
		Expect(e.Remove(1)).To(Succeed())
		Expect(e.Matches(match.Broadcast{DestName: "a"})).To(BeFalse())
	})

	It("errors removing an unknown cookie", func() {
		Expect(e.Remove(99)).To(HaveOccurred())
	})
})
