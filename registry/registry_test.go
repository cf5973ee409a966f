/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package registry_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/kbus/registry"
)

type fakeSink struct {
	lost, acquired, respawned []string
}

func (f *fakeSink) NameLost(name string, _ registry.ConnID)         { f.lost = append(f.lost, name) }
func (f *fakeSink) NameAcquired(name string, _ registry.ConnID)     { f.acquired = append(f.acquired, name) }
func (f *fakeSink) ActivatorRespawn(name string, _ registry.ConnID) { f.respawned = append(f.respawned, name) }

var _ = Describe("Registry", func() {
	var (
		sink *fakeSink
		reg  *registry.Registry
	)

	BeforeEach(func() {
		sink = &fakeSink{}
		r, err := registry.New(sink, func(registry.ConnID) bool { return false })
		Expect(err).NotTo(HaveOccurred())
		reg = r
	})

	It("grants an unowned name outright", func() {
		status, err := reg.Acquire("org.kbus.svc", 0, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(registry.StatusOwner))
		owner, ok := reg.Lookup("org.kbus.svc")
		Expect(ok).To(BeTrue())
		Expect(owner).To(BeEquivalentTo(1))
	})

	It("is idempotent for the current owner", func() {
		_, err := reg.Acquire("org.kbus.svc", 0, 1)
		Expect(err).NotTo(HaveOccurred())
		status, err := reg.Acquire("org.kbus.svc", 0, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(registry.StatusOwner))
	})

	It("denies a second claimant with no flags", func() {
		_, err := reg.Acquire("org.kbus.svc", 0, 1)
		Expect(err).NotTo(HaveOccurred())
		_, err = reg.Acquire("org.kbus.svc", 0, 2)
		Expect(err).To(HaveOccurred())
	})

	It("queues a claimant that asks to queue", func() {
		_, err := reg.Acquire("org.kbus.svc", 0, 1)
		Expect(err).NotTo(HaveOccurred())
		status, err := reg.Acquire("org.kbus.svc", registry.Queue, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(registry.StatusInQueue))
	})

	It("promotes a queued claimant on release", func() {
		_, _ = reg.Acquire("org.kbus.svc", 0, 1)
		_, _ = reg.Acquire("org.kbus.svc", registry.Queue, 2)
		Expect(reg.Release("org.kbus.svc", 1)).To(Succeed())
		owner, ok := reg.Lookup("org.kbus.svc")
		Expect(ok).To(BeTrue())
		Expect(owner).To(BeEquivalentTo(2))
		Expect(sink.acquired).To(ContainElement("org.kbus.svc"))
	})

	It("displaces the current owner when allow-replacement and replace-existing both hold", func() {
		_, _ = reg.Acquire("org.kbus.svc", registry.AllowReplacement, 1)
		status, err := reg.Acquire("org.kbus.svc", registry.ReplaceExisting, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(registry.StatusOwner))
		Expect(sink.lost).To(ContainElement("org.kbus.svc"))
		owner, _ := reg.Lookup("org.kbus.svc")
		Expect(owner).To(BeEquivalentTo(2))
	})

	It("erases the entry when a sole owner releases", func() {
		_, _ = reg.Acquire("org.kbus.svc", 0, 1)
		Expect(reg.Release("org.kbus.svc", 1)).To(Succeed())
		_, ok := reg.Lookup("org.kbus.svc")
		Expect(ok).To(BeFalse())
	})

	It("tears down all names owned by a connection, including queue membership", func() {
		_, _ = reg.Acquire("org.kbus.a", 0, 1)
		_, _ = reg.Acquire("org.kbus.b", 0, 2)
		_, _ = reg.Acquire("org.kbus.b", registry.Queue, 1)
		reg.Teardown(1)
		_, ok := reg.Lookup("org.kbus.a")
		Expect(ok).To(BeFalse())
		owner, ok := reg.Lookup("org.kbus.b")
		Expect(ok).To(BeTrue())
		Expect(owner).To(BeEquivalentTo(2))
	})

	It("rejects an invalid bus name", func() {
		_, err := reg.Acquire("not a valid name!", 0, 1)
		Expect(err).To(HaveOccurred())
	})
})
