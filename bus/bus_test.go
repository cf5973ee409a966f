/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package bus_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/NVIDIA/kbus/bus"
	"github.com/NVIDIA/kbus/cmn/config"
	"github.com/NVIDIA/kbus/conn"
	"github.com/NVIDIA/kbus/hk"
	"github.com/NVIDIA/kbus/msg"
	"github.com/NVIDIA/kbus/wire"
)

func TestMain(m *testing.M) {
	go hk.DefaultHK.Run()
	hk.WaitStarted()
	os.Exit(m.Run())
}

type fakeAddrSpace struct{}

func (fakeAddrSpace) ReadAt(addr, size uint64) ([]byte, error) { return make([]byte, size), nil }

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b, err := bus.New("org.kbus.test", 0, 0, config.Default())
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	return b
}

func helloOrFail(t *testing.T, ep *bus.Endpoint) *conn.Connection {
	t.Helper()
	c, err := ep.Hello(conn.RoleOrdinary, conn.HelloFlags{}, wire.Creds{UID: 0}, conn.Quotas{MaxQueuedMsgs: 8, MaxOutstanding: 1 << 20})
	if err != nil {
		t.Fatalf("hello: %v", err)
	}
	return c
}

func TestUnicastSendAndRecv(t *testing.T) {
	b := newTestBus(t)
	ep := b.DefaultEndpoint()
	a := helloOrFail(t, ep)
	peer := helloOrFail(t, ep)

	hdr := wire.Header{DstID: peer.ID, Cookie: 1}
	built, err := msg.Build(b.Config, a, msg.SourceInfo{ID: a.ID, Names: a.Names(), Creds: a.Creds}, fakeAddrSpace{}, hdr, []wire.Item{
		{Kind: wire.KindInlinePayload, Payload: []byte("hi")},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := ep.Send(context.Background(), a, built, bus.SendOpts{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	off, size, dropped, err := bus.Recv(context.Background(), peer, conn.RecvNormal, true)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if size <= 0 {
		t.Fatalf("expected nonzero encoded size")
	}
	if dropped != 0 {
		t.Fatalf("expected no drops")
	}
	if err := peer.Pool.Release(off); err != nil {
		t.Fatalf("release pool offset: %v", err)
	}
}

func TestSendToUnknownDestFails(t *testing.T) {
	b := newTestBus(t)
	ep := b.DefaultEndpoint()
	a := helloOrFail(t, ep)

	hdr := wire.Header{DstID: 99999, Cookie: 1}
	built, err := msg.Build(b.Config, a, msg.SourceInfo{ID: a.ID}, fakeAddrSpace{}, hdr, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := ep.Send(context.Background(), a, built, bus.SendOpts{}); err == nil {
		t.Fatalf("expected no-route error sending to an unknown connection id")
	}
}

func TestBroadcastRejectsTimeout(t *testing.T) {
	b := newTestBus(t)
	ep := b.DefaultEndpoint()
	a := helloOrFail(t, ep)

	hdr := wire.Header{Flags: wire.FlagBroadcast, DstID: wire.DstBroadcast}
	built, err := msg.Build(b.Config, a, msg.SourceInfo{ID: a.ID}, fakeAddrSpace{}, hdr, []wire.Item{
		{Kind: wire.KindBloomFilter, Payload: make([]byte, b.Config.BloomWidth)},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := ep.Send(context.Background(), a, built, bus.SendOpts{Timeout: time.Second}); err == nil {
		t.Fatalf("expected broadcasts with a timeout to be rejected")
	}
}

func TestByebyeTearsDownConnection(t *testing.T) {
	b := newTestBus(t)
	ep := b.DefaultEndpoint()
	c := helloOrFail(t, ep)
	b.Byebye(c)
	if c.State() != conn.StateDead {
		t.Fatalf("expected connection to be dead after Byebye, got %s", c.State())
	}
}
