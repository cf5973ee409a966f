// Command busctl is a thin in-process harness that plays the role of the
// out-of-scope control-node layer (spec §1 "the filesystem-style
// control-node layer that creates bus/endpoint handles and routes
// per-file-descriptor commands"): it owns a single Bus, accepts HELLO
// from two in-process demo peers, and drives a SEND/RECV exchange over
// it end to end, so the package wiring in bus/conn/msg/wire/registry has
// somewhere real to run from. It is a smoke harness, not a network
// daemon -- there is no wire command codec here (out of scope per spec
// §1), just direct Go calls into the core.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/NVIDIA/kbus/bus"
	"github.com/NVIDIA/kbus/cmn/config"
	"github.com/NVIDIA/kbus/cmn/nlog"
	"github.com/NVIDIA/kbus/conn"
	"github.com/NVIDIA/kbus/hk"
	"github.com/NVIDIA/kbus/msg"
	"github.com/NVIDIA/kbus/wire"
)

var busName = flag.String("bus", "org.kbus.demo", "demo bus name")

func main() {
	flag.Parse()
	go hk.DefaultHK.Run()
	hk.WaitStarted()

	b, err := bus.New(*busName, uint32(os.Getuid()), uint32(os.Getgid()), config.Default())
	if err != nil {
		nlog.Errorf("bus init: %v", err)
		os.Exit(1)
	}
	ep := b.DefaultEndpoint()

	quotas := conn.Quotas{MaxQueuedMsgs: 64, MaxOutstanding: 4 << 20}
	a, err := ep.Hello(conn.RoleOrdinary, conn.HelloFlags{AcceptHandles: false}, wire.Creds{UID: uint32(os.Getuid()), PID: uint32(os.Getpid())}, quotas)
	if err != nil {
		nlog.Errorf("hello A: %v", err)
		os.Exit(1)
	}
	pbeer, err := ep.Hello(conn.RoleOrdinary, conn.HelloFlags{AcceptHandles: true}, wire.Creds{UID: uint32(os.Getuid()), PID: uint32(os.Getpid())}, quotas)
	if err != nil {
		nlog.Errorf("hello B: %v", err)
		os.Exit(1)
	}
	nlog.Infof("connected: A=%d B=%d", a.ID, pbeer.ID)

	payload := wire.Item{Kind: wire.KindInlinePayload, Payload: []byte("hi")}
	hdr := wire.Header{DstID: pbeer.ID, Cookie: 0x11}
	built, err := msg.Build(b.Config, a, msg.SourceInfo{ID: a.ID, Names: a.Names(), Creds: a.Creds}, noopAddrSpace{}, hdr, []wire.Item{payload})
	if err != nil {
		nlog.Errorf("build: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := ep.Send(ctx, a, built, bus.SendOpts{}); err != nil {
		nlog.Errorf("send: %v", err)
		os.Exit(1)
	}

	off, size, dropped, err := bus.Recv(ctx, pbeer, conn.RecvNormal, true)
	if err != nil {
		nlog.Errorf("recv: %v", err)
		os.Exit(1)
	}
	nlog.Infof("B received offset=%d size=%d dropped=%d", off, size, dropped)

	b.Byebye(a)
	b.Byebye(pbeer)
}

// noopAddrSpace implements msg.AddressSpace for payloads that are always
// inline in this demo harness (no external payload descriptors are
// sent), so ReadAt is never actually invoked.
type noopAddrSpace struct{}

func (noopAddrSpace) ReadAt(addr, size uint64) ([]byte, error) { return make([]byte, size), nil }
