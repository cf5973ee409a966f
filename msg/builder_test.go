/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package msg_test

import (
	"testing"

	"github.com/NVIDIA/kbus/cmn/config"
	"github.com/NVIDIA/kbus/msg"
	"github.com/NVIDIA/kbus/wire"
)

type fakeQuota struct {
	limit, used int64
}

func (q *fakeQuota) Reserve(n int64) error {
	if q.used+n > q.limit {
		return errQuota
	}
	q.used += n
	return nil
}
func (q *fakeQuota) Unreserve(n int64) { q.used -= n }

var errQuota = &quotaErr{}

type quotaErr struct{}

func (*quotaErr) Error() string { return "quota exceeded" }

type fakeAddrSpace struct{}

func (fakeAddrSpace) ReadAt(addr, size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func TestBuildInlinePayload(t *testing.T) {
	cfg := config.Default()
	q := &fakeQuota{limit: cfg.MaxOutstanding}
	src := msg.SourceInfo{ID: 5, Names: []string{"org.kbus.a"}, Creds: wire.Creds{UID: 1}}
	hdr := wire.Header{DstID: 9, Cookie: 1, TotalSize: 64}
	items := []wire.Item{{Kind: wire.KindInlinePayload, Payload: []byte("hi")}}

	built, err := msg.Build(cfg, q, src, fakeAddrSpace{}, hdr, items)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if built.Header.SrcID != 5 {
		t.Fatalf("expected SrcID stamped to 5, got %d", built.Header.SrcID)
	}

	var sawTimestamp, sawCreds, sawName bool
	for _, it := range built.Items {
		switch it.Kind {
		case wire.KindTimestamp:
			sawTimestamp = true
		case wire.KindSenderCreds:
			sawCreds = true
		case wire.KindSenderNames:
			sawName = true
		}
	}
	if !sawTimestamp || !sawCreds || !sawName {
		t.Fatalf("expected timestamp/creds/names augmentation items, got %+v", built.Items)
	}

	if q.used == 0 {
		t.Fatalf("expected quota to be charged")
	}
	built.Release(q)
	if q.used != 0 {
		t.Fatalf("expected Release to unreserve quota, got %d outstanding", q.used)
	}
}

func TestBuildRejectsOversizeMessage(t *testing.T) {
	cfg := config.Default()
	cfg.MaxMessageSize = 8
	q := &fakeQuota{limit: cfg.MaxOutstanding}
	hdr := wire.Header{DstID: 9, TotalSize: 1 << 20}
	_, err := msg.Build(cfg, q, msg.SourceInfo{}, fakeAddrSpace{}, hdr, nil)
	if err == nil {
		t.Fatalf("expected too-big error")
	}
}

func TestBuildRejectsBroadcastWithDestName(t *testing.T) {
	cfg := config.Default()
	q := &fakeQuota{limit: cfg.MaxOutstanding}
	hdr := wire.Header{Flags: wire.FlagBroadcast, DstID: wire.DstBroadcast}
	items := []wire.Item{
		{Kind: wire.KindBloomFilter, Payload: make([]byte, cfg.BloomWidth)},
		{Kind: wire.KindDestName, Payload: wire.EncodeNulString("org.kbus.x")},
	}
	_, err := msg.Build(cfg, q, msg.SourceInfo{}, fakeAddrSpace{}, hdr, items)
	if err == nil {
		t.Fatalf("expected invalid: broadcast forbids destination-name item")
	}
}

func TestBuildRequiresDestNameForWellKnownDest(t *testing.T) {
	cfg := config.Default()
	q := &fakeQuota{limit: cfg.MaxOutstanding}
	hdr := wire.Header{DstID: wire.DstWellKnownName}
	_, err := msg.Build(cfg, q, msg.SourceInfo{}, fakeAddrSpace{}, hdr, nil)
	if err == nil {
		t.Fatalf("expected invalid: well-known destination requires a destination-name item")
	}
}

func TestAugmentAppendsPerDestinationMetadata(t *testing.T) {
	attach := msg.DestAttach{Comm: true, CommVal: "busctl"}
	out := msg.Augment(nil, attach)
	if len(out) != 1 || out[0].Kind != wire.KindSenderComm {
		t.Fatalf("expected one KindSenderComm item, got %+v", out)
	}
}
