/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire_test

import (
	"testing"

	"github.com/NVIDIA/kbus/wire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	hdr := wire.Header{
		Flags:          wire.FlagSyncReply,
		SrcID:          3,
		DstID:          4,
		Cookie:         0xdead,
		PayloadType:    1,
		ReplyCookie:    0xbeef,
		ReplyTimeoutNS: 1_000_000,
	}
	items := []wire.Item{
		{Kind: wire.KindInlinePayload, Payload: []byte("hello")},
		{Kind: wire.KindTimestamp, Payload: wire.EncodeTimestamp(wire.Timestamp{MonotonicNS: 1, RealtimeNS: 2})},
	}

	buf := wire.Encode(hdr, items)

	gotHdr, gotItems, err := wire.Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotHdr.SrcID != hdr.SrcID || gotHdr.DstID != hdr.DstID || gotHdr.Cookie != hdr.Cookie {
		t.Fatalf("header mismatch: got %+v want %+v", gotHdr, hdr)
	}
	if !gotHdr.IsSyncReply() {
		t.Fatalf("expected IsSyncReply true")
	}
	if len(gotItems) != len(items) {
		t.Fatalf("item count: got %d want %d", len(gotItems), len(items))
	}
	if string(gotItems[0].Payload) != "hello" {
		t.Fatalf("item 0 payload: got %q", gotItems[0].Payload)
	}
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	hdr := wire.Header{DstID: 1}
	buf := wire.Encode(hdr, []wire.Item{{Kind: wire.KindInlinePayload, Payload: []byte("x")}})
	if _, _, err := wire.Decode(buf[:len(buf)-4]); err == nil {
		t.Fatalf("expected error decoding truncated buffer")
	}
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	if _, err := wire.DecodeHeader(make([]byte, wire.HeaderSize-1)); err == nil {
		t.Fatalf("expected error on short header buffer")
	}
}

func TestBroadcastSentinel(t *testing.T) {
	hdr := wire.Header{Flags: wire.FlagBroadcast, DstID: wire.DstBroadcast}
	if !hdr.IsBroadcast() {
		t.Fatalf("expected IsBroadcast true")
	}
}

func TestBloomFilterSubset(t *testing.T) {
	f := wire.BloomFilter([]byte{0b0000_0111})
	mask := wire.BloomFilter([]byte{0b0000_0011})
	if !f.Subset(mask) {
		t.Fatalf("expected mask to be a subset")
	}
	notMask := wire.BloomFilter([]byte{0b0000_1000})
	if f.Subset(notMask) {
		t.Fatalf("expected mask not to be a subset")
	}
}

func TestCmdlineRoundTrip(t *testing.T) {
	argv := []string{"busctl", "--bus", "org.kbus.demo"}
	buf := wire.EncodeCmdline(argv)
	got := wire.DecodeCmdline(buf)
	if len(got) != len(argv) {
		t.Fatalf("cmdline length: got %d want %d", len(got), len(argv))
	}
	for i := range argv {
		if got[i] != argv[i] {
			t.Fatalf("cmdline[%d]: got %q want %q", i, got[i], argv[i])
		}
	}
}
