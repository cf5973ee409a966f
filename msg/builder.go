// Package msg implements the Message Builder (spec §4.1): validates an
// incoming user message item stream, converts external payload
// descriptors to inlined or retained-zero-copy payload, borrows any
// attached handles, and stamps sender/receiver metadata. Grounded on
// kdbus' message.c (kdbus_msg_scan_items / kdbus_conn_new for the
// validate+transform shape) translated into a single-traversal Go
// function, with per-destination augmentation split out the way the
// teacher splits "build" from "per-recipient decoration" in transport's
// ObjHdr construction.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package msg

import (
	"time"

	"github.com/NVIDIA/kbus/cmn/bsterr"
	"github.com/NVIDIA/kbus/cmn/cos"
	"github.com/NVIDIA/kbus/cmn/config"
	"github.com/NVIDIA/kbus/cmn/mono"
	"github.com/NVIDIA/kbus/handletab"
	"github.com/NVIDIA/kbus/wire"
)

// QuotaAccount is the source Connection's outstanding-byte counter (spec
// §3 Connection "quotas"). Reserve increments it and fails `quota` if the
// connection's limit would be exceeded; Unreserve undoes a prior Reserve,
// used to unwind a failed build (spec §4.1 step 5: "failure unwinds all
// prior increments in this build").
type QuotaAccount interface {
	Reserve(n int64) error
	Unreserve(n int64)
}

// AddressSpace reads bytes out of the sending process's logical address
// space for an external payload descriptor, mirroring message.c's
// copy_from_user in kdbus_inline_user_vec.
type AddressSpace interface {
	ReadAt(addr, size uint64) ([]byte, error)
}

// SourceInfo is everything the Builder stamps onto a message at
// Augmentation time (spec §4.1 "Augmentation"), snapshotted by the caller
// (package conn) at send time.
type SourceInfo struct {
	ID    uint64
	Names []string
	Creds wire.Creds
}

// DestAttach is the receiver's HELLO attach mask: which per-destination
// metadata items to append (spec §4.1 "Per-destination augmentation").
type DestAttach struct {
	Comm, Exe, Cmdline, Cgroup, Caps, Audit, Seclabel bool

	CommVal     string
	ExeVal      string
	CmdlineVal  []string
	CgroupVal   string
	CapsVal     wire.Caps
	SeclabelVal string
}

// Built is a validated, transformed message ready for the Dispatcher.
type Built struct {
	Header          wire.Header
	Items           []wire.Item // order-preserving, external descriptors resolved
	Handles         []*handletab.Borrowed
	MaterializedVec bool             // spec §9: whether any descriptor forced "materialized vec" mode
	DestName        string           // set iff dst was the well-known-name sentinel
	Bloom           wire.BloomFilter // set iff this is a broadcast
	charged         int64            // bytes charged against src's quota, for Release on discard
}

// Release unwinds everything a Built message is still holding: borrowed
// handles and charged quota. Call when a built message is discarded
// without ever being delivered (e.g. the destination turned out
// unreachable after Dispatcher resolution).
func (b *Built) Release(src QuotaAccount) {
	handletab.ReleaseAll(b.Handles)
	if b.charged > 0 {
		src.Unreserve(b.charged)
		b.charged = 0
	}
}

// Build runs the Validation and Transform passes of spec §4.1 over buf, a
// raw user-supplied message buffer already split into header+items by
// wire.Decode.
func Build(cfg *config.Config, src QuotaAccount, srcInfo SourceInfo, addrs AddressSpace, hdr wire.Header, items []wire.Item) (*Built, error) {
	if int64(hdr.TotalSize) > cfg.MaxMessageSize {
		return nil, bsterr.TooBig("message size %d exceeds max %d", hdr.TotalSize, cfg.MaxMessageSize)
	}
	if len(items) > cfg.MaxItems {
		return nil, bsterr.TooMany("item count %d exceeds max %d", len(items), cfg.MaxItems)
	}

	var (
		numHandles  int
		numVecs     int
		vecSizeSum  int64
		anyAligned  bool
		haveBloom   bool
		haveName    bool
		destName    string
		bloom       wire.BloomFilter
		handleItem  []int32
		charged     int64
	)

	unwind := func() { src.Unreserve(charged) }

	chargeAndCheck := func(n int64) error {
		if err := src.Reserve(n); err != nil {
			unwind()
			return err
		}
		charged += n
		return nil
	}

	for _, it := range items {
		switch it.Kind {
		case wire.KindInlinePayload:
			// any size accepted (spec §4.1 step 3 "inline payload").
		case wire.KindExternalPayloadDesc:
			numVecs++
			if numVecs > cfg.MaxPayloadVecs {
				unwind()
				return nil, bsterr.TooMany("payload vec count exceeds max %d", cfg.MaxPayloadVecs)
			}
			if len(it.Payload) != wire.ExternalPayloadDescSize {
				unwind()
				return nil, bsterr.Invalid("external payload descriptor has wrong size %d", len(it.Payload))
			}
			desc := wire.DecodeExternalPayloadDesc(it.Payload)
			if desc.Aligned() {
				if !cos.IsAlignedPage(desc.Address) || !cos.IsAlignedPage(desc.Size) {
					unwind()
					return nil, bsterr.Invalid("page-aligned vec not page-aligned")
				}
				anyAligned = true
			}
			vecSizeSum += int64(desc.Size)
			if vecSizeSum > cfg.MaxPayloadSize {
				unwind()
				return nil, bsterr.TooBig("aggregate external payload %d exceeds max %d", vecSizeSum, cfg.MaxPayloadSize)
			}
		case wire.KindHandleArray:
			if numHandles > 0 {
				unwind()
				return nil, bsterr.Invalid("at most one handle array item allowed")
			}
			numHandles++
			handleItem = wire.DecodeHandleArray(it.Payload)
			if len(handleItem) > cfg.MaxHandles {
				unwind()
				return nil, bsterr.TooMany("handle count %d exceeds max %d", len(handleItem), cfg.MaxHandles)
			}
			if hdr.IsBroadcast() {
				unwind()
				return nil, bsterr.Invalid("handles forbidden on broadcast")
			}
		case wire.KindBloomFilter:
			if haveBloom {
				unwind()
				return nil, bsterr.Invalid("at most one bloom item allowed")
			}
			haveBloom = true
			if !hdr.IsBroadcast() {
				unwind()
				return nil, bsterr.Invalid("bloom item only valid on broadcast")
			}
			if len(it.Payload) != cfg.BloomWidth || !cos.IsAligned8(int64(len(it.Payload))) {
				unwind()
				return nil, bsterr.Invalid("bloom size %d != bus width %d or misaligned", len(it.Payload), cfg.BloomWidth)
			}
			bloom = wire.BloomFilter(it.Payload)
		case wire.KindDestName:
			if haveName {
				unwind()
				return nil, bsterr.Invalid("at most one destination-name item allowed")
			}
			haveName = true
			destName = wire.DecodeNulString(it.Payload)
			if err := cos.CheckBusName(destName); err != nil {
				unwind()
				return nil, err
			}
		default:
			unwind()
			return nil, bsterr.Invalid("unknown mandatory item kind %d", it.Kind)
		}
	}

	// Addressing consistency (spec §4.1 step 4).
	switch {
	case hdr.IsBroadcast():
		if !haveBloom {
			unwind()
			return nil, bsterr.Invalid("broadcast requires a bloom item")
		}
		if haveName {
			unwind()
			return nil, bsterr.Invalid("broadcast forbids a destination-name item")
		}
		if numHandles > 0 {
			unwind()
			return nil, bsterr.Invalid("broadcast forbids handles")
		}
	case hdr.DstID == wire.DstWellKnownName:
		if !haveName {
			unwind()
			return nil, bsterr.Invalid("well-known-name destination requires a destination-name item")
		}
	default:
		if haveName {
			unwind()
			return nil, bsterr.Invalid("specific destination id forbids a destination-name item")
		}
	}

	if err := chargeAndCheck(int64(hdr.TotalSize)); err != nil {
		return nil, err
	}

	// Transform pass (spec §4.1 "Transform pass").
	outItems := make([]wire.Item, 0, len(items)+8)
	materialized := false
	inline := !anyAligned && vecSizeSum+int64(wire.HeaderSize) < cfg.InlineThreshold

	for _, it := range items {
		if it.Kind == wire.KindExternalPayloadDesc {
			desc := wire.DecodeExternalPayloadDesc(it.Payload)
			if inline {
				data, err := addrs.ReadAt(desc.Address, desc.Size)
				if err != nil {
					unwind()
					return nil, bsterr.Wrap(err, "materialize external payload")
				}
				outItems = append(outItems, wire.Item{Kind: wire.KindInlinePayload, Payload: data})
			} else {
				materialized = true
				outItems = append(outItems, it)
			}
			continue
		}
		outItems = append(outItems, it)
	}

	var borrowed []*handletab.Borrowed
	if len(handleItem) > 0 {
		bs, err := handletab.BorrowAll(handleItem)
		if err != nil {
			unwind()
			return nil, bsterr.CannotPassHandles("%v", err)
		}
		borrowed = bs
	}

	// Augmentation (spec §4.1 "Augmentation").
	hdr.SrcID = srcInfo.ID
	now := time.Now()
	outItems = append(outItems, wire.Item{Kind: wire.KindTimestamp, Payload: wire.EncodeTimestamp(wire.Timestamp{
		MonotonicNS: mono.NanoTime(),
		RealtimeNS:  now.UnixNano(),
	})})
	creds := CredsItem(srcInfo.Creds)
	credsBytes, _ := creds.MarshalMsg(nil)
	outItems = append(outItems, wire.Item{Kind: wire.KindSenderCreds, Payload: credsBytes})
	for _, n := range srcInfo.Names {
		outItems = append(outItems, wire.Item{Kind: wire.KindSenderNames, Payload: wire.EncodeNulString(n)})
	}

	return &Built{
		Header:          hdr,
		Items:           outItems,
		Handles:         borrowed,
		MaterializedVec: materialized,
		DestName:        destName,
		Bloom:           bloom,
		charged:         charged,
	}, nil
}

// Augment appends the receiver-side metadata items named by attach,
// spec §4.1 "Per-destination augmentation... a function of the
// receiver's HELLO flags, not the sender's." Called once per destination
// by the Dispatcher, after Build, so broadcast fan-out can tailor each
// copy to its own recipient.
func Augment(items []wire.Item, attach DestAttach) []wire.Item {
	out := items
	if attach.Comm {
		out = append(out, wire.Item{Kind: wire.KindSenderComm, Payload: wire.EncodeNulString(attach.CommVal)})
	}
	if attach.Exe {
		out = append(out, wire.Item{Kind: wire.KindSenderExe, Payload: wire.EncodeNulString(attach.ExeVal)})
	}
	if attach.Cmdline {
		out = append(out, wire.Item{Kind: wire.KindSenderCmdline, Payload: wire.EncodeCmdline(attach.CmdlineVal)})
	}
	if attach.Cgroup {
		out = append(out, wire.Item{Kind: wire.KindSenderCgroup, Payload: wire.EncodeNulString(attach.CgroupVal)})
	}
	if attach.Caps {
		out = append(out, wire.Item{Kind: wire.KindSenderCaps, Payload: wire.EncodeCaps(attach.CapsVal)})
	}
	if attach.Seclabel {
		out = append(out, wire.Item{Kind: wire.KindSenderSeclabel, Payload: wire.EncodeNulString(attach.SeclabelVal)})
	}
	return out
}
