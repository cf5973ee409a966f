// Package wire defines the on-the-wire shape of a bus message: the fixed
// header, the typed item stream that follows it, and the sentinels used to
// address broadcast and well-known-name destinations. It is pure data plus
// mechanical encode/decode of the item stream (size/alignment bookkeeping
// only) -- grounded on the teacher's transport.ObjHdr/Msg framing
// (transport/api.go) and on the item layout kdbus' message.c walks with
// KDBUS_ITEM_FOREACH. Semantic validation (spec §4.1's "Validation pass")
// lives in package msg; this package just knows how to cut a byte slice
// into items and glue them back together.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import (
	"encoding/binary"

	"github.com/NVIDIA/kbus/cmn/bsterr"
	"github.com/NVIDIA/kbus/cmn/cos"
)

// Address-space sentinels (spec §6 "Address-space sentinels"). FirstValidID
// is implementation-defined but stable per bus; connection IDs are handed
// out starting here so that 0 and 1 can never collide with a real peer.
const (
	DstBroadcast     uint64 = 0
	DstWellKnownName uint64 = 1
	FirstValidID     uint64 = 2
)

// Header flags (spec §3 "Message (wire)" / §4.6).
const (
	FlagBroadcast uint32 = 1 << iota
	FlagSyncReply
	FlagNoAutoStart
)

// HeaderSize is the fixed, 8-byte-aligned size of Header on the wire.
const HeaderSize = 56

// Header is the fixed prefix of every message: total size, flags, src/dst,
// cookie, payload type, and the reply cookie/timeout pair. ReplyCookie is
// what the Dispatcher matches against a pending sync-reply slot (spec §4.6
// step 4); the send timeout it uses comes from bus.SendOpts, not from
// ReplyTimeoutNS.
type Header struct {
	TotalSize      uint32
	Flags          uint32
	SrcID          uint64
	DstID          uint64
	Cookie         uint64
	PayloadType    uint32
	_              uint32 // padding to keep the struct 8-byte aligned
	ReplyCookie    uint64
	ReplyTimeoutNS int64
}

func (h *Header) IsBroadcast() bool  { return h.Flags&FlagBroadcast != 0 }
func (h *Header) IsSyncReply() bool  { return h.Flags&FlagSyncReply != 0 }
func (h *Header) NoAutoStart() bool  { return h.Flags&FlagNoAutoStart != 0 }

// ItemKind tags the type of one item in the item stream (spec §3 "typed,
// 8-byte-aligned items").
type ItemKind uint32

const (
	_ ItemKind = iota
	KindInlinePayload
	KindExternalPayloadDesc
	KindHandleArray
	KindBloomFilter
	KindDestName

	// augmentation items synthesized by the Message Builder (spec §4.1
	// "Augmentation" / "Per-destination augmentation").
	KindTimestamp
	KindSenderCreds
	KindSenderNames
	KindSenderComm
	KindSenderExe
	KindSenderCmdline
	KindSenderCgroup
	KindSenderCaps
	KindSenderAudit
	KindSenderSeclabel

	// receive-side / registry-synthesized items (spec §4.2, §4.7).
	KindInstalledHandles
	KindNameLostEvent
	KindNameAcquiredEvent
	KindActivatorRespawnEvent
	KindReplyDeadEvent
	KindDroppedCount
)

// ItemHeaderSize is the fixed size of an item's header, mirroring
// KDBUS_ITEM_HEADER_SIZE.
const ItemHeaderSize = 8

// Item is one decoded element of the item stream: a kind tag plus its
// payload bytes, already sliced out of the enclosing message buffer and
// validated for size/alignment by Decode. Payload semantics (is this vec
// page-aligned, does this bloom mask match bus width, ...) are for msg and
// match to interpret.
type Item struct {
	Kind    ItemKind
	Payload []byte
}

// size returns this item's on-wire footprint including its header and
// 8-byte alignment padding.
func (it Item) size() uint32 {
	return cos.Align8Size(ItemHeaderSize + uint32(len(it.Payload)))
}

// Encode serializes hdr followed by items into a fresh 8-byte-aligned
// buffer. It never fails: callers are expected to have already validated
// item sizes against bus limits (package msg).
func Encode(hdr Header, items []Item) []byte {
	total := HeaderSize
	for _, it := range items {
		total += int(it.size())
	}
	hdr.TotalSize = uint32(total)

	buf := make([]byte, total)
	putHeader(buf[:HeaderSize], hdr)

	off := HeaderSize
	for _, it := range items {
		binary.LittleEndian.PutUint32(buf[off:], uint32(it.Kind))
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(ItemHeaderSize+len(it.Payload)))
		copy(buf[off+ItemHeaderSize:], it.Payload)
		off += int(it.size())
	}
	return buf
}

func putHeader(b []byte, h Header) {
	binary.LittleEndian.PutUint32(b[0:], h.TotalSize)
	binary.LittleEndian.PutUint32(b[4:], h.Flags)
	binary.LittleEndian.PutUint64(b[8:], h.SrcID)
	binary.LittleEndian.PutUint64(b[16:], h.DstID)
	binary.LittleEndian.PutUint64(b[24:], h.Cookie)
	binary.LittleEndian.PutUint32(b[32:], h.PayloadType)
	binary.LittleEndian.PutUint64(b[40:], h.ReplyCookie)
	binary.LittleEndian.PutUint64(b[48:], uint64(h.ReplyTimeoutNS))
}

func getHeader(b []byte) Header {
	var h Header
	h.TotalSize = binary.LittleEndian.Uint32(b[0:])
	h.Flags = binary.LittleEndian.Uint32(b[4:])
	h.SrcID = binary.LittleEndian.Uint64(b[8:])
	h.DstID = binary.LittleEndian.Uint64(b[16:])
	h.Cookie = binary.LittleEndian.Uint64(b[24:])
	h.PayloadType = binary.LittleEndian.Uint32(b[32:])
	h.ReplyCookie = binary.LittleEndian.Uint64(b[40:])
	h.ReplyTimeoutNS = int64(binary.LittleEndian.Uint64(b[48:]))
	return h
}

// DecodeHeader reads only the fixed header prefix, without walking items.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, bsterr.Invalid("message shorter than header (%d < %d)", len(buf), HeaderSize)
	}
	return getHeader(buf), nil
}

// Decode splits buf into its Header and item stream. It enforces only the
// mechanical shape rules from spec §4.1 step 1-2 (size bounds, 8-byte
// alignment, trailing padding < 8 bytes, item size floor/ceiling); kind-
// specific semantics are left to package msg.
func Decode(buf []byte) (Header, []Item, error) {
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	if int(hdr.TotalSize) != len(buf) {
		return Header{}, nil, bsterr.Invalid("header total-size %d != buffer length %d", hdr.TotalSize, len(buf))
	}
	if !cos.IsAligned8(int64(hdr.TotalSize)) {
		return Header{}, nil, bsterr.Invalid("total-size %d is not 8-byte aligned", hdr.TotalSize)
	}

	var items []Item
	off := HeaderSize
	for off < len(buf) {
		remaining := len(buf) - off
		if remaining < ItemHeaderSize {
			if remaining >= 8 {
				return Header{}, nil, bsterr.Invalid("trailing padding %d >= 8 bytes", remaining)
			}
			break // trailing padding < 8 bytes: allowed
		}
		kind := ItemKind(binary.LittleEndian.Uint32(buf[off:]))
		isize := binary.LittleEndian.Uint32(buf[off+4:])
		if isize < ItemHeaderSize {
			return Header{}, nil, bsterr.Invalid("item size %d below header floor %d", isize, ItemHeaderSize)
		}
		if int(isize) > remaining {
			return Header{}, nil, bsterr.Invalid("item size %d exceeds remaining %d", isize, remaining)
		}
		payload := buf[off+ItemHeaderSize : off+int(isize)]
		items = append(items, Item{Kind: kind, Payload: payload})
		off += int(cos.Align8Size(isize))
	}
	return hdr, items, nil
}
