// Typed item payload views: thin struct-over-bytes wrappers for the item
// kinds the rest of the bus needs to read or write fields of, rather than
// treat as opaque bytes. Layouts mirror kdbus' struct kdbus_vec /
// kdbus_creds (message.c) translated to fixed-size, 8-byte-aligned Go
// structs.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import "encoding/binary"

// VecFlags on an ExternalPayloadDesc item.
const VecAligned uint32 = 1

// ExternalPayloadDescSize is sizeof(kdbus_vec): address, size, flags.
const ExternalPayloadDescSize = 24

// ExternalPayloadDesc is a zero-copy reference into the sender's address
// space (spec §3 "external payload descriptor").
type ExternalPayloadDesc struct {
	Address uint64
	Size    uint64
	Flags   uint32
	_       uint32
}

func (d ExternalPayloadDesc) Aligned() bool { return d.Flags&VecAligned != 0 }

func EncodeExternalPayloadDesc(d ExternalPayloadDesc) []byte {
	b := make([]byte, ExternalPayloadDescSize)
	binary.LittleEndian.PutUint64(b[0:], d.Address)
	binary.LittleEndian.PutUint64(b[8:], d.Size)
	binary.LittleEndian.PutUint32(b[16:], d.Flags)
	return b
}

func DecodeExternalPayloadDesc(b []byte) ExternalPayloadDesc {
	return ExternalPayloadDesc{
		Address: binary.LittleEndian.Uint64(b[0:]),
		Size:    binary.LittleEndian.Uint64(b[8:]),
		Flags:   binary.LittleEndian.Uint32(b[16:]),
	}
}

// HandleArray payload is a flat array of int32 fds borrowed from the
// sender (spec §3 "handle array").
func EncodeHandleArray(fds []int32) []byte {
	b := make([]byte, len(fds)*4)
	for i, fd := range fds {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(fd))
	}
	return b
}

func DecodeHandleArray(b []byte) []int32 {
	n := len(b) / 4
	fds := make([]int32, n)
	for i := range fds {
		fds[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return fds
}

// Timestamp item: monotonic + realtime nanoseconds (spec §4.1
// "Augmentation").
const TimestampSize = 16

type Timestamp struct {
	MonotonicNS int64
	RealtimeNS  int64
}

func EncodeTimestamp(t Timestamp) []byte {
	b := make([]byte, TimestampSize)
	binary.LittleEndian.PutUint64(b[0:], uint64(t.MonotonicNS))
	binary.LittleEndian.PutUint64(b[8:], uint64(t.RealtimeNS))
	return b
}

func DecodeTimestamp(b []byte) Timestamp {
	return Timestamp{
		MonotonicNS: int64(binary.LittleEndian.Uint64(b[0:])),
		RealtimeNS:  int64(binary.LittleEndian.Uint64(b[8:])),
	}
}

// Creds is the sender's credential snapshot at HELLO time (spec §3
// "creds"), mirroring struct kdbus_creds's uid/gid/pid/tid/starttime quad.
type Creds struct {
	UID       uint32
	GID       uint32
	PID       uint32
	TID       uint32
	AuditSID  uint64
	AuditLID  uint64
	StartTime uint64
}

// Creds itself is encoded only through msg.CredsItem's msgpack codec (the
// real KindSenderCreds augmentation item built in msg.Build); there is no
// second, raw little-endian encoding of it on any send/recv path.

// Caps is the capability quadruple (spec §3 "caps"): effective, permitted,
// inheritable, bounding sets, each a 64-bit mask.
const CapsSize = 32

type Caps struct {
	Effective, Permitted, Inheritable, Bounding uint64
}

func EncodeCaps(c Caps) []byte {
	b := make([]byte, CapsSize)
	binary.LittleEndian.PutUint64(b[0:], c.Effective)
	binary.LittleEndian.PutUint64(b[8:], c.Permitted)
	binary.LittleEndian.PutUint64(b[16:], c.Inheritable)
	binary.LittleEndian.PutUint64(b[24:], c.Bounding)
	return b
}

func DecodeCaps(b []byte) Caps {
	return Caps{
		Effective:   binary.LittleEndian.Uint64(b[0:]),
		Permitted:   binary.LittleEndian.Uint64(b[8:]),
		Inheritable: binary.LittleEndian.Uint64(b[16:]),
		Bounding:    binary.LittleEndian.Uint64(b[24:]),
	}
}

// NulString encodes a NUL-terminated string item (destination name, comm,
// exe, cgroup path, seclabel), 8-byte-padded by the caller via Item.size.
func EncodeNulString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// DecodeNulString trims the trailing NUL (and any alignment padding NULs
// after it).
func DecodeNulString(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

// Cmdline encodes argv as NUL-separated fields, matching /proc/pid/cmdline.
func EncodeCmdline(argv []string) []byte {
	var b []byte
	for _, a := range argv {
		b = append(b, a...)
		b = append(b, 0)
	}
	return b
}

func DecodeCmdline(b []byte) []string {
	var out []string
	start := 0
	for i, c := range b {
		if c == 0 {
			if i > start {
				out = append(out, string(b[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

// BloomFilter is an opaque, bus-width-sized bitmask (spec §3 "bloom
// filter"); Width is validated against Bus.BloomWidth by package msg.
type BloomFilter []byte

func (f BloomFilter) Has(bit int) bool { return f[bit/8]&(1<<(uint(bit)%8)) != 0 }

// Subset reports whether every bit set in mask is also set in f, the test
// behind Match Engine rule evaluation (spec §4.3 "the rule's mask bits
// must be a subset of the broadcast's bloom bits").
func (f BloomFilter) Subset(mask BloomFilter) bool {
	if len(mask) > len(f) {
		return false
	}
	for i := range mask {
		if mask[i]&^f[i] != 0 {
			return false
		}
	}
	return true
}

// DroppedCount is the receive-side dropped-broadcast counter surfaced on
// RECV (spec §4.7 "Also returns a dropped count").
const DroppedCountSize = 8

func EncodeDroppedCount(n uint64) []byte {
	b := make([]byte, DroppedCountSize)
	binary.LittleEndian.PutUint64(b, n)
	return b
}

func DecodeDroppedCount(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
