// CredsItem is the sender credential snapshot augmentation item (spec
// §4.1 "Augmentation" / §3 "creds"). It implements msgp.Marshaler and
// msgp.Unmarshaler by hand against github.com/tinylib/msgp's runtime
// support package rather than through msgp's code generator: the struct
// is small and stable enough that generated Marshal/Unmarshal methods
// would just be this file with more ceremony, and keeping them hand-
// written avoids carrying a go:generate step for one struct.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package msg

import (
	"github.com/tinylib/msgp/msgp"

	"github.com/NVIDIA/kbus/wire"
)

type CredsItem wire.Creds

const credsFieldCount = 7

// MarshalMsg appends the msgpack encoding of c to b.
func (c *CredsItem) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, credsFieldCount)
	b = msgp.AppendUint32(b, c.UID)
	b = msgp.AppendUint32(b, c.GID)
	b = msgp.AppendUint32(b, c.PID)
	b = msgp.AppendUint32(b, c.TID)
	b = msgp.AppendUint64(b, c.AuditSID)
	b = msgp.AppendUint64(b, c.AuditLID)
	b = msgp.AppendUint64(b, c.StartTime)
	return b, nil
}

// UnmarshalMsg decodes a CredsItem previously produced by MarshalMsg,
// returning the remaining bytes.
func (c *CredsItem) UnmarshalMsg(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return b, err
	}
	if n != credsFieldCount {
		return b, msgp.ArrayError{Wanted: credsFieldCount, Got: n}
	}
	if c.UID, b, err = msgp.ReadUint32Bytes(b); err != nil {
		return b, err
	}
	if c.GID, b, err = msgp.ReadUint32Bytes(b); err != nil {
		return b, err
	}
	if c.PID, b, err = msgp.ReadUint32Bytes(b); err != nil {
		return b, err
	}
	if c.TID, b, err = msgp.ReadUint32Bytes(b); err != nil {
		return b, err
	}
	if c.AuditSID, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if c.AuditLID, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if c.StartTime, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	return b, nil
}

// Msgsize returns a conservative upper bound on the encoded size, the
// convention msgp-generated types follow.
func (c *CredsItem) Msgsize() int {
	return msgp.ArrayHeaderSize + 4*msgp.Uint32Size + 3*msgp.Uint64Size
}
