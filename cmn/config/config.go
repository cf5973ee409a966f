// Package config holds the bus-wide tunables referenced throughout §4 of
// the design (max message size, item/handle/vec limits, per-connection
// queue cap, pool sizing). Mirrors the teacher's cmn.Config / GCO pattern:
// a struct loaded once and swapped in atomically, read through a
// package-level accessor so hot send/recv paths never take a lock to read
// a tunable.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"github.com/NVIDIA/kbus/cmn/cos"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

type Config struct {
	// Message Builder limits (spec §4.1 "Validation pass")
	MaxMessageSize int64 // header-size <= total <= this
	MaxItems       int
	MaxHandles     int
	MaxPayloadVecs int
	MaxPayloadSize int64 // aggregate of external payload descriptors
	InlineThreshold int64 // "materialized vec" decision, spec §9 pinned rule

	// Bus-wide
	BloomWidth int // bytes, multiple of 8 (spec §3 "Bus")

	// Connection quotas (spec §3 "quotas")
	MaxQueuedMsgs   int
	MaxOutstanding  int64 // bytes
	PoolSize        int64 // page-sized multiple (spec §3 "pool")

	// Dispatcher (spec §4.6)
	DefaultSendTimeout int64 // nanoseconds; 0 == no timeout
}

func Default() *Config {
	return &Config{
		MaxMessageSize:  8 * cos.MiB,
		MaxItems:        512,
		MaxHandles:      253,
		MaxPayloadVecs:  32,
		MaxPayloadSize:  8 * cos.MiB,
		InlineThreshold: 2 * cos.KiB,
		BloomWidth:      64,
		MaxQueuedMsgs:   256,
		MaxOutstanding:  16 * cos.MiB,
		PoolSize:        4 * cos.MiB,
	}
}

// ToJSON serializes c the way the teacher persists cmn.Config: through
// jsoniter's standard-library-compatible codec rather than encoding/json,
// so config round-trips share the same fast path stats/registry use for
// their own JSON-shaped values.
func (c *Config) ToJSON() ([]byte, error) {
	return jsonAPI.Marshal(c)
}

// LoadJSON returns a new Config that starts from Default() and has the
// fields present in buf decoded over it, for loading a bus config from a
// file at startup (out of core scope; cmd/busctl uses Default() and does
// not call this).
func LoadJSON(buf []byte) (*Config, error) {
	c := Default()
	if err := jsonAPI.Unmarshal(buf, c); err != nil {
		return nil, err
	}
	return c, nil
}

var global atomic.Pointer[Config]

// Init installs c as the process-wide config; called once at bus
// construction (out of core scope).
func Init(c *Config) { global.Store(c) }

// Get returns the current config, defaulting lazily so unit tests that
// never call Init still see sane limits.
func Get() *Config {
	c := global.Load()
	if c == nil {
		c = Default()
		global.CompareAndSwap(nil, c)
		c = global.Load()
	}
	return c
}
