// Package match implements the per-Connection Match Engine (spec §4.3): a
// rule database of conjunctive predicates over a broadcast message, plus
// the bloom-filter subset test that is the expensive part of evaluating
// them. A connection accepts a broadcast iff some rule matches, or iff it
// is a monitor.
//
// The bloom subset test itself (wire.BloomFilter.Subset) is O(bus bloom
// width) per rule; fan-out to N subscribed connections each holding M
// rules makes that O(N*M) per broadcast. In front of it we keep a small
// github.com/seiflotfy/cuckoofilter membership cache keyed by an
// github.com/OneOfOne/xxhash digest of the broadcast's matching
// signature, so a burst of broadcasts that are identical in the fields
// the rules test (repeated heartbeats, repeated status pings) short-
// circuits without rescanning the rule list. This mirrors the teacher's
// own habit of putting a cheap probabilistic gate in front of an
// expensive exact one (see cmn/prob's bloom-filter-backed dedup, whose
// in-pack sibling cuckoofilter was adopted here as the same kind of front
// gate).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package match

import (
	"encoding/binary"
	"sync"

	"github.com/NVIDIA/kbus/cmn/bsterr"
	"github.com/NVIDIA/kbus/wire"

	"github.com/OneOfOne/xxhash"
	cuckoo "github.com/seiflotfy/cuckoofilter"
)

// Rule is one entry of a connection's subscription database (spec §4.3).
// Zero-value fields mean "don't care" for that predicate.
type Rule struct {
	Cookie      uint64
	SenderID    *uint64  // match only broadcasts from this source id
	SenderNames []string // match if sender owns any of these names
	DestName    string   // match if addressed (by name) to this name
	PayloadType *uint32
	Mask        wire.BloomFilter // rule's mask bits must be a subset of the broadcast's bloom bits
}

// Broadcast is the subset of a broadcast message's fields the engine
// evaluates rules against.
type Broadcast struct {
	SenderID    uint64
	SenderNames []string
	DestName    string
	PayloadType uint32
	Bloom       wire.BloomFilter
}

const frontGateCapacity = 4096

// Engine is one connection's match_db (spec §3 "match_db").
type Engine struct {
	mu       sync.RWMutex
	monitor  bool
	rules    []Rule
	byCookie map[uint64]int
	front    *cuckoo.Filter
}

func New(monitor bool) *Engine {
	return &Engine{
		monitor:  monitor,
		byCookie: make(map[uint64]int, 8),
		front:    cuckoo.NewFilter(frontGateCapacity),
	}
}

// Add installs rule, identified by its cookie. If replace is set, any
// prior rule with the same cookie is removed first (spec §4.3 "REPLACE
// flag removes any prior rule with the same cookie before insertion").
func (e *Engine) Add(rule Rule, replace bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if replace {
		e.removeLocked(rule.Cookie)
	} else if _, ok := e.byCookie[rule.Cookie]; ok {
		return bsterr.Invalid("match rule cookie %d already registered", rule.Cookie)
	}
	e.byCookie[rule.Cookie] = len(e.rules)
	e.rules = append(e.rules, rule)
	// adding a rule only ever widens what the engine accepts, so a cached
	// front-gate positive (computed against the narrower rule set) is
	// still a valid positive: nothing to invalidate here.
	return nil
}

func (e *Engine) Remove(cookie uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.byCookie[cookie]; !ok {
		return bsterr.Invalid("match rule cookie %d not found", cookie)
	}
	e.removeLocked(cookie)
	// removing a rule can only narrow what the engine accepts, so any
	// front-gate positive cached while the removed rule was still present
	// may now be stale. The gate has no way to evict just the signatures
	// that rule produced, so drop the whole cache and let it refill from
	// the (now-smaller) rule set.
	e.front.Reset()
	return nil
}

func (e *Engine) removeLocked(cookie uint64) {
	idx, ok := e.byCookie[cookie]
	if !ok {
		return
	}
	last := len(e.rules) - 1
	e.rules[idx] = e.rules[last]
	e.rules = e.rules[:last]
	delete(e.byCookie, cookie)
	if idx != last {
		e.byCookie[e.rules[idx].Cookie] = idx
	}
}

// Matches reports whether b should be delivered to this connection,
// spec §4.3 "A connection accepts a broadcast iff some rule matches."
func (e *Engine) Matches(b Broadcast) bool {
	if e.monitor {
		return true
	}
	sig := signature(b)
	if e.front.Lookup(sig) {
		return true
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if ruleMatches(r, b) {
			e.front.InsertUnique(sig)
			return true
		}
	}
	return false
}

func ruleMatches(r Rule, b Broadcast) bool {
	if r.SenderID != nil && *r.SenderID != b.SenderID {
		return false
	}
	if len(r.SenderNames) > 0 && !anyNameIn(r.SenderNames, b.SenderNames) {
		return false
	}
	if r.DestName != "" && r.DestName != b.DestName {
		return false
	}
	if r.PayloadType != nil && *r.PayloadType != b.PayloadType {
		return false
	}
	if len(r.Mask) > 0 && !b.Bloom.Subset(r.Mask) {
		return false
	}
	return true
}

func anyNameIn(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

// signature hashes the fields rules test over into an 8-byte xxhash
// digest, the key used by the cuckoo front gate.
func signature(b Broadcast) []byte {
	h := xxhash.New64()
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], b.SenderID)
	_, _ = h.Write(tmp[:])
	binary.LittleEndian.PutUint32(tmp[:4], b.PayloadType)
	_, _ = h.Write(tmp[:4])
	_, _ = h.Write([]byte(b.DestName))
	for _, n := range b.SenderNames {
		_, _ = h.Write([]byte(n))
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write(b.Bloom)
	sum := h.Sum64()
	binary.LittleEndian.PutUint64(tmp[:], sum)
	out := make([]byte, 8)
	copy(out, tmp[:])
	return out
}
