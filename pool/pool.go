// Package pool implements the per-Connection Receive Pool (spec §4.5): a
// contiguous, page-sized-multiple region that the Dispatcher's receive
// path reserves offsets from and a consumer later releases by offset.
// Adapted from the teacher's memsys slab allocator (memsys.MMSA, its
// Init/TimeIval/FreeSpec idle-compaction idiom) but stripped down to a
// single fixed-size arena per connection -- this runtime never needs
// memsys's multi-slab-size ring buffers, since one connection's pool is
// sized once at HELLO and never grows.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/NVIDIA/kbus/cmn/bsterr"
	"github.com/NVIDIA/kbus/cmn/cos"
	"github.com/NVIDIA/kbus/cmn/debug"
	"github.com/NVIDIA/kbus/hk"
	"golang.org/x/sync/semaphore"
)

// extent is a live allocation: [off, off+size).
type extent struct {
	off, size int64
}

// Pool is one connection's receive memory: `reserve(size) -> offset` and
// `release(offset)`, per spec §4.5. The pool never moves live data -- a
// reserved offset stays valid until Release, satisfied here by never
// compacting or relocating a live extent, only coalescing free gaps.
type Pool struct {
	mu    sync.Mutex
	name  string
	cap   int64
	live  map[int64]int64 // offset -> size, for Release validation
	free  []extent        // sorted, coalesced free gaps
	sem   *semaphore.Weighted
	idle  time.Time // last time utilization dropped to zero
}

// New builds a Pool of the given byte capacity (rounded up to a page),
// matching the teacher's MMSA{Name, ...}.Init(0) construction idiom.
func New(name string, capacity int64) *Pool {
	capacity = cos.Align8(capacity)
	if !cos.IsAlignedPage(uint64(capacity)) {
		capacity = int64(cos.DivCeil(capacity, cos.PageSize)) * cos.PageSize
	}
	p := &Pool{
		name: name,
		cap:  capacity,
		live: make(map[int64]int64, 64),
		free: []extent{{off: 0, size: capacity}},
		sem:  semaphore.NewWeighted(capacity),
	}
	hk.Reg(name+".pool"+hk.NameSuffix, p.housekeep, time.Minute)
	return p
}

// Reserve blocks (ctx permitting) until `size` 8-byte-aligned bytes are
// free in total, then returns the offset of the first free gap that fits
// them. If no single gap is large enough it fails with `quota` rather than
// waiting. This is one of the suspension points named in spec §5 ("pool
// reservation when waiting for a receive ack").
func (p *Pool) Reserve(ctx context.Context, size int64) (int64, error) {
	size = cos.Align8(size)
	if size <= 0 {
		return 0, bsterr.Invalid("reserve size %d <= 0", size)
	}
	if size > p.cap {
		return 0, bsterr.TooBig("reserve size %d exceeds pool capacity %d", size, p.cap)
	}
	if err := p.sem.Acquire(ctx, size); err != nil {
		return 0, bsterr.Wrap(err, "pool %s: reserve(%d)", p.name, size)
	}

	p.mu.Lock()
	off, ok := p.takeFirstFit(size)
	p.mu.Unlock()
	if !ok {
		// fragmentation: enough total free bytes but no single-fit gap.
		p.sem.Release(size)
		return 0, bsterr.Quota("pool %s: fragmented, no %d-byte contiguous gap", p.name, size)
	}
	return off, nil
}

func (p *Pool) takeFirstFit(size int64) (int64, bool) {
	for i, ext := range p.free {
		if ext.size < size {
			continue
		}
		off := ext.off
		if ext.size == size {
			p.free = append(p.free[:i], p.free[i+1:]...)
		} else {
			p.free[i] = extent{off: ext.off + size, size: ext.size - size}
		}
		p.live[off] = size
		return off, true
	}
	return 0, false
}

// Release returns a previously reserved offset to the pool. Per spec
// §4.5, an offset never returned by Reserve fails with `invalid`.
func (p *Pool) Release(offset int64) error {
	p.mu.Lock()
	size, ok := p.live[offset]
	if !ok {
		p.mu.Unlock()
		return bsterr.Invalid("pool %s: offset %d was never reserved (or already released)", p.name, offset)
	}
	delete(p.live, offset)
	p.insertFree(extent{off: offset, size: size})
	empty := len(p.live) == 0
	if empty {
		p.idle = timeNow()
	}
	p.mu.Unlock()

	p.sem.Release(size)
	return nil
}

// insertFree inserts ext into the sorted free list and coalesces it with
// adjacent gaps. Must be called with p.mu held.
func (p *Pool) insertFree(ext extent) {
	i := sort.Search(len(p.free), func(i int) bool { return p.free[i].off >= ext.off })
	p.free = append(p.free, extent{})
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = ext

	// merge with next
	if i+1 < len(p.free) && p.free[i].off+p.free[i].size == p.free[i+1].off {
		p.free[i].size += p.free[i+1].size
		p.free = append(p.free[:i+1], p.free[i+2:]...)
	}
	// merge with prev
	if i > 0 && p.free[i-1].off+p.free[i-1].size == p.free[i].off {
		p.free[i-1].size += p.free[i].size
		p.free = append(p.free[:i], p.free[i+1:]...)
	}
}

// Utilization returns bytes currently live out of total capacity, for the
// stats.Tracker gauge.
func (p *Pool) Utilization() (used, capacity int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, size := range p.live {
		used += size
	}
	return used, p.cap
}

// housekeep is registered with hk at construction; it currently just
// asserts free-list integrity under debug builds. A fully idle pool needs
// no compaction since gaps are already coalesced on every Release.
func (p *Pool) housekeep() time.Duration {
	p.mu.Lock()
	debug.Func(func() {
		var sum int64
		for _, e := range p.free {
			sum += e.size
		}
		for _, s := range p.live {
			sum += s
		}
		debug.Assert(sum == p.cap, "pool accounting drift")
	})
	p.mu.Unlock()
	return time.Minute
}

// Close unregisters the pool's housekeeping job; called from the owning
// Connection's teardown path.
func (p *Pool) Close() { hk.Unreg(p.name + ".pool" + hk.NameSuffix) }

var timeNow = func() time.Time { return time.Now() }
