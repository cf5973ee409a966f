// Package handletab implements the Handle Table (spec §2, §5 "Handle
// accounting"): OS handles (file descriptors) attached to an in-flight
// message are borrowed from the sender, tracked here, and either
// reinstalled as a fresh descriptor in the receiver or released if no
// receiver claims them. Grounded on the teacher's style of wrapping a
// syscall primitive behind a small accounting struct (cmn/cos error
// helpers, debug.Assert invariants) with golang.org/x/sys/unix supplying
// the actual Dup/Close since the standard library has no fd-duplication
// primitive that preserves O_CLOEXEC semantics across processes the way
// unix.Dup3 does.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package handletab

import (
	"sync"

	"github.com/NVIDIA/kbus/cmn/bsterr"
	"github.com/NVIDIA/kbus/cmn/debug"
	"golang.org/x/sys/unix"
)

// Borrowed is one handle borrowed from a sender for the lifetime of a
// single in-flight message (spec §3 "Attached handles are kept borrowed
// by the sender until the message is either delivered ... or
// discarded").
type Borrowed struct {
	fd   int
	done bool
}

// Borrow duplicates fd (owned by the caller) into a new descriptor this
// table owns for the duration of delivery. The original fd is untouched
// and remains the sender's.
func Borrow(fd int) (*Borrowed, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, bsterr.Wrap(err, "borrow fd %d", fd)
	}
	return &Borrowed{fd: dup}, nil
}

// BorrowAll borrows every fd in fds, releasing everything already
// borrowed if any one of them fails -- spec §4.1 "on any subsequent
// failure every already-borrowed handle is released."
func BorrowAll(fds []int32) ([]*Borrowed, error) {
	out := make([]*Borrowed, 0, len(fds))
	for _, fd := range fds {
		b, err := Borrow(int(fd))
		if err != nil {
			ReleaseAll(out)
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Install reinstalls a borrowed handle into the receiver, i.e. hands over
// ownership of the duplicated descriptor. The receiver now owns the
// returned fd; the Borrowed record is consumed and must not be released
// again.
func (b *Borrowed) Install() int32 {
	debug.Assert(!b.done, "handle installed twice")
	b.done = true
	return int32(b.fd)
}

// Release closes the borrowed duplicate without transferring it,
// matching spec §3 "Handles inside are released iff no receiver claimed
// them."
func (b *Borrowed) Release() {
	if b.done {
		return
	}
	b.done = true
	_ = unix.Close(b.fd)
}

// ReleaseAll releases every not-yet-installed handle in bs, used on the
// unwind path of a failed delivery (spec §4.7 step 5). Spec §9 pins the
// unwind direction to last-borrowed-first (count-1 down to 0): each
// Release is independent here, so the order never changes the outcome,
// but we still walk it in reverse to match the pinned order exactly
// rather than rely on that independence.
func ReleaseAll(bs []*Borrowed) {
	for i := len(bs) - 1; i >= 0; i-- {
		bs[i].Release()
	}
}

// Table tracks outstanding borrows for one Connection, purely for
// accounting/debugging -- e.g. asserting at DISCONNECTING that nothing
// was leaked.
type Table struct {
	mu  sync.Mutex
	out map[*Borrowed]struct{}
}

func NewTable() *Table { return &Table{out: make(map[*Borrowed]struct{})} }

func (t *Table) Track(b *Borrowed) {
	t.mu.Lock()
	t.out[b] = struct{}{}
	t.mu.Unlock()
}

func (t *Table) Untrack(b *Borrowed) {
	t.mu.Lock()
	delete(t.out, b)
	t.mu.Unlock()
}

// DrainRelease releases every still-tracked (i.e. never installed)
// handle; called from Connection teardown.
func (t *Table) DrainRelease() {
	t.mu.Lock()
	bs := make([]*Borrowed, 0, len(t.out))
	for b := range t.out {
		bs = append(bs, b)
	}
	t.out = make(map[*Borrowed]struct{})
	t.mu.Unlock()
	ReleaseAll(bs)
}
