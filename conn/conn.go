// Package conn implements the per-peer Connection state machine (spec
// §4.8): NEW -> ACTIVE -> DISCONNECTING -> DEAD, its receive queue,
// quotas, owned names, match database, and the acquire/release
// discipline that protects it from use-after-teardown. Grounded on the
// teacher's xact lifecycle bookkeeping (reference-counted, state-tagged,
// torn down through a single funnel) translated from "xaction" to "bus
// peer".
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package conn

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/kbus/cmn/bsterr"
	"github.com/NVIDIA/kbus/cmn/cos"
	"github.com/NVIDIA/kbus/handletab"
	"github.com/NVIDIA/kbus/match"
	"github.com/NVIDIA/kbus/msg"
	"github.com/NVIDIA/kbus/pool"
	"github.com/NVIDIA/kbus/wire"
)

type State int32

const (
	StateNew State = iota
	StateActive
	StateDisconnecting
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "dead"
	}
}

// Role is a tagged variant, not a subclass (spec §9 "Inheritance /
// dispatch"): role-gated operations check the tag explicitly rather than
// dispatching through an interface hierarchy.
type Role int

const (
	RoleOrdinary Role = iota
	RoleActivator
	RolePolicyHolder
	RoleMonitor
)

// HelloFlags record the capabilities requested at HELLO (spec §3
// "Connection" flags).
type HelloFlags struct {
	AcceptHandles bool
	Activator     bool
	PolicyHolder  bool
	Monitor       bool
	AttachMask    msg.DestAttach
}

// QueuedMsg is one entry of a Connection's receive queue: a built,
// destination-augmented message plus the deadline (if any) under which it
// must be consumed. It holds no reference to the source connection that
// charged its quota.
type QueuedMsg struct {
	Built    *msg.Built
	Deadline time.Time // zero == no deadline
	elem     *list.Element
}

// Quotas are the resource ceilings of spec §3 Connection "quotas".
type Quotas struct {
	MaxQueuedMsgs  int
	MaxOutstanding int64
}

// Connection is one peer attached to an Endpoint (spec §3 "Connection").
type Connection struct {
	ID    uint64
	Role  Role
	Flags HelloFlags
	Creds wire.Creds
	Comm  string

	Pool    *pool.Pool
	MatchDB *match.Engine
	Handles *handletab.Table

	state   atomic.Int32
	refs    atomic.Int32
	drained chan struct{} // closed when refs reaches 0 while DISCONNECTING/DEAD

	quotas    Quotas
	outstanding atomic.Int64

	qmu     sync.Mutex
	qcond   *sync.Cond
	queue   list.List // of *QueuedMsg
	dropped uint64    // accumulated since last RECV, spec §4.7 "dropped count"

	names   map[string]struct{}
	namesMu sync.Mutex

	syncMu sync.Mutex
	sync   map[uint64]*syncSlot // reply cookie -> pending slot, spec §4.6 step 4
}

// syncSlot is a pending synchronous-reply registration.
type syncSlot struct {
	src, dst uint64
	cookie   uint64
	deadline time.Time
	ch       chan SyncResult
}

// SyncResult is the outcome of a pending synchronous reply: either the
// reply message, or an error (typically `timed-out` or `disconnected`).
type SyncResult struct {
	Reply *msg.Built
	Err   error
}

// New creates a Connection in state NEW, per spec §4.8 "created by
// HELLO; assigned id and pool".
func New(id uint64, role Role, flags HelloFlags, creds wire.Creds, poolSize int64, quotas Quotas) *Connection {
	c := &Connection{
		ID:      id,
		Role:    role,
		Flags:   flags,
		Creds:   creds,
		Pool:    pool.New(poolNameOf(id), poolSize),
		MatchDB: match.New(role == RoleMonitor),
		Handles: handletab.NewTable(),
		quotas:  quotas,
		names:   make(map[string]struct{}, 4),
		sync:    make(map[uint64]*syncSlot, 4),
		drained: make(chan struct{}),
	}
	c.qcond = sync.NewCond(&c.qmu)
	c.state.Store(int32(StateNew))
	return c
}

func poolNameOf(id uint64) string {
	return "conn-" + cos.GenTie() + "-" + itoa(id)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Activate transitions NEW -> ACTIVE (spec §4.8), called once policy
// rules from HELLO (for activator/policy-holder roles) are installed.
func (c *Connection) Activate() error {
	if !c.state.CompareAndSwap(int32(StateNew), int32(StateActive)) {
		return bsterr.WrongState("connection %d: expected NEW", c.ID)
	}
	return nil
}

func (c *Connection) State() State { return State(c.state.Load()) }

// Acquire must be called by every operation that might block on or read
// from the connection; it fails if the connection is not ACTIVE (spec
// §4.8 "Acquire/release discipline"). BYEBYE must not call Acquire (see
// Disconnect).
func (c *Connection) Acquire() error {
	if c.State() != StateActive {
		return bsterr.Disconnected("connection %d is %s", c.ID, c.State())
	}
	c.refs.Add(1)
	// re-check after incrementing: a concurrent Disconnect may have
	// flipped the state and already finished draining.
	if c.State() != StateActive {
		c.Release()
		return bsterr.Disconnected("connection %d is %s", c.ID, c.State())
	}
	return nil
}

func (c *Connection) Release() {
	if c.refs.Add(-1) == 0 && c.State() != StateActive {
		select {
		case <-c.drained:
		default:
			close(c.drained)
		}
	}
}

// Disconnect drives DISCONNECTING -> DEAD (spec §4.8). It deliberately
// does not call Acquire itself, to avoid deadlocking while waiting for
// outstanding acquires (e.g. a blocked RECV) to drain.
func (c *Connection) Disconnect(registry NameReleaser, reason error) {
	if !c.state.CompareAndSwap(int32(StateActive), int32(StateDisconnecting)) &&
		!c.state.CompareAndSwap(int32(StateNew), int32(StateDisconnecting)) {
		return // already disconnecting/dead
	}
	if c.refs.Load() == 0 {
		select {
		case <-c.drained:
		default:
			close(c.drained)
		}
	}
	<-c.drained

	registry.Teardown(c.ID)

	c.qmu.Lock()
	for e := c.queue.Front(); e != nil; e = e.Next() {
		qm := e.Value.(*QueuedMsg)
		qm.Built.Release(noopQuota{})
	}
	c.queue.Init()
	c.qcond.Broadcast()
	c.qmu.Unlock()

	c.syncMu.Lock()
	for _, s := range c.sync {
		select {
		case s.ch <- SyncResult{Err: reason}:
		default:
		}
	}
	c.sync = nil
	c.syncMu.Unlock()

	c.Handles.DrainRelease()
	c.Pool.Close()
	c.state.Store(int32(StateDead))
}

// NameReleaser is the subset of registry.Registry Disconnect needs,
// avoiding a direct import cycle between conn and registry.
type NameReleaser interface {
	Teardown(connID uint64)
}

type noopQuota struct{}

func (noopQuota) Reserve(int64) error { return nil }
func (noopQuota) Unreserve(int64)     {}

// ---- quota account (implements msg.QuotaAccount) ----

func (c *Connection) Reserve(n int64) error {
	if c.outstanding.Add(n) > c.quotas.MaxOutstanding {
		c.outstanding.Add(-n)
		return bsterr.Quota("connection %d: outstanding bytes would exceed %d", c.ID, c.quotas.MaxOutstanding)
	}
	return nil
}

func (c *Connection) Unreserve(n int64) { c.outstanding.Add(-n) }

// ---- names ----

func (c *Connection) AddName(name string) {
	c.namesMu.Lock()
	c.names[name] = struct{}{}
	c.namesMu.Unlock()
}

func (c *Connection) RemoveName(name string) {
	c.namesMu.Lock()
	delete(c.names, name)
	c.namesMu.Unlock()
}

func (c *Connection) Names() []string {
	c.namesMu.Lock()
	defer c.namesMu.Unlock()
	out := make([]string, 0, len(c.names))
	for n := range c.names {
		out = append(out, n)
	}
	return out
}

// ---- queue ----

// Enqueue appends built to the receive queue, subject to the per-
// connection message cap (spec §4.6 step 7 "queue-full"). deadline is
// zero for messages with no expiry.
func (c *Connection) Enqueue(built *msg.Built, deadline time.Time) error {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if c.State() != StateActive {
		return bsterr.Disconnected("connection %d is %s", c.ID, c.State())
	}
	// monitor connections are a diagnostic tap, not a regular peer: exempt
	// them from the queue-depth cap the way kdbus exempts KDBUS_HELLO_MONITOR
	// handles, since dropping their events defeats the point of monitoring.
	if c.Role != RoleMonitor && c.queue.Len() >= c.quotas.MaxQueuedMsgs {
		return bsterr.QueueFull("connection %d: queue at cap %d", c.ID, c.quotas.MaxQueuedMsgs)
	}
	qm := &QueuedMsg{Built: built, Deadline: deadline}
	qm.elem = c.queue.PushBack(qm)
	c.qcond.Signal()
	return nil
}

// MarkDropped increments the dropped-broadcast counter without
// attempting delivery (spec §4.6 step 6 "marked dropped++").
func (c *Connection) MarkDropped() {
	c.qmu.Lock()
	c.dropped++
	c.qmu.Unlock()
}

// RecvMode selects how Dequeue picks and disposes of the head (spec
// §4.7).
type RecvMode int

const (
	RecvNormal RecvMode = iota
	RecvPeek
	RecvDrop
)

// Dequeue implements Dispatcher-Receive step 1-2 (spec §4.7): with
// block=false, returns `would-block` immediately on an empty queue; with
// block=true it waits (cancellable via ctx, which returns `disconnected`
// once Disconnect fires) for a message to arrive.
func (c *Connection) Dequeue(ctx context.Context, mode RecvMode, block bool) (*QueuedMsg, uint64, error) {
	c.qmu.Lock()
	defer c.qmu.Unlock()

	for c.queue.Len() == 0 {
		if c.State() != StateActive {
			return nil, 0, bsterr.Disconnected("connection %d is %s", c.ID, c.State())
		}
		if !block {
			return nil, 0, bsterr.WouldBlock("connection %d: queue empty", c.ID)
		}
		if !c.waitLocked(ctx) {
			return nil, 0, bsterr.Disconnected("connection %d: recv canceled", c.ID)
		}
	}

	dropped := c.dropped
	c.dropped = 0

	front := c.queue.Front()
	qm := front.Value.(*QueuedMsg)
	switch mode {
	case RecvPeek:
		return qm, dropped, nil
	case RecvNormal, RecvDrop:
		c.queue.Remove(front)
		return qm, dropped, nil
	}
	return qm, dropped, nil
}

// waitLocked blocks on qcond until signaled, canceled, or ctx is done. It
// must be called with c.qmu held and returns with it re-acquired.
func (c *Connection) waitLocked(ctx context.Context) bool {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		c.qmu.Lock()
		close(done)
		c.qcond.Broadcast()
		c.qmu.Unlock()
	})
	defer stop()

	woke := make(chan struct{})
	go func() {
		c.qcond.Wait()
		close(woke)
	}()
	// c.qcond.Wait() above already released and will re-acquire qmu; we
	// must not also unlock here. Block until either path fires.
	select {
	case <-woke:
	case <-done:
		// the cancel callback's Broadcast wakes the waiter; wait for it to
		// re-acquire qmu before returning.
		<-woke
	}
	select {
	case <-ctx.Done():
		return false
	default:
		return c.State() == StateActive || c.queue.Len() > 0
	}
}

// DroppedCount returns and clears the broadcast drop counter (spec §4.7
// "cleared on read").
func (c *Connection) DroppedCount() uint64 {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	d := c.dropped
	c.dropped = 0
	return d
}

// ---- sync-reply tracking (spec §4.6 step 4) ----

// RegisterSyncReply installs a pending reply slot for (src=c, dst, cookie)
// with the given deadline and returns a channel the caller blocks on.
func (c *Connection) RegisterSyncReply(dst, cookie uint64, deadline time.Time) <-chan SyncResult {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	s := &syncSlot{src: c.ID, dst: dst, cookie: cookie, deadline: deadline, ch: make(chan SyncResult, 1)}
	c.sync[cookie] = s
	return s.ch
}

// TryDeliverReply completes the pending sync-reply slot registered under
// cookie, bypassing the normal queue (spec §4.6 step 4 "wake the sync
// waiter instead of being queued"). Returns true if a waiter was woken.
// It matches on cookie alone; the Dispatcher checks the reply's sender
// against the slot with HasPendingReplyFrom before calling it.
func (c *Connection) TryDeliverReply(cookie uint64, reply *msg.Built) bool {
	c.syncMu.Lock()
	s, ok := c.sync[cookie]
	if ok {
		delete(c.sync, cookie)
	}
	c.syncMu.Unlock()
	if !ok {
		return false
	}
	s.ch <- SyncResult{Reply: reply}
	return true
}

// HasPendingReplyFrom reports whether c is waiting, under this exact
// cookie, on a sync reply expected from srcID -- the Policy Gate bypass
// of spec §4.4 "if the destination is waiting for a reply from this
// source... the gate is bypassed for the reply." The bypass is scoped to
// the one pending slot the cookie identifies, not to the (src, dst) pair
// in general: an unrelated message the same peer happens to send under a
// different cookie must still clear the gate normally.
func (c *Connection) HasPendingReplyFrom(srcID, cookie uint64) bool {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	s, ok := c.sync[cookie]
	return ok && s.dst == srcID
}

// ExpireSyncReply is invoked by the Dispatcher's deadline scan (spec
// §4.6 step 8): it completes cookie with `timed-out` and enqueues a
// `reply-dead` event for the caller.
func (c *Connection) ExpireSyncReply(cookie uint64) {
	c.syncMu.Lock()
	s, ok := c.sync[cookie]
	if ok {
		delete(c.sync, cookie)
	}
	c.syncMu.Unlock()
	if !ok {
		return
	}
	s.ch <- SyncResult{Err: bsterr.TimedOut("sync reply cookie %d expired", cookie)}

	event := &msg.Built{
		Header: wire.Header{Cookie: cookie, SrcID: s.dst, DstID: s.src},
		Items:  []wire.Item{{Kind: wire.KindReplyDeadEvent, Payload: wire.EncodeDroppedCount(cookie)}},
	}
	_ = c.Enqueue(event, time.Time{})
}

// NegotiateFlags implements the HELLO/CONN_UPDATE return_flags pattern
// (spec §6 "Each command has... flags field (negotiated -- caller's
// unknown bits cleared in a returned return_flags)"): bits in requested
// that are not present in supported are cleared, and the cleared result
// is handed back to the caller so it can detect which capabilities the
// core actually granted.
func NegotiateFlags(requested, supported uint64) (granted uint64, returnFlags uint64) {
	granted = requested & supported
	returnFlags = requested & supported
	return
}
