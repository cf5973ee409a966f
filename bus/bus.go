// Package bus wires together the Name Registry, Match Engine, Policy
// Gate, Message Builder, and Connection state machines into the
// Dispatcher send/receive paths of spec §4.6-§4.7. Grounded on the
// teacher's transport package for the shape of a send/receive pump
// (sendLoop driving a work channel, a stats-tracked completion path) and
// on xact/xreg for the registry-plus-hk wiring idiom, but the actual send
// and receive logic here is the bus' own: resolve destination, gate,
// augment, enqueue/fan-out, timeout.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/NVIDIA/kbus/cmn/bsterr"
	"github.com/NVIDIA/kbus/cmn/config"
	"github.com/NVIDIA/kbus/cmn/cos"
	"github.com/NVIDIA/kbus/cmn/nlog"
	"github.com/NVIDIA/kbus/conn"
	"github.com/NVIDIA/kbus/handletab"
	"github.com/NVIDIA/kbus/hk"
	"github.com/NVIDIA/kbus/match"
	"github.com/NVIDIA/kbus/msg"
	"github.com/NVIDIA/kbus/policy"
	"github.com/NVIDIA/kbus/registry"
	"github.com/NVIDIA/kbus/stats"
	"github.com/NVIDIA/kbus/wire"

	"github.com/prometheus/client_golang/prometheus"
)

// Bus is a named container owning a Name Registry, a set of Endpoints,
// and a monotonically increasing connection-id counter (spec §3 "Bus").
type Bus struct {
	Name       string
	BloomWidth int
	Config     *config.Config
	Stats      *stats.Tracker

	Registry *registry.Registry

	mu       sync.RWMutex
	nextID   uint64
	conns    map[uint64]*conn.Connection
	endpoints map[string]*Endpoint

	creatorUID, creatorGID uint32
}

// Endpoint is a gate on a Bus (spec §3 "Endpoint"): default (inherits bus
// policy) or custom (has its own Policy Gate; creation requires
// privilege).
type Endpoint struct {
	Name     string
	Custom   bool
	Policy   *policy.Gate
	bus      *Bus
	mu       sync.RWMutex
	connsSet map[uint64]struct{}
}

// New builds a Bus with its own in-memory Name Registry and prometheus
// stats registry, starting connection ids at wire.FirstValidID (spec §6
// "First valid connection id is implementation-defined and stable per
// bus").
func New(name string, creatorUID, creatorGID uint32, cfg *config.Config) (*Bus, error) {
	if cfg == nil {
		cfg = config.Get()
	}
	b := &Bus{
		Name:       name,
		BloomWidth: cfg.BloomWidth,
		Config:     cfg,
		Stats:      stats.NewTracker(prometheus.NewRegistry(), "kbus"),
		nextID:     wire.FirstValidID,
		conns:      make(map[uint64]*conn.Connection, 64),
		endpoints:  make(map[string]*Endpoint, 4),
		creatorUID: creatorUID,
		creatorGID: creatorGID,
	}
	reg, err := registry.New(&eventSink{b}, b.isActivator)
	if err != nil {
		return nil, err
	}
	b.Registry = reg
	b.endpoints["default"] = &Endpoint{Name: "default", bus: b, Policy: policy.New(), connsSet: make(map[uint64]struct{})}
	return b, nil
}

// CreatorInfo answers BUS_CREATOR_INFO (spec §6, supplemented from
// original_source/: kdbus' KDBUS_CMD_BUS_CREATOR_INFO reports the uid/gid
// of whoever made the bus).
func (b *Bus) CreatorInfo() (uid, gid uint32) { return b.creatorUID, b.creatorGID }

// NewEndpoint creates a custom Endpoint (spec §6 ENDPOINT_MAKE: "requires
// privilege", enforced by the caller before invoking this).
func (b *Bus) NewEndpoint(name string) (*Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.endpoints[name]; ok {
		return nil, bsterr.Invalid("endpoint %q already exists", name)
	}
	ep := &Endpoint{Name: name, Custom: true, bus: b, Policy: policy.New(), connsSet: make(map[uint64]struct{})}
	b.endpoints[name] = ep
	return ep, nil
}

func (b *Bus) DefaultEndpoint() *Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.endpoints["default"]
}

// Hello creates a new Connection attached to ep, transitioning it to
// ACTIVE (spec §4.8 "NEW"). The caller has already parsed HELLO's item
// list into flags/role/creds.
func (ep *Endpoint) Hello(role conn.Role, flags conn.HelloFlags, creds wire.Creds, quotas conn.Quotas) (*conn.Connection, error) {
	b := ep.bus
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.mu.Unlock()

	c := conn.New(id, role, flags, creds, b.Config.PoolSize, quotas)
	if err := c.Activate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.conns[id] = c
	b.mu.Unlock()

	ep.mu.Lock()
	ep.connsSet[id] = struct{}{}
	ep.mu.Unlock()

	b.Stats.ConnsActive.Inc()
	return c, nil
}

// Byebye disconnects c (spec §6 BYEBYE / §4.8 DISCONNECTING -> DEAD).
func (b *Bus) Byebye(c *conn.Connection) {
	c.Disconnect(b.Registry, bsterr.Disconnected("peer disconnected"))

	b.mu.Lock()
	delete(b.conns, c.ID)
	b.mu.Unlock()
	for _, ep := range b.endpointsSnapshot() {
		ep.mu.Lock()
		delete(ep.connsSet, c.ID)
		ep.mu.Unlock()
	}
	b.Stats.ConnsActive.Dec()
}

func (b *Bus) endpointsSnapshot() []*Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Endpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		out = append(out, ep)
	}
	return out
}

func (b *Bus) connByID(id uint64) (*conn.Connection, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.conns[id]
	return c, ok
}

func (b *Bus) isActivator(connID uint64) bool {
	c, ok := b.connByID(connID)
	return ok && c.Role == conn.RoleActivator
}

// eventSink implements registry.Sink, translating name transitions into
// synthetic queue entries (spec §4.2).
type eventSink struct{ b *Bus }

func (s *eventSink) NameLost(name string, formerOwner uint64) {
	s.b.deliverEvent(formerOwner, wire.KindNameLostEvent, name)
}

func (s *eventSink) NameAcquired(name string, newOwner uint64) {
	s.b.deliverEvent(newOwner, wire.KindNameAcquiredEvent, name)
}

func (s *eventSink) ActivatorRespawn(name string, formerOwner uint64) {
	// a distinct signal from plain name-lost, so a service manager
	// watching this connection can tell "someone replaced me" from "I
	// should restart".
	s.b.deliverEvent(formerOwner, wire.KindActivatorRespawnEvent, name)
}

func (b *Bus) deliverEvent(connID uint64, kind wire.ItemKind, name string) {
	c, ok := b.connByID(connID)
	if !ok {
		return
	}
	built := &msg.Built{
		Header: wire.Header{DstID: connID},
		Items:  []wire.Item{{Kind: kind, Payload: wire.EncodeNulString(name)}},
	}
	_ = c.Enqueue(built, time.Time{})
}

// ---- Dispatcher: send (spec §4.6) ----

type SendOpts struct {
	SyncReply bool
	Timeout   time.Duration // zero == no deadline
}

// Send implements the Dispatcher send path. hdr/items have already
// passed through msg.Build (so hdr.SrcID, augmentation items, etc. are
// set); Send resolves the destination, applies the Policy Gate, performs
// per-destination augmentation, and enqueues or fans out.
func (ep *Endpoint) Send(ctx context.Context, src *conn.Connection, built *msg.Built, opts SendOpts) (<-chan conn.SyncResult, error) {
	if built.Header.IsBroadcast() {
		if opts.Timeout != 0 {
			built.Release(src)
			return nil, bsterr.Invalid("broadcasts must not have a timeout")
		}
		return nil, ep.sendBroadcast(src, built)
	}
	return ep.sendUnicast(ctx, src, built, opts)
}

func (ep *Endpoint) resolveDest(built *msg.Built) (*conn.Connection, error) {
	b := ep.bus
	if built.Header.DstID == wire.DstWellKnownName {
		ownerID, ok := b.Registry.Lookup(built.DestName)
		if !ok {
			return nil, bsterr.NoRoute("no owner for name %q", built.DestName)
		}
		dst, ok := b.connByID(ownerID)
		if !ok {
			return nil, bsterr.NoRoute("owner of %q is gone", built.DestName)
		}
		if dst.Role == conn.RoleActivator && built.Header.NoAutoStart() {
			return nil, bsterr.NotAvailable("activator %q unavailable under no-auto-start", built.DestName)
		}
		return dst, nil
	}
	dst, ok := b.connByID(built.Header.DstID)
	if !ok {
		return nil, bsterr.NoRoute("no connection with id %d", built.Header.DstID)
	}
	return dst, nil
}

func (ep *Endpoint) sendUnicast(ctx context.Context, src *conn.Connection, built *msg.Built, opts SendOpts) (<-chan conn.SyncResult, error) {
	b := ep.bus
	dst, err := ep.resolveDest(built)
	if err != nil {
		built.Release(src)
		return nil, err
	}
	if err := dst.Acquire(); err != nil {
		built.Release(src)
		return nil, err
	}
	defer dst.Release()

	bypassPolicy := built.Header.ReplyCookie != 0 && dst.HasPendingReplyFrom(src.ID, built.Header.ReplyCookie)
	if !bypassPolicy {
		if err := ep.Policy.Allow(
			policy.Subject{UID: src.Creds.UID, Names: src.Names()},
			policy.Subject{UID: dst.Creds.UID, Names: dst.Names()},
		); err != nil {
			built.Release(src)
			return nil, err
		}
	}

	var deadline time.Time
	if opts.Timeout != 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	if bypassPolicy && dst.TryDeliverReply(built.Header.ReplyCookie, built) {
		b.Stats.MsgsDelivered.Inc()
		return nil, nil
	}

	var replyCh <-chan conn.SyncResult
	if opts.SyncReply {
		replyCh = src.RegisterSyncReply(dst.ID, built.Header.Cookie, deadline)
		if opts.Timeout != 0 {
			hk.Reg(syncTimeoutJobName(src.ID, built.Header.Cookie), func() time.Duration {
				src.ExpireSyncReply(built.Header.Cookie)
				return hk.UnregAt
			}, opts.Timeout)
		}
	}

	if len(built.Handles) > 0 && !dst.Flags.AcceptHandles {
		built.Release(src)
		return nil, bsterr.CannotPassHandles("destination %d does not accept handles", dst.ID)
	}
	// the duplicated fds now ride with the queued message until dst
	// actually receives it (handletab.Table.Track); Recv installs them
	// into dst or, on disconnect before that, Connection teardown drains
	// and releases them (conn.go's c.Handles.DrainRelease).
	for _, h := range built.Handles {
		dst.Handles.Track(h)
	}

	built.Items = msg.Augment(built.Items, dst.Flags.AttachMask)
	if err := dst.Enqueue(built, deadline); err != nil {
		built.Release(src)
		b.Stats.QueueFull.Inc()
		return nil, err
	}
	b.Stats.MsgsSent.Inc()
	b.Stats.MsgsDelivered.Inc()
	return replyCh, nil
}

func syncTimeoutJobName(srcID, cookie uint64) string {
	return "sync-timeout-" + cos.GenTie() + "-" + itoa(srcID) + "-" + itoa(cookie)
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

func (ep *Endpoint) sendBroadcast(src *conn.Connection, built *msg.Built) error {
	b := ep.bus
	bcast := match.Broadcast{
		SenderID:    src.ID,
		SenderNames: src.Names(),
		PayloadType: built.Header.PayloadType,
		Bloom:       built.Bloom,
	}
	ep.mu.RLock()
	targets := make([]*conn.Connection, 0, len(ep.connsSet))
	for id := range ep.connsSet {
		if id == src.ID {
			continue
		}
		if c, ok := b.connByID(id); ok {
			targets = append(targets, c)
		}
	}
	ep.mu.RUnlock()

	for _, dst := range targets {
		if err := dst.Acquire(); err != nil {
			continue
		}
		if dst.MatchDB.Matches(bcast) {
			items := msg.Augment(append([]wire.Item(nil), built.Items...), dst.Flags.AttachMask)
			cp := msgBuiltCopy(built, items)
			if err := dst.Enqueue(cp, time.Time{}); err != nil {
				dst.MarkDropped()
				b.Stats.BroadcastsDropped.Inc()
			} else {
				b.Stats.MsgsDelivered.Inc()
			}
		}
		dst.Release()
	}
	built.Release(src)
	b.Stats.MsgsSent.Inc()
	return nil
}

func msgBuiltCopy(built *msg.Built, items []wire.Item) *msg.Built {
	return &msg.Built{Header: built.Header, Items: items}
}

// ---- Dispatcher: receive (spec §4.7) ----

// Recv implements the Dispatcher receive path: dequeue per mode, reserve
// a pool offset sized to the message, copy it in, return (offset, size)
// plus the accumulated dropped-broadcast count.
func Recv(ctx context.Context, c *conn.Connection, mode conn.RecvMode, block bool) (offset int64, size int64, dropped uint64, err error) {
	qm, dropped, err := c.Dequeue(ctx, mode, block)
	if err != nil {
		return 0, 0, dropped, err
	}
	items := qm.Built.Items
	switch mode {
	case conn.RecvPeek:
		// message stays queued; handles remain tracked/borrowed until a
		// later RecvNormal/RecvDrop actually disposes of it.
	case conn.RecvDrop:
		for _, h := range qm.Built.Handles {
			c.Handles.Untrack(h)
		}
		handletab.ReleaseAll(qm.Built.Handles)
	default: // RecvNormal
		if len(qm.Built.Handles) > 0 {
			installed := make([]int32, len(qm.Built.Handles))
			for i, h := range qm.Built.Handles {
				c.Handles.Untrack(h)
				installed[i] = h.Install()
			}
			items = append(append([]wire.Item{}, items...), wire.Item{
				Kind:    wire.KindInstalledHandles,
				Payload: wire.EncodeHandleArray(installed),
			})
		}
	}
	buf := wire.Encode(qm.Built.Header, items)
	off, err := c.Pool.Reserve(ctx, int64(len(buf)))
	if err != nil {
		return 0, 0, dropped, err
	}
	// In a real integration this copies `buf` into the mmap'd pool region
	// at `off`; this module's Pool is a pure offset/size accounting
	// structure (see package pool), so the copy itself is the caller's
	// (control-node layer's) concern.
	if mode != conn.RecvDrop {
		nlog.Infof("recv conn=%d offset=%d size=%d", c.ID, off, len(buf))
	}
	return off, int64(len(buf)), dropped, nil
}
