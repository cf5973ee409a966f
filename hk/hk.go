// Package hk provides a mechanism for registering cleanup/scan functions
// invoked at specified intervals, adapted from the teacher's hk package.
// This is where the sync-reply deadline scan (spec §4.6 step 8, §5
// "deadline-expired sync-reply") and the receive pool's periodic
// free-list integrity check (§4.5) are driven from: one registrar, one
// goroutine, many named jobs.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/NVIDIA/kbus/cmn/cos"
	"github.com/NVIDIA/kbus/cmn/debug"
	"github.com/NVIDIA/kbus/cmn/nlog"
)

// NameSuffix disambiguates jobs registered by multiple instances of the same
// component in a single process (e.g. more than one bus) sharing the
// default registrar, mirroring the teacher's own "x-old"+hk.NameSuffix idiom.
var NameSuffix = cos.GenTie()

// UnregAt, when returned by a job's run function, tells the registrar to
// remove it.
const UnregAt time.Duration = -1

type (
	// HousekeeperFunc is re-scheduled after `updTime`, or unregistered if
	// it returns UnregAt.
	HousekeeperFunc func() (updTime time.Duration)

	request struct {
		f        HousekeeperFunc
		name     string
		initial  time.Duration
		register bool
	}

	timedAction struct {
		f    HousekeeperFunc
		name string
		due  time.Time
		idx  int
	}

	priq []*timedAction

	Housekeeper struct {
		mu       sync.Mutex
		byName   map[string]*timedAction
		q        priq
		startCh  chan struct{}
		reqCh    chan request
		stopCh   chan struct{}
		started  bool
		startOnce sync.Once
	}
)

func (q priq) Len() int            { return len(q) }
func (q priq) Less(i, j int) bool  { return q[i].due.Before(q[j].due) }
func (q priq) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].idx, q[j].idx = i, j }
func (q *priq) Push(x any)         { ta := x.(*timedAction); ta.idx = len(*q); *q = append(*q, ta) }
func (q *priq) Pop() any {
	old := *q
	n := len(old)
	ta := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return ta
}

// DefaultHK is the process-wide registrar, matching the teacher's
// package-level `DefaultHK`.
var DefaultHK = New()

func New() *Housekeeper {
	return &Housekeeper{
		byName: make(map[string]*timedAction, 16),
		reqCh:  make(chan request, 32),
		stopCh: make(chan struct{}),
	}
}

// Reg schedules f to run once after `initial` (0 == "soon"), then again
// after whatever duration f itself returns.
func Reg(name string, f HousekeeperFunc, initial time.Duration) {
	DefaultHK.Reg(name, f, initial)
}

func Unreg(name string) { DefaultHK.Unreg(name) }

func (hk *Housekeeper) Reg(name string, f HousekeeperFunc, initial time.Duration) {
	hk.reqCh <- request{name: name, f: f, initial: initial, register: true}
}

func (hk *Housekeeper) Unreg(name string) {
	hk.reqCh <- request{name: name, register: false}
}

// Run is the registrar's single goroutine: merges registration requests
// with a min-heap of due times. Call it once, typically `go hk.DefaultHK.Run()`.
func (hk *Housekeeper) Run() {
	heap.Init(&hk.q)
	hk.startOnce.Do(func() {
		hk.mu.Lock()
		hk.started = true
		ch := hk.startCh
		hk.mu.Unlock()
		if ch != nil {
			close(ch)
		}
	})
	for {
		var timer <-chan time.Time
		if hk.q.Len() > 0 {
			timer = time.After(time.Until(hk.q[0].due))
		}
		select {
		case req := <-hk.reqCh:
			hk.handleReq(req)
		case <-timer:
			hk.fire()
		case <-hk.stopCh:
			return
		}
	}
}

func (hk *Housekeeper) handleReq(req request) {
	if ta, ok := hk.byName[req.name]; ok {
		hk.remove(ta)
		delete(hk.byName, req.name)
	}
	if !req.register {
		return
	}
	due := req.initial
	if due <= 0 {
		due = time.Millisecond
	}
	ta := &timedAction{f: req.f, name: req.name, due: time.Now().Add(due)}
	hk.byName[req.name] = ta
	heap.Push(&hk.q, ta)
}

func (hk *Housekeeper) remove(ta *timedAction) {
	if ta.idx >= 0 && ta.idx < hk.q.Len() && hk.q[ta.idx] == ta {
		heap.Remove(&hk.q, ta.idx)
	}
}

func (hk *Housekeeper) fire() {
	ta := heap.Pop(&hk.q).(*timedAction)
	debug.Assert(ta.due.Before(time.Now().Add(time.Second)), "hk job fired early")
	upd := safeRun(ta)
	if upd == UnregAt {
		delete(hk.byName, ta.name)
		return
	}
	ta.due = time.Now().Add(upd)
	heap.Push(&hk.q, ta)
}

func safeRun(ta *timedAction) (upd time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			nlog.Errorf("hk job %q panicked: %v", ta.name, r)
			upd = time.Minute
		}
	}()
	return ta.f()
}

// Stop terminates the registrar's goroutine.
func (hk *Housekeeper) Stop() { close(hk.stopCh) }

// WaitStarted blocks (test helper) until Run's goroutine has begun serving.
func WaitStarted() { DefaultHK.WaitStarted() }

func (hk *Housekeeper) WaitStarted() {
	hk.mu.Lock()
	if hk.started {
		hk.mu.Unlock()
		return
	}
	if hk.startCh == nil {
		hk.startCh = make(chan struct{})
	}
	ch := hk.startCh
	hk.mu.Unlock()
	<-ch
}

// TestInit resets DefaultHK between test runs.
func TestInit() { DefaultHK = New() }
