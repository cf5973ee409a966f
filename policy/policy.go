// Package policy implements the Policy Gate (spec §4.4): an Endpoint may
// carry rules allowing or denying SEND from a source (identified by its
// owned names and uid) to a destination (identified by its names). A
// default endpoint inherits its bus's policy; a custom endpoint carries
// its own (spec §3 "Endpoint").
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package policy

import (
	"sync"

	"github.com/NVIDIA/kbus/cmn/bsterr"
)

// Rule is an allow/deny rule (spec §4.4). Zero-value Names/UIDs slices
// mean "any".
type Rule struct {
	Allow     bool
	SrcNames  []string // matches if the source owns any of these names; empty == any source
	SrcUID    []uint32 // empty == any uid
	DestNames []string // matches if the destination owns any of these names; empty == any destination
}

// Subject is the identity a policy decision is evaluated against.
type Subject struct {
	UID   uint32
	Names []string
}

// Gate is one Endpoint's policy database. The zero value allows
// everything, matching a default endpoint with no custom policy
// installed (spec §3 "default (inherits bus policy)").
type Gate struct {
	mu    sync.RWMutex
	rules []Rule
}

func New() *Gate { return &Gate{} }

// Install replaces the gate's rule set wholesale, as done by
// ENDPOINT_UPDATE (spec §6).
func (g *Gate) Install(rules []Rule) {
	g.mu.Lock()
	g.rules = append([]Rule(nil), rules...)
	g.mu.Unlock()
}

// Allow evaluates src -> dst. With no rules installed, everything is
// allowed. With rules installed, the first matching rule decides; no
// match falls through to deny, matching a default-deny policy-holder
// stance.
func (g *Gate) Allow(src, dst Subject) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.rules) == 0 {
		return nil
	}
	for _, r := range g.rules {
		if !matchesSrc(r, src) || !matchesDst(r, dst) {
			continue
		}
		if r.Allow {
			return nil
		}
		return bsterr.Denied("policy denies send from uid=%d to %v", src.UID, dst.Names)
	}
	return bsterr.Denied("policy: no matching allow rule for uid=%d to %v", src.UID, dst.Names)
}

func matchesSrc(r Rule, src Subject) bool {
	if len(r.SrcUID) > 0 && !containsUID(r.SrcUID, src.UID) {
		return false
	}
	if len(r.SrcNames) > 0 && !anyNameIn(r.SrcNames, src.Names) {
		return false
	}
	return true
}

func matchesDst(r Rule, dst Subject) bool {
	if len(r.DestNames) == 0 {
		return true
	}
	return anyNameIn(r.DestNames, dst.Names)
}

func containsUID(uids []uint32, uid uint32) bool {
	for _, u := range uids {
		if u == uid {
			return true
		}
	}
	return false
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
