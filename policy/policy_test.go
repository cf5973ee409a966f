/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package policy_test

import (
	"testing"

	"github.com/NVIDIA/kbus/policy"
)

func TestZeroValueGateAllowsEverything(t *testing.T) {
	g := policy.New()
	err := g.Allow(policy.Subject{UID: 1}, policy.Subject{UID: 2})
	if err != nil {
		t.Fatalf("expected no rules to allow everything, got %v", err)
	}
}

func TestAllowRuleMatchingUID(t *testing.T) {
	g := policy.New()
	g.Install([]policy.Rule{{Allow: true, SrcUID: []uint32{1}}})
	if err := g.Allow(policy.Subject{UID: 1}, policy.Subject{}); err != nil {
		t.Fatalf("expected allow for uid 1, got %v", err)
	}
	if err := g.Allow(policy.Subject{UID: 2}, policy.Subject{}); err == nil {
		t.Fatalf("expected deny for uid 2 (no matching rule)")
	}
}

func TestDenyRuleShortCircuits(t *testing.T) {
	g := policy.New()
	g.Install([]policy.Rule{
		{Allow: false, SrcNames: []string{"org.kbus.bad"}},
		{Allow: true},
	})
	err := g.Allow(policy.Subject{Names: []string{"org.kbus.bad"}}, policy.Subject{})
	if err == nil {
		t.Fatalf("expected the deny rule to match first and short-circuit")
	}
}

func TestDestNameMatching(t *testing.T) {
	g := policy.New()
	g.Install([]policy.Rule{{Allow: true, DestNames: []string{"org.kbus.svc"}}})
	if err := g.Allow(policy.Subject{}, policy.Subject{Names: []string{"org.kbus.svc"}}); err != nil {
		t.Fatalf("expected allow for matching dest name, got %v", err)
	}
	if err := g.Allow(policy.Subject{}, policy.Subject{Names: []string{"org.kbus.other"}}); err == nil {
		t.Fatalf("expected deny for non-matching dest name")
	}
}

func TestInstallReplacesRulesWholesale(t *testing.T) {
	g := policy.New()
	g.Install([]policy.Rule{{Allow: false}})
	if err := g.Allow(policy.Subject{}, policy.Subject{}); err == nil {
		t.Fatalf("expected deny after installing a deny-all rule")
	}
	g.Install([]policy.Rule{{Allow: true}})
	if err := g.Allow(policy.Subject{}, policy.Subject{}); err != nil {
		t.Fatalf("expected allow after replacing rules, got %v", err)
	}
}
