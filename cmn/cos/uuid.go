// Package cos provides common low-level types and utilities for all bus
// packages.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"errors"
	"fmt"
	ratomic "sync/atomic"

	"github.com/teris-io/shortid"
)

const (
	// Alphabet for generating UUIDs similar to the shortid.DEFAULT_ABC
	// NOTE: len(uuidABC) > 0x3f - see GenTie()
	uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"
)

const (
	LenShortID = 9 // UUID length, as per https://github.com/teris-io/shortid#id-length
	tooLongID  = 32

	// bus name limits (spec §3, "syntactically a valid bus name")
	tooLongName = 255
)

const (
	mayOnlyContain = "may only contain letters, numbers, dashes (-), underscores (_)"
	OnlyNice       = "must be at most 32 characters and " + mayOnlyContain
	OnlyPlus       = mayOnlyContain + ", and dots (.)"
)

var (
	sid  *shortid.Shortid
	rtie ratomic.Uint32
)

// InitShortID seeds the cookie/hk-suffix generator; called once at bus
// construction (out of core scope, but the core is the only consumer).
func InitShortID(seed uint64) {
	sid = shortid.MustNew(4 /*worker*/, uuidABC, seed)
}

//
// UUID
//

// GenUUID returns a short opaque identifier for internal bookkeeping --
// never the wire-visible connection id, which is the bus's monotonic
// counter. Housekeeping job names use GenTie instead.
func GenUUID() (uuid string) {
	if sid == nil {
		InitShortID(1)
	}
	var h, t string
	uuid = sid.MustGenerate()
	if !isAlpha(uuid[0]) {
		tie := int(rtie.Add(1))
		h = string(rune('A' + tie%26))
	}
	c := uuid[len(uuid)-1]
	if c == '-' || c == '_' {
		tie := int(rtie.Add(1))
		t = string(rune('a' + tie%26))
	}
	return h + uuid + t
}

func IsValidUUID(uuid string) bool {
	return len(uuid) >= LenShortID && IsAlphaNice(uuid)
}

//
// utility functions
//

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// letters and numbers w/ '-' and '_' permitted with limitations (see OnlyNice const)
func IsAlphaNice(s string) bool {
	l := len(s)
	if l > tooLongID {
		return false
	}
	for i := range l {
		c := s[i]
		if isAlpha(c) || (c >= '0' && c <= '9') {
			continue
		}
		if c != '-' && c != '_' {
			return false
		}
		if i == 0 || i == l-1 {
			return false
		}
	}
	return true
}

// CheckBusName validates a well-known bus name: dot-separated alpha-numeric
// (plus '-', '_') segments, no leading digit in a segment, no empty segment,
// no leading dot, bounded length. Grounded on kdbus's kdbus_name_is_valid
// (original_source/message.c, names.c) -- dotted-ASCII names like
// "org.freedesktop.Something".
func CheckBusName(s string) error {
	l := len(s)
	if l == 0 {
		return errors.New("bus name must not be empty")
	}
	if l > tooLongName {
		return fmt.Errorf("bus name is too long: %d > %d(max length)", l, tooLongName)
	}
	segStart, sawDot := 0, false
	for i := 0; i <= l; i++ {
		if i == l || s[i] == '.' {
			if i == segStart {
				return fmt.Errorf("bus name %q has an empty segment", s)
			}
			if s[segStart] >= '0' && s[segStart] <= '9' {
				return fmt.Errorf("bus name %q segment must not start with a digit", s)
			}
			if i < l {
				sawDot = true
			}
			segStart = i + 1
			continue
		}
		c := s[i]
		if isAlpha(c) || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			continue
		}
		if c == '.' {
			sawDot = true
			continue
		}
		return fmt.Errorf("bus name %q is invalid: %s", s, OnlyPlus)
	}
	if !sawDot {
		return fmt.Errorf("bus name %q must contain at least one '.'", s)
	}
	return nil
}

// 3-letter tie breaker (fast), used to disambiguate housekeeping job names.
func GenTie() string {
	tie := rtie.Add(1)
	b0 := uuidABC[tie&0x3f]
	b1 := uuidABC[^tie&0x3f]
	b2 := uuidABC[(tie>>2)&0x3f]
	return string([]byte{b0, b1, b2})
}
