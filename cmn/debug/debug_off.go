//go:build !debug

// Package debug provides lock-order and invariant assertions that compile
// to no-ops in production builds and are enabled with `-tags debug` (see
// debug_on.go). It offers mutex-held checks for the lock-ordering rules in
// §5 of the design (bus/registry -> endpoint -> connection -> queue ->
// pool, never reversed); the current callers use only Assert and Func
// (handletab, hk, pool), and no lock-order check is made anywhere.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import "sync"

func ON() bool { return false }

func Infof(_ string, _ ...any) {}

func Func(_ func()) {}

func Assert(_ bool, _ ...any)            {}
func AssertFunc(_ func() bool, _ ...any) {}
func AssertNoErr(_ error)                {}
func Assertf(_ bool, _ string, _ ...any) {}

func AssertMutexLocked(_ *sync.Mutex)      {}
func AssertRWMutexLocked(_ *sync.RWMutex)  {}
func AssertRWMutexRLocked(_ *sync.RWMutex) {}
