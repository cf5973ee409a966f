// Package mono provides monotonic timestamps used for message augmentation
// (spec §3: every message is stamped with a monotonic + realtime timestamp
// item) and for sync-reply / housekeeping deadline arithmetic.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds since an arbitrary, process-local epoch.
// Only ever compared against another NanoTime() value -- never serialized
// as a wall-clock timestamp.
func NanoTime() int64 { return time.Since(start).Nanoseconds() }

// Since is a convenience wrapper over NanoTime for latency arithmetic.
func Since(started int64) time.Duration { return time.Duration(NanoTime() - started) }
