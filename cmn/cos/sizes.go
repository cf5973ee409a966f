// Package cos provides common low-level types and utilities shared by every
// bus package: size constants, alignment helpers, name validation, ID
// generation, and a small multi-error accumulator.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

// PageSize is the alignment/granularity required for page-aligned payload
// vecs (a wire.ExternalPayloadDesc with wire.VecAligned set).
const PageSize = 4 * KiB

// Align8 rounds n up to the next multiple of 8: every wire item is
// 8-byte aligned, trailing padding is always < 8 bytes.
func Align8(n int64) int64 { return (n + 7) &^ 7 }

func IsAligned8(n int64) bool { return n&7 == 0 }

// Align8Size is Align8 for the uint32 sizes used throughout the item
// stream codec.
func Align8Size(n uint32) uint32 { return (n + 7) &^ 7 }

func IsAlignedPage(n uint64) bool { return n&(PageSize-1) == 0 }

// DivCeil returns ceil(a / b) for positive a, b.
func DivCeil(a, b int64) int64 { return (a + b - 1) / b }
