// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package platform hides the OS specifics the tile cache needs: the amount of
// physical memory (to derive a default resident budget) and a synchronous
// open for swap files.
package platform

const (
	// GoHeapAllocationMultiplier defines the float64 overhead of memory allocations
	// in the Golang runtime. A resident budget derived from MemSize() is divided by
	// this multiplier so that tile buffers plus garbage awaiting collection stay
	// within the fraction of RAM the operator asked for.
	GoHeapAllocationMultiplier = float64(10.0)
)
