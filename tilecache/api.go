// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package tilecache implements a tiled pixel-buffer cache.
//
// A drawable (an image or layer) potentially bigger than memory is decomposed
// into fixed-size tiles. Tiles are individually reference counted, lazily
// materialized, swapped to a swapstore.Store under memory pressure, and kept
// separately for the drawable's primary buffer and its optional shadow buffer.
//
// All state lives in an explicitly constructed CacheManager. A tile's buffer is
// resident from a successful Ref() (or RefZero()) until the matching Unref()
// and possibly longer: unreferenced resident tiles sit on an LRU and are only
// evicted when a fault-in would exceed the budget (in bytes). Eviction picks
// the tile released longest ago; tiles released at the same logical time are
// ordered by tile index, then drawable id, then primary before shadow.
//
// A Swap Store failure during fault-in or eviction is returned to the caller
// as a blunder error. Zeroed or stale data is never substituted.
//
package tilecache

import (
	"sync"

	"github.com/NVIDIA/tilecache/blunder"
)

const (
	tileWidth  = 64
	tileHeight = 64
)

// TileWidth returns the process-wide tile width in pixels.
func TileWidth() int {
	return tileWidth
}

// TileHeight returns the process-wide tile height in pixels.
func TileHeight() int {
	return tileHeight
}

// DrawableInfo is what the cache needs to know about a drawable to size its
// tile grid.
type DrawableInfo struct {
	Width       int
	Height      int
	BPP         int // bytes per pixel
	NumChannels int
}

// DrawableSource resolves a drawable id to its geometry. It is consulted once
// per GetDrawable() of a drawable that is not already attached.
type DrawableSource interface {
	GetDrawable(drawableID uint64) (info DrawableInfo, err error)
}

// MapDrawableSource is an in-process DrawableSource.
type MapDrawableSource struct {
	sync.Mutex
	drawables map[uint64]DrawableInfo
}

func NewMapDrawableSource() (source *MapDrawableSource) {
	source = &MapDrawableSource{drawables: make(map[uint64]DrawableInfo)}
	return
}

// Add registers (or replaces) drawableID's geometry.
func (source *MapDrawableSource) Add(drawableID uint64, info DrawableInfo) {
	source.Lock()
	source.drawables[drawableID] = info
	source.Unlock()
}

func (source *MapDrawableSource) Remove(drawableID uint64) {
	source.Lock()
	delete(source.drawables, drawableID)
	source.Unlock()
}

func (source *MapDrawableSource) GetDrawable(drawableID uint64) (info DrawableInfo, err error) {
	source.Lock()
	defer source.Unlock()

	info, ok := source.drawables[drawableID]
	if !ok {
		err = blunder.NewError(blunder.NoDrawableError, "no drawable with id %d", drawableID)
		return
	}

	err = nil
	return
}

// Stats is a snapshot of a CacheManager's counters.
type Stats struct {
	Hits           uint64 // Ref() of a tile that was already resident
	Misses         uint64 // Ref() that needed a fault-in
	Evictions      uint64
	SwapIns        uint64
	SwapOuts       uint64
	BudgetOverruns uint64 // fault-ins that found no unreferenced tile to evict
	ResidentBytes  uint64
	ResidentTiles  uint64
	Budget         uint64
}
