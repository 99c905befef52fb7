// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package tilecache

import (
	"github.com/NVIDIA/tilecache/swapstore"
)

// Tile is one rectangular block of a drawable's pixel data and its bookkeeping.
//
// Geometry is fixed when the drawable's tile array is allocated. Everything
// else is guarded by the owning CacheManager's mutex.
type Tile struct {
	manager    *CacheManager
	drawableID uint64 // non-owning reference to the drawable
	index      uint32
	shadow     bool
	ewidth     int
	eheight    int
	bpp        int

	refCount  uint16
	dirty     bool
	written   bool   // a dirty Unref() happened since the content was last zeroed
	swapped   bool   // the Swap Store holds a copy of this tile
	unrefTick uint64 // logical time of the last Unref() that dropped refCount to 0
	inLRU     bool
	released  bool   // the owning drawable was detached
	data      []byte // nil when not resident
}

func (tile *Tile) id() swapstore.TileID {
	return swapstore.TileID{DrawableID: tile.drawableID, Index: tile.index, Shadow: tile.shadow}
}

func (tile *Tile) size() int {
	return tile.ewidth * tile.eheight * tile.bpp
}

func (tile *Tile) lruKey() lruKeyStruct {
	return lruKeyStruct{unrefTick: tile.unrefTick, index: tile.index, drawableID: tile.drawableID, shadow: tile.shadow}
}

// EWidth returns the tile's effective width, smaller than TileWidth() for the
// last column of a drawable whose width is not a multiple of it.
func (tile *Tile) EWidth() int {
	return tile.ewidth
}

// EHeight returns the tile's effective height.
func (tile *Tile) EHeight() int {
	return tile.eheight
}

func (tile *Tile) BPP() int {
	return tile.bpp
}

// Index is row*cols + col within the owning drawable.
func (tile *Tile) Index() uint32 {
	return tile.index
}

func (tile *Tile) Shadow() bool {
	return tile.shadow
}

func (tile *Tile) DrawableID() uint64 {
	return tile.drawableID
}

// RowStride is the number of bytes between vertically adjacent pixels in Data().
func (tile *Tile) RowStride() int {
	return tile.ewidth * tile.bpp
}

// Data returns the tile's pixel buffer, ewidth*eheight*bpp bytes in row-major
// order. It is only valid while the caller holds a reference to the tile.
func (tile *Tile) Data() []byte {
	return tile.data
}

func (tile *Tile) RefCount() (refCount uint16) {
	tile.manager.Lock()
	refCount = tile.refCount
	tile.manager.Unlock()
	return
}

func (tile *Tile) IsDirty() (dirty bool) {
	tile.manager.Lock()
	dirty = tile.dirty
	tile.manager.Unlock()
	return
}

func (tile *Tile) IsResident() (resident bool) {
	tile.manager.Lock()
	resident = (nil != tile.data)
	tile.manager.Unlock()
	return
}

// IsSwapped reports whether the Swap Store holds a copy of the tile.
func (tile *Tile) IsSwapped() (swapped bool) {
	tile.manager.Lock()
	swapped = tile.swapped
	tile.manager.Unlock()
	return
}

// TileHold is a scoped reference to a tile. Release() drops the reference
// exactly once; later calls do nothing, so callers may both defer Release()
// and call it early.
type TileHold struct {
	manager  *CacheManager
	tile     *Tile
	released bool
}

// Hold takes a reference to tile (faulting it in if needed) and returns a
// guard for it.
func (manager *CacheManager) Hold(tile *Tile) (hold *TileHold, err error) {
	err = manager.Ref(tile)
	if nil != err {
		return
	}
	hold = &TileHold{manager: manager, tile: tile}
	return
}

// HoldZero is Hold() for a tile whose prior content is to be discarded.
func (manager *CacheManager) HoldZero(tile *Tile) (hold *TileHold, err error) {
	err = manager.RefZero(tile)
	if nil != err {
		return
	}
	hold = &TileHold{manager: manager, tile: tile}
	return
}

func (hold *TileHold) Tile() *Tile {
	return hold.tile
}

func (hold *TileHold) Data() []byte {
	return hold.tile.data
}

// Release drops the hold, marking the tile dirty if dirty is set.
func (hold *TileHold) Release(dirty bool) {
	if hold.released {
		return
	}
	hold.released = true
	hold.manager.Unref(hold.tile, dirty)
}
