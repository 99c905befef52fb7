// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package pixelregion lets callers read and write rectangular areas of a
// tilecache.Drawable without knowing where its tile boundaries fall.
//
// The row/column/rectangle helpers copy between a caller-supplied contiguous
// buffer and the tiles they touch, holding each tile only for the duration of
// its copy. Register() and Process() instead walk one or more equally sized
// regions chunk by chunk, exposing each tile's buffer in place.
//
// All coordinates are absolute drawable pixel coordinates.
//
package pixelregion

import (
	"github.com/NVIDIA/tilecache/blunder"
	"github.com/NVIDIA/tilecache/tilecache"
)

// Region is a rectangle of a drawable's primary or shadow tiles.
type Region struct {
	drawable *tilecache.Drawable
	manager  *tilecache.CacheManager
	x        int
	y        int
	w        int
	h        int
	bpp      int
	dirty    bool // writes through the region mark tiles dirty
	shadow   bool // address the shadow tiles rather than the primary tiles

	// valid while the region is registered with an Iterator
	chunk Chunk
	hold  *tilecache.TileHold
}

// Chunk is the part of one tile that a Process() step exposes for a Region.
// Pixel (X+i, Y+j) is at Data[j*RowStride+i*BPP].
type Chunk struct {
	X         int
	Y         int
	W         int
	H         int
	BPP       int
	RowStride int
	Data      []byte
}

// Init returns a Region covering w x h pixels at (x, y), which must lie
// within drawable.
func Init(drawable *tilecache.Drawable, x int, y int, w int, h int, dirty bool, shadow bool) (region *Region, err error) {
	if nil == drawable {
		err = blunder.NewError(blunder.NoDrawableError, "pixelregion.Init() of nil drawable")
		return
	}

	if (0 > x) || (0 > y) || (0 > w) || (0 > h) || (x+w > drawable.Width()) || (y+h > drawable.Height()) {
		err = blunder.NewError(blunder.InvalidArgError, "pixelregion.Init(): %dx%d at (%d,%d) outside drawable %d (%dx%d)",
			w, h, x, y, drawable.ID(), drawable.Width(), drawable.Height())
		return
	}

	region = &Region{
		drawable: drawable,
		manager:  drawable.Manager(),
		x:        x,
		y:        y,
		w:        w,
		h:        h,
		bpp:      drawable.BPP(),
		dirty:    dirty,
		shadow:   shadow,
	}

	err = nil
	return
}

func (region *Region) Drawable() *tilecache.Drawable {
	return region.drawable
}

func (region *Region) X() int {
	return region.x
}

func (region *Region) Y() int {
	return region.y
}

func (region *Region) W() int {
	return region.w
}

func (region *Region) H() int {
	return region.h
}

func (region *Region) BPP() int {
	return region.bpp
}

// Chunk returns the region's current chunk. It is only meaningful after a
// Process() call that returned true.
func (region *Region) Chunk() *Chunk {
	return &region.chunk
}

// GetRow copies w pixels starting at (x, y) into buf.
func (region *Region) GetRow(buf []byte, x int, y int, w int) (err error) {
	err = region.copyRect(buf, w*region.bpp, x, y, w, 1, false)
	return
}

// GetCol copies h pixels starting at (x, y) and going down into buf.
func (region *Region) GetCol(buf []byte, x int, y int, h int) (err error) {
	err = region.copyRect(buf, region.bpp, x, y, 1, h, false)
	return
}

// GetRect copies the w x h pixels at (x, y) into buf, row by row.
func (region *Region) GetRect(buf []byte, x int, y int, w int, h int) (err error) {
	err = region.copyRect(buf, w*region.bpp, x, y, w, h, false)
	return
}

func (region *Region) SetRow(buf []byte, x int, y int, w int) (err error) {
	err = region.copyRect(buf, w*region.bpp, x, y, w, 1, true)
	return
}

func (region *Region) SetCol(buf []byte, x int, y int, h int) (err error) {
	err = region.copyRect(buf, region.bpp, x, y, 1, h, true)
	return
}

// SetRect copies buf, holding w x h pixels row by row, to (x, y).
func (region *Region) SetRect(buf []byte, x int, y int, w int, h int) (err error) {
	err = region.copyRect(buf, w*region.bpp, x, y, w, h, true)
	return
}

// copyRect moves the w x h pixels at (x, y) between buf and the tiles, one
// tile at a time.
func (region *Region) copyRect(buf []byte, bufStride int, x int, y int, w int, h int, write bool) (err error) {
	if (0 > x) || (0 > y) || (0 > w) || (0 > h) ||
		(x+w > region.drawable.Width()) || (y+h > region.drawable.Height()) {
		err = blunder.NewError(blunder.InvalidArgError, "%dx%d at (%d,%d) outside drawable %d (%dx%d)",
			w, h, x, y, region.drawable.ID(), region.drawable.Width(), region.drawable.Height())
		return
	}
	if (0 == w) || (0 == h) {
		err = nil
		return
	}
	if len(buf) < (h-1)*bufStride+w*region.bpp {
		err = blunder.NewError(blunder.InvalidArgError, "buffer of %d bytes too short for %dx%d pixels of %d bytes",
			len(buf), w, h, region.bpp)
		return
	}

	tileWidth := tilecache.TileWidth()
	tileHeight := tilecache.TileHeight()

	for ty := y; ty < y+h; ty = (ty/tileHeight + 1) * tileHeight {
		th := minInt((ty/tileHeight+1)*tileHeight, y+h) - ty
		for tx := x; tx < x+w; tx = (tx/tileWidth + 1) * tileWidth {
			tw := minInt((tx/tileWidth+1)*tileWidth, x+w) - tx
			bufOffset := (ty-y)*bufStride + (tx-x)*region.bpp
			err = region.copyTile(buf[bufOffset:], bufStride, tx, ty, tw, th, write)
			if nil != err {
				return
			}
		}
	}

	err = nil
	return
}

// copyTile moves a w x h block lying within a single tile.
func (region *Region) copyTile(buf []byte, bufStride int, x int, y int, w int, h int, write bool) (err error) {
	var (
		hold *tilecache.TileHold
	)

	tile, err := region.drawable.GetTileByPixel(region.shadow, x, y)
	if nil != err {
		return
	}

	if write && region.dirty && (w == tile.EWidth()) && (h == tile.EHeight()) {
		// the old content is overwritten entirely and the write is kept, so
		// skip reading it back
		hold, err = region.manager.HoldZero(tile)
		if blunder.Is(err, blunder.DevBusyError) {
			hold, err = region.manager.Hold(tile)
		}
	} else {
		hold, err = region.manager.Hold(tile)
	}
	if nil != err {
		return
	}
	defer hold.Release(write && region.dirty)

	rowStride := tile.RowStride()
	rowBytes := w * region.bpp
	tileOffset := (y%tilecache.TileHeight())*rowStride + (x%tilecache.TileWidth())*region.bpp
	data := hold.Data()

	for row := 0; row < h; row++ {
		tileRow := data[tileOffset+row*rowStride : tileOffset+row*rowStride+rowBytes]
		bufRow := buf[row*bufStride : row*bufStride+rowBytes]
		if write {
			copy(tileRow, bufRow)
		} else {
			copy(bufRow, tileRow)
		}
	}

	err = nil
	return
}

func minInt(a int, b int) int {
	if a < b {
		return a
	}
	return b
}
