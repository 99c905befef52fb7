// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package tilecache

import (
	"github.com/NVIDIA/tilecache/blunder"
	"github.com/NVIDIA/tilecache/logger"
)

const (
	primaryTiles = 0
	shadowTiles  = 1
)

// Drawable is the tile-owning view of an image or layer. Its primary and
// shadow tile arrays are allocated on first use, each exactly Rows()*Cols()
// long, and never resized.
type Drawable struct {
	manager     *CacheManager
	id          uint64
	width       int
	height      int
	bpp         int
	numChannels int
	rows        int
	cols        int
	tiles       [2][]Tile // [primaryTiles] and [shadowTiles]; nil until first GetTile()
	detached    bool
}

func tileArrayIndex(shadow bool) int {
	if shadow {
		return shadowTiles
	}
	return primaryTiles
}

// GetDrawable returns the attached Drawable for drawableID, attaching it (and
// consulting the DrawableSource for its geometry) if needed.
func (manager *CacheManager) GetDrawable(drawableID uint64) (drawable *Drawable, err error) {
	manager.Lock()
	drawable, ok := manager.drawables[drawableID]
	closed := manager.closed
	manager.Unlock()

	if closed {
		err = blunder.NewError(blunder.BadFileError, "GetDrawable(%d): cache is closed", drawableID)
		return
	}
	if ok {
		err = nil
		return
	}

	info, err := manager.source.GetDrawable(drawableID)
	if nil != err {
		drawable = nil
		return
	}

	if (0 >= info.Width) || (0 >= info.Height) || (0 >= info.BPP) ||
		(0 >= info.NumChannels) || (info.NumChannels > info.BPP) {
		err = blunder.NewError(blunder.BadGeometry, "GetDrawable(%d): invalid geometry %+v", drawableID, info)
		drawable = nil
		return
	}

	manager.Lock()
	defer manager.Unlock()

	// another caller may have attached it meanwhile
	drawable, ok = manager.drawables[drawableID]
	if ok {
		err = nil
		return
	}

	drawable = &Drawable{
		manager:     manager,
		id:          drawableID,
		width:       info.Width,
		height:      info.Height,
		bpp:         info.BPP,
		numChannels: info.NumChannels,
		rows:        (info.Height + tileHeight - 1) / tileHeight,
		cols:        (info.Width + tileWidth - 1) / tileWidth,
	}
	manager.drawables[drawableID] = drawable

	logger.Tracef("drawable %d attached: %dx%d bpp %d (%d rows, %d cols)",
		drawableID, drawable.width, drawable.height, drawable.bpp, drawable.rows, drawable.cols)

	err = nil
	return
}

func (drawable *Drawable) ID() uint64 {
	return drawable.id
}

func (drawable *Drawable) Width() int {
	return drawable.width
}

func (drawable *Drawable) Height() int {
	return drawable.height
}

func (drawable *Drawable) BPP() int {
	return drawable.bpp
}

func (drawable *Drawable) NumChannels() int {
	return drawable.numChannels
}

func (drawable *Drawable) Rows() int {
	return drawable.rows
}

func (drawable *Drawable) Cols() int {
	return drawable.cols
}

func (drawable *Drawable) Manager() *CacheManager {
	return drawable.manager
}

// allocateTiles creates the tile metadata for one of the drawable's tile
// arrays. Swap records left by an earlier attach of the same drawable id are
// picked up here. Called with the manager locked.
func (drawable *Drawable) allocateTiles(shadow bool) (tiles []Tile) {
	tiles = make([]Tile, drawable.rows*drawable.cols)

	lastColWidth := drawable.width - (drawable.cols-1)*tileWidth
	lastRowHeight := drawable.height - (drawable.rows-1)*tileHeight

	for row := 0; row < drawable.rows; row++ {
		for col := 0; col < drawable.cols; col++ {
			tile := &tiles[row*drawable.cols+col]

			tile.manager = drawable.manager
			tile.drawableID = drawable.id
			tile.index = uint32(row*drawable.cols + col)
			tile.shadow = shadow
			tile.bpp = drawable.bpp

			tile.ewidth = tileWidth
			if col == drawable.cols-1 {
				tile.ewidth = lastColWidth
			}
			tile.eheight = tileHeight
			if row == drawable.rows-1 {
				tile.eheight = lastRowHeight
			}

			// only flushed dirty tiles ever reach the Swap Store
			tile.swapped = drawable.manager.store.Contains(tile.id())
			tile.written = tile.swapped
		}
	}

	drawable.tiles[tileArrayIndex(shadow)] = tiles

	logger.Tracef("drawable %d: %d tiles allocated (shadow: %v)", drawable.id, len(tiles), shadow)

	return
}

// GetTile returns the tile at (row, col) of the primary or shadow array,
// allocating that array on first use.
func (drawable *Drawable) GetTile(shadow bool, row int, col int) (tile *Tile, err error) {
	if nil == drawable {
		err = blunder.NewError(blunder.NoDrawableError, "GetTile() of nil drawable")
		return
	}

	drawable.manager.Lock()
	defer drawable.manager.Unlock()

	if drawable.detached {
		err = blunder.NewError(blunder.NoDrawableError, "GetTile() of detached drawable %d", drawable.id)
		return
	}

	if (0 > row) || (row >= drawable.rows) || (0 > col) || (col >= drawable.cols) {
		err = blunder.NewError(blunder.OutOfRangeError, "drawable %d: tile (%d,%d) outside %dx%d grid",
			drawable.id, row, col, drawable.rows, drawable.cols)
		return
	}

	tiles := drawable.tiles[tileArrayIndex(shadow)]
	if nil == tiles {
		tiles = drawable.allocateTiles(shadow)
	}

	tile = &tiles[row*drawable.cols+col]

	err = nil
	return
}

// GetTileByPixel returns the tile containing pixel (x, y).
func (drawable *Drawable) GetTileByPixel(shadow bool, x int, y int) (tile *Tile, err error) {
	if nil == drawable {
		err = blunder.NewError(blunder.NoDrawableError, "GetTileByPixel() of nil drawable")
		return
	}

	if (0 > x) || (x >= drawable.width) || (0 > y) || (y >= drawable.height) {
		err = blunder.NewError(blunder.OutOfRangeError, "drawable %d: pixel (%d,%d) outside %dx%d",
			drawable.id, x, y, drawable.width, drawable.height)
		return
	}

	tile, err = drawable.GetTile(shadow, y/tileHeight, x/tileWidth)
	return
}

// HasShadow reports whether the shadow tile array has been allocated.
func (drawable *Drawable) HasShadow() (hasShadow bool) {
	drawable.manager.Lock()
	hasShadow = (nil != drawable.tiles[shadowTiles])
	drawable.manager.Unlock()
	return
}

// Flush writes every dirty resident tile, primary and shadow, to the Swap Store.
func (drawable *Drawable) Flush() (err error) {
	drawable.manager.Lock()
	err = drawable.flush()
	drawable.manager.Unlock()
	return
}

func (drawable *Drawable) flush() (err error) {
	for _, tiles := range drawable.tiles {
		for i := range tiles {
			err = drawable.manager.flush(&tiles[i])
			if nil != err {
				return
			}
		}
	}

	err = nil
	return
}

func (drawable *Drawable) allTiles() (all []*Tile) {
	for _, tiles := range drawable.tiles {
		for i := range tiles {
			all = append(all, &tiles[i])
		}
	}
	return
}

// release frees every buffer and invalidates every tile. Called with the
// manager locked.
func (drawable *Drawable) release() {
	for _, tiles := range drawable.tiles {
		for i := range tiles {
			drawable.manager.freeBuffer(&tiles[i])
			tiles[i].released = true
		}
	}
	drawable.tiles[primaryTiles] = nil
	drawable.tiles[shadowTiles] = nil
	drawable.detached = true
}

// MergeShadow commits the shadow buffer: every shadow tile that has been
// written (released dirty) is copied into its primary tile, which becomes
// dirty. Shadow tiles that were only read leave their primary tile alone.
// All shadow tiles are then purged and their swap records dropped. It fails
// with blunder.DevBusyError if any shadow tile is held.
func (drawable *Drawable) MergeShadow() (err error) {
	manager := drawable.manager

	manager.Lock()
	defer manager.Unlock()

	if drawable.detached {
		err = blunder.NewError(blunder.NoDrawableError, "MergeShadow() of detached drawable %d", drawable.id)
		return
	}

	// after a re-attach the shadow content may only live in the Swap Store
	shadows := drawable.tiles[shadowTiles]
	if nil == shadows {
		shadows = drawable.allocateTiles(true)
	}

	for i := range shadows {
		if 0 != shadows[i].refCount {
			err = blunder.NewError(blunder.DevBusyError, "MergeShadow(): shadow tile %v is held", shadows[i].id())
			return
		}
	}

	primaries := drawable.tiles[primaryTiles]
	if nil == primaries {
		primaries = drawable.allocateTiles(false)
	}

	for i := range shadows {
		shadow := &shadows[i]

		if shadow.written {
			err = manager.ref(shadow, false)
			if nil != err {
				return
			}
			err = manager.ref(&primaries[i], false)
			if nil != err {
				manager.unref(shadow, false)
				return
			}

			copy(primaries[i].data, shadow.data)

			manager.unref(&primaries[i], true)
			manager.unref(shadow, false)
		}

		// the shadow content is committed (or was never written), so there
		// is nothing to flush
		shadow.dirty = false
		if nil != shadow.data {
			manager.freeBuffer(shadow)
		}
		err = manager.forgetSwapped(shadow)
		if nil != err {
			return
		}
		shadow.written = false
	}

	logger.Tracef("drawable %d: shadow merged", drawable.id)

	err = nil
	return
}

// Detach flushes every dirty tile, purges all of the drawable's tiles from the
// cache and releases its tile arrays. Swap records are kept, so a later
// GetDrawable() of the same id sees the flushed pixels. It fails with
// blunder.DevBusyError if any tile is held.
func (drawable *Drawable) Detach() (err error) {
	manager := drawable.manager

	manager.Lock()
	defer manager.Unlock()

	err = drawable.detach()
	return
}

func (drawable *Drawable) detach() (err error) {
	manager := drawable.manager

	if drawable.detached {
		err = nil
		return
	}

	err = manager.purge(drawable.allTiles())
	if nil != err {
		return
	}

	drawable.release()
	delete(manager.drawables, drawable.id)

	logger.Tracef("drawable %d detached", drawable.id)

	err = nil
	return
}

// Delete detaches the drawable and drops all of its swap records.
func (drawable *Drawable) Delete() (err error) {
	manager := drawable.manager

	manager.Lock()
	defer manager.Unlock()

	if drawable.detached {
		if _, ok := manager.drawables[drawable.id]; ok {
			err = blunder.NewError(blunder.DevBusyError, "Delete() of drawable %d: id has been attached again", drawable.id)
			return
		}
	} else {
		// nothing needs to survive, so skip flushing dirty tiles
		for _, tile := range drawable.allTiles() {
			if 0 != tile.refCount {
				err = blunder.NewError(blunder.DevBusyError, "Delete() of drawable %d: tile %v is held", drawable.id, tile.id())
				return
			}
			tile.dirty = false
		}
		drawable.release()
		delete(manager.drawables, drawable.id)
	}

	err = manager.store.DeleteDrawable(drawable.id)
	if nil != err {
		return
	}

	logger.Tracef("drawable %d deleted", drawable.id)

	err = nil
	return
}
