// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pixelregion

import (
	"github.com/NVIDIA/tilecache/blunder"
	"github.com/NVIDIA/tilecache/logger"
	"github.com/NVIDIA/tilecache/tilecache"
)

// Iterator co-iterates equally sized regions chunk by chunk.
//
// Each step covers the same relative rectangle of every region, sized so that
// it lies within a single tile of each of them. Steps go left to right, then
// top to bottom.
type Iterator struct {
	regions []*Region
	w       int
	h       int
	relX    int // offset of the current chunk within each region
	relY    int
	chunkW  int
	chunkH  int
	started bool
	done    bool
}

// Register prepares regions for co-iteration. They must all have the same
// width and height, and none may already be registered with a live Iterator.
func Register(regions ...*Region) (iterator *Iterator, err error) {
	if 0 == len(regions) {
		err = blunder.NewError(blunder.InvalidArgError, "pixelregion.Register() of no regions")
		return
	}

	for _, region := range regions {
		if nil == region {
			err = blunder.NewError(blunder.InvalidArgError, "pixelregion.Register() of nil region")
			return
		}
		if (region.w != regions[0].w) || (region.h != regions[0].h) {
			err = blunder.NewError(blunder.InvalidArgError, "pixelregion.Register(): region sizes differ (%dx%d vs %dx%d)",
				region.w, region.h, regions[0].w, regions[0].h)
			return
		}
		if nil != region.hold {
			err = blunder.NewError(blunder.DevBusyError, "pixelregion.Register(): region already being processed")
			return
		}
	}

	iterator = &Iterator{
		regions: regions,
		w:       regions[0].w,
		h:       regions[0].h,
	}

	err = nil
	return
}

// Process advances to the next chunk, releasing the tiles of the previous one.
// It returns false once every chunk has been visited, and keeps returning
// false after that. On error the iterator is finished and no tiles are held.
func (iterator *Iterator) Process() (more bool, err error) {
	if iterator.done {
		more = false
		err = nil
		return
	}

	if iterator.started {
		iterator.releaseAll()
		iterator.relX += iterator.chunkW
		if iterator.relX >= iterator.w {
			iterator.relX = 0
			iterator.relY += iterator.chunkH
		}
	} else {
		iterator.started = true
	}

	if (iterator.relX >= iterator.w) || (iterator.relY >= iterator.h) {
		iterator.done = true
		more = false
		err = nil
		return
	}

	iterator.chunkW = iterator.w - iterator.relX
	iterator.chunkH = iterator.h - iterator.relY

	for _, region := range iterator.regions {
		iterator.chunkW = minInt(iterator.chunkW, tilecache.TileWidth()-(region.x+iterator.relX)%tilecache.TileWidth())
		iterator.chunkH = minInt(iterator.chunkH, tilecache.TileHeight()-(region.y+iterator.relY)%tilecache.TileHeight())
	}

	for _, region := range iterator.regions {
		err = iterator.holdChunk(region)
		if nil != err {
			logger.ErrorfWithError(err, "pixelregion: chunk at (%d,%d) of drawable %d failed with %v",
				region.x+iterator.relX, region.y+iterator.relY, region.drawable.ID(), blunder.Classify(err))
			iterator.releaseAll()
			iterator.done = true
			more = false
			return
		}
	}

	more = true
	err = nil
	return
}

func (iterator *Iterator) holdChunk(region *Region) (err error) {
	x := region.x + iterator.relX
	y := region.y + iterator.relY

	tile, err := region.drawable.GetTileByPixel(region.shadow, x, y)
	if nil != err {
		return
	}

	hold, err := region.manager.Hold(tile)
	if nil != err {
		return
	}

	rowStride := tile.RowStride()
	offset := (y%tilecache.TileHeight())*rowStride + (x%tilecache.TileWidth())*region.bpp
	end := offset + (iterator.chunkH-1)*rowStride + iterator.chunkW*region.bpp

	region.hold = hold
	region.chunk = Chunk{
		X:         x,
		Y:         y,
		W:         iterator.chunkW,
		H:         iterator.chunkH,
		BPP:       region.bpp,
		RowStride: rowStride,
		Data:      hold.Data()[offset:end],
	}

	err = nil
	return
}

// releaseAll drops the current chunk's tiles. Tiles of one CacheManager are
// released together so that they share an LRU time.
func (iterator *Iterator) releaseAll() {
	var (
		managers []*tilecache.CacheManager
		holds    = make(map[*tilecache.CacheManager][]*tilecache.TileHold)
		dirty    = make(map[*tilecache.CacheManager][]bool)
	)

	for _, region := range iterator.regions {
		if nil == region.hold {
			continue
		}
		if _, ok := holds[region.manager]; !ok {
			managers = append(managers, region.manager)
		}
		holds[region.manager] = append(holds[region.manager], region.hold)
		dirty[region.manager] = append(dirty[region.manager], region.dirty)
		region.hold = nil
		region.chunk = Chunk{}
	}

	for _, manager := range managers {
		manager.ReleaseHolds(holds[manager], dirty[manager])
	}
}

// Close ends the iteration early, releasing any tiles held for the current
// chunk.
func (iterator *Iterator) Close() {
	iterator.releaseAll()
	iterator.done = true
}
