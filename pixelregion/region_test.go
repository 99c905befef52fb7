// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pixelregion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/tilecache/blunder"
	"github.com/NVIDIA/tilecache/swapstore"
	"github.com/NVIDIA/tilecache/tilecache"
)

func testSetup(t *testing.T, budget uint64) (manager *tilecache.CacheManager, source *tilecache.MapDrawableSource) {
	source = tilecache.NewMapDrawableSource()

	manager, err := tilecache.NewCacheManager(&tilecache.Config{
		MaxResidentBytes: budget,
		SwapStore:        swapstore.Config{StoreType: swapstore.StoreTypeRAM},
	}, source, nil)
	require.Nil(t, err)

	return
}

func testDrawable(t *testing.T, manager *tilecache.CacheManager, source *tilecache.MapDrawableSource, id uint64, width int, height int, bpp int) (drawable *tilecache.Drawable) {
	source.Add(id, tilecache.DrawableInfo{Width: width, Height: height, BPP: bpp, NumChannels: bpp})

	drawable, err := manager.GetDrawable(id)
	require.Nil(t, err)

	return
}

func testPixels(n int, seed byte) (buf []byte) {
	buf = make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i*7)
	}
	return
}

func TestInit(t *testing.T) {
	assert := assert.New(t)

	manager, source := testSetup(t, 1<<20)
	defer manager.Close()

	drawable := testDrawable(t, manager, source, 1, 100, 50, 3)

	_, err := Init(nil, 0, 0, 1, 1, false, false)
	assert.True(blunder.Is(err, blunder.NoDrawableError))

	for _, rect := range [][4]int{{-1, 0, 10, 10}, {0, -1, 10, 10}, {91, 0, 10, 10}, {0, 41, 10, 10}, {0, 0, -1, 1}} {
		_, err = Init(drawable, rect[0], rect[1], rect[2], rect[3], false, false)
		assert.True(blunder.Is(err, blunder.InvalidArgError), "%v", rect)
	}

	region, err := Init(drawable, 90, 40, 10, 10, true, false)
	if !assert.Nil(err) {
		return
	}
	assert.Equal(90, region.X())
	assert.Equal(40, region.Y())
	assert.Equal(10, region.W())
	assert.Equal(10, region.H())
	assert.Equal(3, region.BPP())
	assert.True(drawable == region.Drawable())
}

// A full-drawable write followed by a read returns the same bytes, even when
// the budget forces the tiles through the Swap Store in between.
func TestRectRoundTrip130x70(t *testing.T) {
	assert := assert.New(t)

	const bpp = 4

	manager, source := testSetup(t, uint64(2*64*64*bpp))
	defer manager.Close()

	drawable := testDrawable(t, manager, source, 1, 130, 70, bpp)
	assert.Equal(2, drawable.Rows())
	assert.Equal(3, drawable.Cols())

	region, err := Init(drawable, 0, 0, 130, 70, true, false)
	if !assert.Nil(err) {
		return
	}

	written := testPixels(130*70*bpp, 1)
	assert.Nil(region.SetRect(written, 0, 0, 130, 70))

	stats := manager.Stats()
	assert.True(stats.SwapOuts > 0)
	assert.True(stats.ResidentBytes <= stats.Budget)

	read := make([]byte, len(written))
	assert.Nil(region.GetRect(read, 0, 0, 130, 70))
	assert.Equal(written, read)
	assert.True(manager.Stats().SwapIns > 0)

	// a sub-rectangle straddling all four interior tile corners
	sub := make([]byte, 20*10*bpp)
	assert.Nil(region.GetRect(sub, 60, 60, 20, 10))
	for row := 0; row < 10; row++ {
		offset := ((60+row)*130 + 60) * bpp
		assert.Equal(written[offset:offset+20*bpp], sub[row*20*bpp:(row+1)*20*bpp], "row %d", row)
	}
}

func TestRowAndCol(t *testing.T) {
	assert := assert.New(t)

	manager, source := testSetup(t, 1<<20)
	defer manager.Close()

	drawable := testDrawable(t, manager, source, 1, 200, 150, 2)
	region, err := Init(drawable, 0, 0, 200, 150, true, false)
	if !assert.Nil(err) {
		return
	}

	row := testPixels(150*2, 3)
	assert.Nil(region.SetRow(row, 50, 70, 150))
	readRow := make([]byte, len(row))
	assert.Nil(region.GetRow(readRow, 50, 70, 150))
	assert.Equal(row, readRow)

	col := testPixels(140*2, 5)
	assert.Nil(region.SetCol(col, 130, 5, 140))
	readCol := make([]byte, len(col))
	assert.Nil(region.GetCol(readCol, 130, 5, 140))
	assert.Equal(col, readCol)

	// the column crossed the row at (130, 70)
	pixel := make([]byte, 2)
	assert.Nil(region.GetRect(pixel, 130, 70, 1, 1))
	assert.Equal(col[65*2:66*2], pixel)

	// out of bounds and short buffers are rejected
	assert.True(blunder.Is(region.GetRow(readRow, 51, 70, 150), blunder.InvalidArgError))
	assert.True(blunder.Is(region.GetCol(readCol, 130, 11, 140), blunder.InvalidArgError))
	assert.True(blunder.Is(region.SetRow(row[:10], 0, 0, 150), blunder.InvalidArgError))
	assert.True(blunder.Is(region.GetRect(pixel, -1, 0, 1, 1), blunder.InvalidArgError))

	// empty copies do nothing
	assert.Nil(region.GetRect(nil, 0, 0, 0, 0))
}

func TestCleanRegionDoesNotDirty(t *testing.T) {
	assert := assert.New(t)

	manager, source := testSetup(t, 1<<20)
	defer manager.Close()

	drawable := testDrawable(t, manager, source, 1, 64, 64, 1)

	region, err := Init(drawable, 0, 0, 10, 10, false, false)
	if !assert.Nil(err) {
		return
	}
	assert.Nil(region.SetRect(testPixels(100, 1), 0, 0, 10, 10))

	tile, _ := drawable.GetTile(false, 0, 0)
	assert.False(tile.IsDirty())

	region, _ = Init(drawable, 0, 0, 10, 10, true, false)
	assert.Nil(region.SetRect(testPixels(100, 1), 0, 0, 10, 10))
	assert.True(tile.IsDirty())
}

// Writes through a clean region never reach the Swap Store, including full
// tile writes, so the stored pixels come back once the tile is evicted.
func TestCleanRegionKeepsStoredContent(t *testing.T) {
	assert := assert.New(t)

	manager, source := testSetup(t, 64*64)
	defer manager.Close()

	drawable := testDrawable(t, manager, source, 1, 64, 128, 1)

	dirty, _ := Init(drawable, 0, 0, 64, 128, true, false)
	original := testPixels(64*128, 3)
	assert.Nil(dirty.SetRect(original, 0, 0, 64, 128))

	tile, _ := drawable.GetTile(false, 0, 0)
	assert.True(tile.IsSwapped())

	clean, _ := Init(drawable, 0, 0, 64, 128, false, false)
	for _, size := range [][2]int{{64, 64}, {64, 63}} {
		scribble := make([]byte, size[0]*size[1])
		for i := range scribble {
			scribble[i] = 0xEE
		}
		assert.Nil(clean.SetRect(scribble, 0, 0, size[0], size[1]))
		assert.True(tile.IsSwapped(), "%v", size)
		assert.False(tile.IsDirty(), "%v", size)

		// reading the other tile evicts tile 0 without writing it back
		other := make([]byte, 64*64)
		assert.Nil(clean.GetRect(other, 0, 64, 64, 64))
		assert.Equal(original[64*64:], other, "%v", size)
		assert.False(tile.IsResident(), "%v", size)

		read := make([]byte, 64*64)
		assert.Nil(clean.GetRect(read, 0, 0, 64, 64))
		assert.Equal(original[:64*64], read, "%v", size)
	}
}

// Merging commits only the shadow tiles written through a dirty region, even
// when they were swapped out in between.
func TestShadowRegionMergeAfterEviction(t *testing.T) {
	assert := assert.New(t)

	manager, source := testSetup(t, 64*64)
	defer manager.Close()

	drawable := testDrawable(t, manager, source, 1, 128, 64, 1)

	primary, _ := Init(drawable, 0, 0, 128, 64, true, false)
	original := testPixels(128*64, 5)
	assert.Nil(primary.SetRect(original, 0, 0, 128, 64))

	// shadow tile 0 is only read, shadow tile 1 is rewritten
	readShadow, _ := Init(drawable, 0, 0, 64, 64, false, true)
	zeros := make([]byte, 64*64)
	assert.Nil(readShadow.GetRect(zeros, 0, 0, 64, 64))
	assert.Equal(make([]byte, 64*64), zeros)

	writeShadow, _ := Init(drawable, 64, 0, 64, 64, true, true)
	update := testPixels(64*64, 77)
	assert.Nil(writeShadow.SetRect(update, 64, 0, 64, 64))

	assert.Nil(drawable.MergeShadow())

	read := make([]byte, 128*64)
	assert.Nil(primary.GetRect(read, 0, 0, 128, 64))
	for row := 0; row < 64; row++ {
		assert.Equal(original[row*128:row*128+64], read[row*128:row*128+64], "row %d", row)
		assert.Equal(update[row*64:(row+1)*64], read[row*128+64:(row+1)*128], "row %d", row)
	}
}

func TestShadowRegion(t *testing.T) {
	assert := assert.New(t)

	manager, source := testSetup(t, 1<<20)
	defer manager.Close()

	drawable := testDrawable(t, manager, source, 1, 100, 100, 1)

	shadow, _ := Init(drawable, 0, 0, 100, 100, true, true)
	primary, _ := Init(drawable, 0, 0, 100, 100, true, false)

	pixels := testPixels(100*100, 9)
	assert.Nil(shadow.SetRect(pixels, 0, 0, 100, 100))

	read := make([]byte, len(pixels))
	assert.Nil(primary.GetRect(read, 0, 0, 100, 100))
	assert.Equal(make([]byte, len(pixels)), read)

	assert.Nil(drawable.MergeShadow())
	assert.Nil(primary.GetRect(read, 0, 0, 100, 100))
	assert.Equal(pixels, read)
}

func TestSwapFailurePropagates(t *testing.T) {
	assert := assert.New(t)

	source := tilecache.NewMapDrawableSource()
	store := swapstore.NewRAMStore()
	manager, err := tilecache.NewCacheManager(&tilecache.Config{MaxResidentBytes: 64 * 64}, source, store)
	require.Nil(t, err)

	drawable := testDrawable(t, manager, source, 1, 128, 64, 1)
	region, _ := Init(drawable, 0, 0, 128, 64, true, false)
	assert.Nil(region.SetRect(testPixels(128*64, 2), 0, 0, 128, 64))

	// closing the store makes every swap read and write fail
	assert.Nil(store.Close())

	read := make([]byte, 128*64)
	err = region.GetRect(read, 0, 0, 128, 64)
	assert.NotNil(err)
	assert.NotEqual(blunder.SuccessError, blunder.Classify(err))

	manager.Close()
}
