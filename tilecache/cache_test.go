// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package tilecache

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/tilecache/blunder"
	"github.com/NVIDIA/tilecache/swapstore"
)

func testTiles(t *testing.T, manager *CacheManager, source *MapDrawableSource, id uint64, width int, height int) (drawable *Drawable, tiles []*Tile) {
	source.Add(id, DrawableInfo{Width: width, Height: height, BPP: 1, NumChannels: 1})

	drawable, err := manager.GetDrawable(id)
	if nil != err {
		t.Fatalf("GetDrawable(%d) failed: %v", id, err)
	}

	for row := 0; row < drawable.Rows(); row++ {
		for col := 0; col < drawable.Cols(); col++ {
			tile, err := drawable.GetTile(false, row, col)
			if nil != err {
				t.Fatalf("GetTile(false, %d, %d) failed: %v", row, col, err)
			}
			tiles = append(tiles, tile)
		}
	}

	return
}

func TestRefBalance(t *testing.T) {
	assert := assert.New(t)

	manager, source, testDir := testSetup(t, swapstore.StoreTypeRAM, 4)
	defer testTeardown(t, manager, testDir)

	_, tiles := testTiles(t, manager, source, 1, 64, 64)
	tile := tiles[0]

	assert.False(tile.IsResident())
	assert.Nil(tile.Data())

	assert.Nil(manager.Ref(tile))
	assert.True(tile.IsResident())
	assert.Equal(testTileBytes, len(tile.Data()))
	assert.Equal(make([]byte, testTileBytes), tile.Data())
	assert.Equal(uint64(testTileBytes), manager.ResidentBytes())

	assert.Nil(manager.Ref(tile))
	assert.Nil(manager.Ref(tile))
	assert.Equal(uint16(3), tile.RefCount())

	manager.Unref(tile, false)
	manager.Unref(tile, true)
	assert.Equal(uint16(1), tile.RefCount())
	assert.True(tile.IsDirty())

	manager.Unref(tile, false)
	assert.Equal(uint16(0), tile.RefCount())
	assert.True(tile.IsDirty())

	// an unreferenced tile stays resident until it is evicted
	assert.True(tile.IsResident())

	assert.Panics(func() { manager.Unref(tile, false) })
	assert.Equal(uint16(0), tile.RefCount())

	stats := manager.Stats()
	assert.Equal(uint64(1), stats.Misses)
	assert.Equal(uint64(2), stats.Hits)
	assert.Equal(uint64(1), stats.ResidentTiles)
	assert.Equal(uint64(4*testTileBytes), stats.Budget)
}

func TestReferenceOverflow(t *testing.T) {
	assert := assert.New(t)

	manager, source, testDir := testSetup(t, swapstore.StoreTypeRAM, 4)
	defer testTeardown(t, manager, testDir)

	_, tiles := testTiles(t, manager, source, 1, 64, 64)
	tile := tiles[0]

	assert.Nil(manager.Ref(tile))

	manager.Lock()
	tile.refCount = math.MaxUint16
	manager.Unlock()

	assert.True(blunder.Is(manager.Ref(tile), blunder.TooManyHoldersError))
	assert.Equal(uint16(math.MaxUint16), tile.RefCount())

	manager.Lock()
	tile.refCount = 1
	manager.Unlock()

	manager.Unref(tile, false)
}

func TestDirtyRoundTrip(t *testing.T) {
	assert := assert.New(t)

	for _, storeType := range []string{swapstore.StoreTypeRAM, swapstore.StoreTypeFile} {
		manager, source, testDir := testSetup(t, storeType, 1)

		_, tiles := testTiles(t, manager, source, 1, 128, 64)
		assert.Equal(2, len(tiles), storeType)

		assert.Nil(manager.Ref(tiles[0]))
		testFill(tiles[0].Data(), 42)
		manager.Unref(tiles[0], true)

		// faulting in tiles[1] forces tiles[0] out to the Swap Store
		assert.Nil(manager.Ref(tiles[1]))
		assert.False(tiles[0].IsResident(), storeType)
		assert.True(tiles[0].IsSwapped(), storeType)
		assert.False(tiles[0].IsDirty(), storeType)
		manager.Unref(tiles[1], false)

		// and faulting it back in restores its pixels
		assert.Nil(manager.Ref(tiles[0]))
		assert.Equal(testPattern(testTileBytes, 42), tiles[0].Data(), storeType)
		manager.Unref(tiles[0], false)

		stats := manager.Stats()
		assert.Equal(uint64(1), stats.SwapOuts, storeType)
		assert.Equal(uint64(1), stats.SwapIns, storeType)
		assert.Equal(uint64(2), stats.Evictions, storeType)
		assert.Equal(uint64(0), stats.BudgetOverruns, storeType)
		assert.Equal(uint64(testTileBytes), stats.ResidentBytes, storeType)

		testTeardown(t, manager, testDir)
	}
}

func TestEvictionSkipsHeldTiles(t *testing.T) {
	assert := assert.New(t)

	manager, source, testDir := testSetup(t, swapstore.StoreTypeRAM, 2)
	defer testTeardown(t, manager, testDir)

	_, tiles := testTiles(t, manager, source, 1, 192, 64)

	assert.Nil(manager.Ref(tiles[0]))
	assert.Nil(manager.Ref(tiles[1]))

	// nothing is evictable, so the budget is exceeded rather than failing
	assert.Nil(manager.Ref(tiles[2]))
	assert.True(tiles[0].IsResident())
	assert.True(tiles[1].IsResident())
	assert.Equal(uint64(3*testTileBytes), manager.ResidentBytes())
	assert.Equal(uint64(1), manager.Stats().BudgetOverruns)

	// once tiles are released the next fault-in evicts back under budget
	manager.Unref(tiles[0], false)
	manager.Unref(tiles[1], false)
	manager.Unref(tiles[2], false)

	_, more := testTiles(t, manager, source, 2, 64, 64)
	assert.Nil(manager.Ref(more[0]))
	assert.Equal(uint64(2*testTileBytes), manager.ResidentBytes())
	assert.Equal(uint64(2), manager.Stats().Evictions)
	manager.Unref(more[0], false)
}

func TestLRUTieBreak(t *testing.T) {
	assert := assert.New(t)

	manager, source, testDir := testSetup(t, swapstore.StoreTypeRAM, 3)
	defer testTeardown(t, manager, testDir)

	_, tiles := testTiles(t, manager, source, 1, 256, 64)

	var holds []*TileHold
	for _, i := range []int{2, 0, 1} {
		hold, err := manager.Hold(tiles[i])
		if !assert.Nil(err) {
			return
		}
		holds = append(holds, hold)
	}

	// all three are unreferenced at the same logical time
	manager.ReleaseHolds(holds, []bool{false, false, false})

	// the lowest index goes first
	assert.Nil(manager.Ref(tiles[3]))
	assert.False(tiles[0].IsResident())
	assert.True(tiles[1].IsResident())
	assert.True(tiles[2].IsResident())
	manager.Unref(tiles[3], false)

	assert.Nil(manager.Ref(tiles[0]))
	assert.False(tiles[1].IsResident())
	assert.True(tiles[2].IsResident())
	assert.True(tiles[3].IsResident())
	manager.Unref(tiles[0], false)

	// a re-referenced tile leaves the LRU and is not a victim
	assert.Nil(manager.Ref(tiles[2]))
	assert.Nil(manager.Ref(tiles[1]))
	assert.True(tiles[2].IsResident())
	assert.False(tiles[3].IsResident())
	manager.Unref(tiles[1], false)
	manager.Unref(tiles[2], false)
}

func TestLRUReleaseOrder(t *testing.T) {
	assert := assert.New(t)

	manager, source, testDir := testSetup(t, swapstore.StoreTypeRAM, 3)
	defer testTeardown(t, manager, testDir)

	_, tiles := testTiles(t, manager, source, 1, 256, 64)

	assert.Nil(manager.Ref(tiles[0]))
	assert.Nil(manager.Ref(tiles[1]))
	assert.Nil(manager.Ref(tiles[2]))

	// released back to back, highest index first
	manager.Unref(tiles[2], false)
	manager.Unref(tiles[0], false)
	manager.Unref(tiles[1], false)

	// the earliest release goes first, whatever its index
	assert.Nil(manager.Ref(tiles[3]))
	assert.False(tiles[2].IsResident())
	assert.True(tiles[0].IsResident())
	assert.True(tiles[1].IsResident())
	manager.Unref(tiles[3], false)

	_, more := testTiles(t, manager, source, 2, 64, 64)
	assert.Nil(manager.Ref(more[0]))
	assert.False(tiles[0].IsResident())
	assert.True(tiles[1].IsResident())
	assert.True(tiles[3].IsResident())
	manager.Unref(more[0], false)
}

func TestReleaseHolds(t *testing.T) {
	assert := assert.New(t)

	manager, source, testDir := testSetup(t, swapstore.StoreTypeRAM, 4)
	defer testTeardown(t, manager, testDir)

	_, tiles := testTiles(t, manager, source, 1, 192, 64)

	holds := make([]*TileHold, 3)
	for i := range holds {
		hold, err := manager.Hold(tiles[i])
		if !assert.Nil(err) {
			return
		}
		holds[i] = hold
	}

	// a hold released on its own is skipped
	holds[1].Release(false)

	manager.ReleaseHolds(append(holds, nil), []bool{true, true, false, true})
	for _, tile := range tiles {
		assert.Equal(uint16(0), tile.RefCount())
	}
	assert.True(tiles[0].IsDirty())
	assert.False(tiles[1].IsDirty())
	assert.False(tiles[2].IsDirty())

	// releasing again does nothing
	manager.ReleaseHolds(holds, []bool{false, false, false})
	holds[0].Release(false)
	assert.Equal(uint16(0), tiles[0].RefCount())

	other, otherSource, otherDir := testSetup(t, swapstore.StoreTypeRAM, 4)
	defer testTeardown(t, other, otherDir)
	_, otherTiles := testTiles(t, other, otherSource, 1, 64, 64)
	otherHold, err := other.Hold(otherTiles[0])
	if !assert.Nil(err) {
		return
	}
	assert.Panics(func() { manager.ReleaseHolds([]*TileHold{otherHold}, []bool{false}) })
	otherHold.Release(false)
}

func TestSwapWriteFailure(t *testing.T) {
	assert := assert.New(t)

	manager, source, store := testSetupFailing(t, 1)
	defer manager.Close()

	_, tiles := testTiles(t, manager, source, 1, 128, 64)

	assert.Nil(manager.Ref(tiles[0]))
	testFill(tiles[0].Data(), 9)
	manager.Unref(tiles[0], true)

	store.failWrites = true

	err := manager.Ref(tiles[1])
	assert.True(blunder.Is(err, blunder.IOError))
	assert.Equal(uint16(0), tiles[1].RefCount())
	assert.False(tiles[1].IsResident())

	// the victim is neither lost nor cleaned
	assert.True(tiles[0].IsResident())
	assert.True(tiles[0].IsDirty())
	assert.False(tiles[0].IsSwapped())

	assert.True(blunder.Is(manager.Flush(tiles[0]), blunder.IOError))
	assert.True(tiles[0].IsDirty())

	store.failWrites = false

	assert.Nil(manager.Ref(tiles[1]))
	assert.True(tiles[0].IsSwapped())
	assert.False(tiles[0].IsResident())
	manager.Unref(tiles[1], false)
}

func TestSwapReadFailure(t *testing.T) {
	assert := assert.New(t)

	manager, source, store := testSetupFailing(t, 1)
	defer manager.Close()

	_, tiles := testTiles(t, manager, source, 1, 128, 64)

	assert.Nil(manager.Ref(tiles[0]))
	testFill(tiles[0].Data(), 13)
	manager.Unref(tiles[0], true)
	assert.Nil(manager.Ref(tiles[1]))
	manager.Unref(tiles[1], false)

	store.failReads = true

	err := manager.Ref(tiles[0])
	assert.True(blunder.Is(err, blunder.IOError))
	assert.Equal(uint16(0), tiles[0].RefCount())
	assert.False(tiles[0].IsResident())
	assert.True(tiles[0].IsSwapped())

	store.failReads = false

	assert.Nil(manager.Ref(tiles[0]))
	assert.Equal(testPattern(testTileBytes, 13), tiles[0].Data())
	manager.Unref(tiles[0], false)
}

func TestRefZero(t *testing.T) {
	assert := assert.New(t)

	manager, source, testDir := testSetup(t, swapstore.StoreTypeFile, 1)
	defer testTeardown(t, manager, testDir)

	_, tiles := testTiles(t, manager, source, 1, 128, 64)

	assert.Nil(manager.Ref(tiles[0]))
	testFill(tiles[0].Data(), 5)
	manager.Unref(tiles[0], true)
	assert.Nil(manager.Ref(tiles[1]))
	manager.Unref(tiles[1], false)
	assert.True(tiles[0].IsSwapped())

	// RefZero() of a swapped tile zero-fills it and drops the swap copy
	assert.Nil(manager.RefZero(tiles[0]))
	assert.Equal(make([]byte, testTileBytes), tiles[0].Data())
	assert.False(tiles[0].IsSwapped())

	// RefZero() of a held tile is refused
	assert.True(blunder.Is(manager.RefZero(tiles[0]), blunder.DevBusyError))
	assert.Equal(uint16(1), tiles[0].RefCount())

	testFill(tiles[0].Data(), 6)
	manager.Unref(tiles[0], true)

	// RefZero() of a resident tile zero-fills it in place
	assert.Nil(manager.RefZero(tiles[0]))
	assert.Equal(make([]byte, testTileBytes), tiles[0].Data())
	assert.False(tiles[0].IsDirty())
	manager.Unref(tiles[0], false)

	assert.Equal(uint64(0), manager.Stats().SwapIns)
}

func TestPurge(t *testing.T) {
	assert := assert.New(t)

	manager, source, testDir := testSetup(t, swapstore.StoreTypeRAM, 4)
	defer testTeardown(t, manager, testDir)

	_, tiles := testTiles(t, manager, source, 1, 128, 64)

	assert.Nil(manager.Ref(tiles[0]))
	testFill(tiles[0].Data(), 3)
	manager.Unref(tiles[0], true)
	assert.Nil(manager.Ref(tiles[1]))

	// a held tile makes the whole purge fail
	assert.True(blunder.Is(manager.Purge(tiles), blunder.DevBusyError))
	assert.True(tiles[0].IsResident())
	assert.True(tiles[1].IsResident())

	manager.Unref(tiles[1], false)
	assert.Nil(manager.Purge(tiles))
	assert.False(tiles[0].IsResident())
	assert.False(tiles[1].IsResident())
	assert.True(tiles[0].IsSwapped())
	assert.False(tiles[1].IsSwapped())
	assert.Equal(uint64(0), manager.ResidentBytes())

	// purging tiles that are not resident is a no-op
	assert.Nil(manager.Purge(tiles))

	assert.Nil(manager.Ref(tiles[0]))
	assert.Equal(testPattern(testTileBytes, 3), tiles[0].Data())
	manager.Unref(tiles[0], false)
}

func TestFlush(t *testing.T) {
	assert := assert.New(t)

	manager, source, testDir := testSetup(t, swapstore.StoreTypeRAM, 4)
	defer testTeardown(t, manager, testDir)

	drawable, tiles := testTiles(t, manager, source, 1, 128, 64)

	// flushing a clean or non-resident tile writes nothing
	assert.Nil(manager.Flush(tiles[0]))
	assert.Equal(uint64(0), manager.Stats().SwapOuts)

	for _, tile := range tiles {
		assert.Nil(manager.Ref(tile))
		manager.Unref(tile, true)
	}

	assert.Nil(manager.Flush(tiles[0]))
	assert.False(tiles[0].IsDirty())
	assert.True(tiles[0].IsResident())
	assert.Equal(uint64(1), manager.Stats().SwapOuts)

	assert.Nil(drawable.Flush())
	assert.False(tiles[1].IsDirty())
	assert.Equal(uint64(2), manager.Stats().SwapOuts)

	assert.Nil(manager.Ref(tiles[1]))
	manager.Unref(tiles[1], true)
	assert.Nil(manager.FlushAll())
	assert.Equal(uint64(3), manager.Stats().SwapOuts)
}

func TestTileHold(t *testing.T) {
	assert := assert.New(t)

	manager, source, testDir := testSetup(t, swapstore.StoreTypeRAM, 4)
	defer testTeardown(t, manager, testDir)

	_, tiles := testTiles(t, manager, source, 1, 64, 64)

	hold, err := manager.Hold(tiles[0])
	if !assert.Nil(err) {
		return
	}
	assert.True(tiles[0] == hold.Tile())
	assert.Equal(uint16(1), tiles[0].RefCount())

	testFill(hold.Data(), 1)
	hold.Release(true)
	hold.Release(false)
	assert.Equal(uint16(0), tiles[0].RefCount())
	assert.True(tiles[0].IsDirty())

	_, err = manager.HoldZero(tiles[0])
	assert.Nil(err)
	_, err = manager.HoldZero(tiles[0])
	assert.True(blunder.Is(err, blunder.DevBusyError))
	manager.Unref(tiles[0], false)
}

func TestBudget(t *testing.T) {
	assert := assert.New(t)

	manager, source, testDir := testSetup(t, swapstore.StoreTypeRAM, 4)
	defer testTeardown(t, manager, testDir)

	_, tiles := testTiles(t, manager, source, 1, 256, 64)
	for _, tile := range tiles {
		assert.Nil(manager.Ref(tile))
		manager.Unref(tile, false)
	}
	assert.Equal(uint64(4*testTileBytes), manager.ResidentBytes())

	// shrinking the budget takes effect at the next fault-in
	manager.SetBudgetTiles(2, 1)
	assert.Equal(uint64(2*testTileBytes), manager.Budget())
	assert.Equal(uint64(4*testTileBytes), manager.ResidentBytes())

	_, more := testTiles(t, manager, source, 2, 64, 64)
	assert.Nil(manager.Ref(more[0]))
	assert.Equal(uint64(2*testTileBytes), manager.ResidentBytes())
	manager.Unref(more[0], false)

	manager.SetCacheSize(uint64(testTileBytes))
	assert.Equal(uint64(testTileBytes), manager.Budget())
}

func TestClose(t *testing.T) {
	assert := assert.New(t)

	manager, source, testDir := testSetup(t, swapstore.StoreTypeRAM, 4)

	_, tiles := testTiles(t, manager, source, 1, 64, 64)
	assert.Nil(manager.Ref(tiles[0]))
	manager.Unref(tiles[0], true)

	testTeardown(t, manager, testDir)

	assert.Equal(uint64(0), manager.ResidentBytes())
	assert.True(blunder.Is(manager.Ref(tiles[0]), blunder.BadFileError))
	_, err := manager.GetDrawable(1)
	assert.True(blunder.Is(err, blunder.BadFileError))
	assert.Nil(manager.Close())
}

func TestCloseWithHeldTile(t *testing.T) {
	assert := assert.New(t)

	manager, source, testDir := testSetup(t, swapstore.StoreTypeRAM, 4)

	_, tiles := testTiles(t, manager, source, 1, 128, 64)
	assert.Nil(manager.Ref(tiles[0]))
	testFill(tiles[0].Data(), 8)
	assert.Nil(manager.Ref(tiles[1]))
	manager.Unref(tiles[1], true)

	// nothing is flushed or freed while a tile is held
	assert.True(blunder.Is(manager.Close(), blunder.DevBusyError))
	assert.True(tiles[0].IsResident())
	assert.True(tiles[1].IsDirty())
	assert.Equal(uint64(0), manager.Stats().SwapOuts)
	assert.Equal(testPattern(testTileBytes, 8), tiles[0].Data())

	manager.Unref(tiles[0], true)
	testTeardown(t, manager, testDir)

	assert.Equal(uint64(0), manager.ResidentBytes())
	assert.True(blunder.Is(manager.Ref(tiles[0]), blunder.BadFileError))
}

func TestBufPool(t *testing.T) {
	assert := assert.New(t)

	pool := newTileBufPoolSet([]int{16, 64})

	buf := pool.get(16)
	assert.Equal(16, len(buf))
	pool.put(buf)

	buf = pool.get(40)
	assert.Equal(40, len(buf))
	assert.Equal(64, cap(buf))
	pool.put(buf)

	buf = pool.get(100)
	assert.Equal(100, len(buf))
	pool.put(buf)
}
