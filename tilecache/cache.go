// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package tilecache

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/tilecache/blunder"
	"github.com/NVIDIA/tilecache/bucketstats"
	"github.com/NVIDIA/tilecache/logger"
	"github.com/NVIDIA/tilecache/swapstore"
	"github.com/NVIDIA/tilecache/trackedlock"
	"github.com/NVIDIA/tilecache/utils"
)

// Config parameterizes a CacheManager.
type Config struct {
	MaxResidentBytes uint64
	SwapStore        swapstore.Config
	StatsGroupName   string
	TraceEnabled     bool
}

type statsStruct struct {
	Hits           bucketstats.Total
	Misses         bucketstats.Total
	Evictions      bucketstats.Total
	SwapIns        bucketstats.Total
	SwapOuts       bucketstats.Total
	BudgetOverruns bucketstats.Total
	FaultInUsecs   bucketstats.BucketLog2Round
	EvictUsecs     bucketstats.BucketLog2Round
}

// CacheManager bounds the memory used by resident tiles and coordinates
// fault-in and eviction against its Swap Store.
//
// One mutex guards the resident set, the LRU, the logical clock, the budget and
// the bookkeeping of every tile of every attached drawable. Swap Store I/O is
// performed with the mutex held so that eviction always picks among tiles that
// are unreferenced at that moment.
type CacheManager struct {
	trackedlock.Mutex
	source         DrawableSource
	store          swapstore.Store
	budget         uint64
	residentBytes  uint64
	residentTiles  uint64
	clock          uint64
	lru            sortedmap.LLRBTree // lruKeyStruct -> *Tile; GetByIndex(0) is the next victim
	drawables      map[uint64]*Drawable
	bufPool        *tileBufPoolSet
	statsGroupName string
	stats          *statsStruct
	closed         bool
}

// lruKeyStruct orders unreferenced resident tiles for eviction.
type lruKeyStruct struct {
	unrefTick  uint64
	index      uint32
	drawableID uint64
	shadow     bool
}

func compareLRUKey(key1 sortedmap.Key, key2 sortedmap.Key) (result int, err error) {
	k1, ok := key1.(lruKeyStruct)
	if !ok {
		err = fmt.Errorf("compareLRUKey(non-lruKeyStruct,) not supported")
		return
	}
	k2, ok := key2.(lruKeyStruct)
	if !ok {
		err = fmt.Errorf("compareLRUKey(lruKeyStruct, non-lruKeyStruct) not supported")
		return
	}

	switch {
	case k1.unrefTick != k2.unrefTick:
		result = compareUint64(k1.unrefTick, k2.unrefTick)
	case k1.index != k2.index:
		result = compareUint64(uint64(k1.index), uint64(k2.index))
	case k1.drawableID != k2.drawableID:
		result = compareUint64(k1.drawableID, k2.drawableID)
	case k1.shadow == k2.shadow:
		result = 0
	case k1.shadow:
		result = 1
	default:
		result = -1
	}

	err = nil
	return
}

func compareUint64(a uint64, b uint64) int {
	if a < b {
		return -1
	}
	return 1
}

// DumpKey and DumpValue satisfy sortedmap.LLRBTreeCallbacks.
func (manager *CacheManager) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	k := key.(lruKeyStruct)
	keyAsString = fmt.Sprintf("tick:%d idx:%d drawable:%d shadow:%v", k.unrefTick, k.index, k.drawableID, k.shadow)
	err = nil
	return
}

func (manager *CacheManager) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	valueAsString = value.(*Tile).id().String()
	err = nil
	return
}

var cacheManagerSeq uint64

// NewCacheManager creates a CacheManager. If store is nil, one is built from
// config.SwapStore and closed by Close(); a supplied store is also closed by
// Close().
func NewCacheManager(config *Config, source DrawableSource, store swapstore.Store) (manager *CacheManager, err error) {
	if nil == source {
		err = blunder.NewError(blunder.InvalidArgError, "NewCacheManager(): nil DrawableSource")
		return
	}

	if config.TraceEnabled {
		logger.EnableTrace("tilecache")
		logger.EnableTrace("swapstore")
	}

	statsGroupName := config.StatsGroupName
	if "" == statsGroupName {
		statsGroupName = fmt.Sprintf("CacheManager%d", atomic.AddUint64(&cacheManagerSeq, 1))
	}

	if nil == store {
		swapConfig := config.SwapStore
		if "" == swapConfig.StatsGroupName {
			swapConfig.StatsGroupName = statsGroupName
		}
		store, err = swapstore.New(&swapConfig)
		if nil != err {
			return
		}
	}

	manager = &CacheManager{
		source:         source,
		store:          store,
		budget:         config.MaxResidentBytes,
		drawables:      make(map[uint64]*Drawable),
		bufPool:        newTileBufPoolSet(defaultTileBufPoolSizes()),
		statsGroupName: statsGroupName,
		stats:          &statsStruct{},
	}
	manager.lru = sortedmap.NewLLRBTree(compareLRUKey, manager)

	bucketstats.Register("TileCache", manager.statsGroupName, manager.stats)

	logger.Infof("tile cache %v up with budget %v", manager.statsGroupName, utils.ByteSizeToString(manager.budget))

	err = nil
	return
}

// SetBudget sets the maximum resident tile bytes. It takes effect at the next
// fault-in and never forces eviction by itself.
func (manager *CacheManager) SetBudget(budget uint64) {
	manager.Lock()
	manager.budget = budget
	manager.Unlock()

	logger.Infof("tile cache %v budget set to %v", manager.statsGroupName, utils.ByteSizeToString(budget))
}

// SetCacheSize is SetBudget under the name filters use.
func (manager *CacheManager) SetCacheSize(budget uint64) {
	manager.SetBudget(budget)
}

// SetBudgetTiles sets the budget to ntiles full-sized tiles of bpp bytes per pixel.
func (manager *CacheManager) SetBudgetTiles(ntiles uint64, bpp int) {
	manager.SetBudget(ntiles * uint64(tileWidth*tileHeight*bpp))
}

func (manager *CacheManager) Budget() (budget uint64) {
	manager.Lock()
	budget = manager.budget
	manager.Unlock()
	return
}

func (manager *CacheManager) ResidentBytes() (residentBytes uint64) {
	manager.Lock()
	residentBytes = manager.residentBytes
	manager.Unlock()
	return
}

// StatsGroupName is the group the manager's bucketstats are registered under
// in package "TileCache".
func (manager *CacheManager) StatsGroupName() string {
	return manager.statsGroupName
}

func (manager *CacheManager) Stats() (stats Stats) {
	manager.Lock()
	stats = Stats{
		Hits:           manager.stats.Hits.TotalGet(),
		Misses:         manager.stats.Misses.TotalGet(),
		Evictions:      manager.stats.Evictions.TotalGet(),
		SwapIns:        manager.stats.SwapIns.TotalGet(),
		SwapOuts:       manager.stats.SwapOuts.TotalGet(),
		BudgetOverruns: manager.stats.BudgetOverruns.TotalGet(),
		ResidentBytes:  manager.residentBytes,
		ResidentTiles:  manager.residentTiles,
		Budget:         manager.budget,
	}
	manager.Unlock()
	return
}

// Ref takes a reference to tile. On the first reference the tile's buffer is
// made resident, from the Swap Store if it was swapped out and zero-filled
// otherwise. On error the reference count is unchanged.
func (manager *CacheManager) Ref(tile *Tile) (err error) {
	manager.Lock()
	err = manager.ref(tile, false)
	manager.Unlock()
	return
}

// RefZero takes the first reference to a tile whose content is to be
// discarded: the buffer is zero-filled without reading the Swap Store and any
// swapped copy is forgotten. The prior content is gone even if the matching
// Unref() is not dirty, so callers must only use it ahead of a full rewrite.
// It fails with blunder.DevBusyError if the tile is already held.
func (manager *CacheManager) RefZero(tile *Tile) (err error) {
	manager.Lock()
	err = manager.ref(tile, true)
	manager.Unlock()
	return
}

func (manager *CacheManager) ref(tile *Tile, zero bool) (err error) {
	if manager.closed {
		err = blunder.NewError(blunder.BadFileError, "tile %v: cache is closed", tile.id())
		return
	}
	if tile.released {
		err = blunder.NewError(blunder.InvalidArgError, "tile %v: drawable was detached", tile.id())
		return
	}
	if math.MaxUint16 == tile.refCount {
		err = blunder.NewError(blunder.TooManyHoldersError, "tile %v: reference count would overflow", tile.id())
		return
	}
	if zero && (0 != tile.refCount) {
		err = blunder.NewError(blunder.DevBusyError, "tile %v: RefZero() of a held tile", tile.id())
		return
	}

	manager.clock++

	if nil != tile.data {
		manager.stats.Hits.Increment()
		if tile.inLRU {
			manager.lruRemove(tile)
		}
		if zero {
			err = manager.forgetSwapped(tile)
			if nil != err {
				if 0 == tile.refCount {
					manager.lruInsert(tile)
				}
				return
			}
			zeroFill(tile.data)
			tile.dirty = false
			tile.written = false
		}
	} else {
		manager.stats.Misses.Increment()
		err = manager.faultIn(tile, zero)
		if nil != err {
			return
		}
	}

	tile.refCount++

	err = nil
	return
}

// Unref drops a reference to tile, marking it dirty if dirty is set. When the
// last reference is dropped the tile joins the LRU; its buffer stays resident
// until it is evicted. Unref of a tile with no references panics.
func (manager *CacheManager) Unref(tile *Tile, dirty bool) {
	manager.Lock()
	defer manager.Unlock()

	manager.unref(tile, dirty)
}

// ReleaseHolds drops holds at a single logical time, so tiles released
// together tie in the LRU and are evicted lowest index first. dirty[i]
// applies to holds[i]. Nil and already released holds are skipped.
func (manager *CacheManager) ReleaseHolds(holds []*TileHold, dirty []bool) {
	manager.Lock()
	defer manager.Unlock()

	manager.clock++

	for i, hold := range holds {
		if (nil == hold) || hold.released {
			continue
		}
		if hold.manager != manager {
			panic(fmt.Sprintf("tilecache: ReleaseHolds() of tile %v held through another CacheManager", hold.tile.id()))
		}
		hold.released = true
		manager.unrefAt(hold.tile, dirty[i], manager.clock)
	}
}

func (manager *CacheManager) unref(tile *Tile, dirty bool) {
	manager.clock++
	manager.unrefAt(tile, dirty, manager.clock)
}

// unrefAt drops one reference, stamping tick as the tile's LRU time if it was
// the last one.
func (manager *CacheManager) unrefAt(tile *Tile, dirty bool, tick uint64) {
	if 0 == tile.refCount {
		panic(fmt.Sprintf("tilecache: Unref() of tile %v with no references", tile.id()))
	}

	if dirty {
		tile.dirty = true
		tile.written = true
	}

	tile.refCount--

	if 0 == tile.refCount {
		tile.unrefTick = tick
		if !tile.released {
			manager.lruInsert(tile)
		}
	}
}

// Flush writes tile to the Swap Store if it is dirty.
func (manager *CacheManager) Flush(tile *Tile) (err error) {
	manager.Lock()
	err = manager.flush(tile)
	manager.Unlock()
	return
}

func (manager *CacheManager) flush(tile *Tile) (err error) {
	if !tile.dirty || (nil == tile.data) {
		err = nil
		return
	}

	err = manager.store.Write(tile.id(), tile.data)
	if nil != err {
		logger.ErrorfWithError(err, "swap out of tile %v failed", tile.id())
		return
	}

	tile.swapped = true
	tile.dirty = false
	manager.stats.SwapOuts.Increment()

	err = nil
	return
}

// Purge evicts every tile in tiles regardless of LRU order, flushing dirty
// tiles first. It fails with blunder.DevBusyError, purging nothing, if any of
// them is held.
func (manager *CacheManager) Purge(tiles []*Tile) (err error) {
	manager.Lock()
	err = manager.purge(tiles)
	manager.Unlock()
	return
}

func (manager *CacheManager) purge(tiles []*Tile) (err error) {
	for _, tile := range tiles {
		if 0 != tile.refCount {
			err = blunder.NewError(blunder.DevBusyError, "purge of held tile %v (refCount %d)", tile.id(), tile.refCount)
			return
		}
	}

	for _, tile := range tiles {
		if nil == tile.data {
			continue
		}
		err = manager.evict(tile)
		if nil != err {
			return
		}
	}

	err = nil
	return
}

// FlushAll flushes every dirty resident tile of every attached drawable.
func (manager *CacheManager) FlushAll() (err error) {
	manager.Lock()
	defer manager.Unlock()

	for _, drawable := range manager.drawables {
		err = drawable.flush()
		if nil != err {
			return
		}
	}

	err = nil
	return
}

// Close flushes all dirty tiles, frees every buffer, detaches every drawable
// and closes the Swap Store. The first error encountered is returned. It
// fails with blunder.DevBusyError, changing nothing, if any tile is held.
func (manager *CacheManager) Close() (err error) {
	manager.Lock()
	defer manager.Unlock()

	if manager.closed {
		err = nil
		return
	}

	for _, drawable := range manager.drawables {
		for _, tile := range drawable.allTiles() {
			if 0 != tile.refCount {
				err = blunder.NewError(blunder.DevBusyError, "Close(): tile %v is held (refCount %d)", tile.id(), tile.refCount)
				return
			}
		}
	}

	for _, drawable := range manager.drawables {
		flushErr := drawable.flush()
		if nil != flushErr {
			logger.WarnfWithError(flushErr, "tile cache %v: flush of drawable %d failed at close", manager.statsGroupName, drawable.id)
			if nil == err {
				err = flushErr
			}
		}
		drawable.release()
	}
	manager.drawables = make(map[uint64]*Drawable)
	manager.lru.Reset()
	manager.closed = true

	closeErr := manager.store.Close()
	if (nil != closeErr) && (nil == err) {
		err = closeErr
	}

	logger.Infof("tile cache %v down: %v", manager.statsGroupName,
		bucketstats.SprintStats("TileCache", manager.statsGroupName))

	bucketstats.UnRegister("TileCache", manager.statsGroupName)

	return
}

func (manager *CacheManager) lruInsert(tile *Tile) {
	ok, err := manager.lru.Put(tile.lruKey(), tile)
	if (nil != err) || !ok {
		panic(fmt.Sprintf("tilecache: LRU insert of tile %v failed (ok: %v err: %v)", tile.id(), ok, err))
	}
	tile.inLRU = true
}

func (manager *CacheManager) lruRemove(tile *Tile) {
	ok, err := manager.lru.DeleteByKey(tile.lruKey())
	if (nil != err) || !ok {
		panic(fmt.Sprintf("tilecache: LRU delete of tile %v failed (ok: %v err: %v)", tile.id(), ok, err))
	}
	tile.inLRU = false
}

func (manager *CacheManager) lruOldest() (tile *Tile) {
	_, value, ok, err := manager.lru.GetByIndex(0)
	if nil != err {
		panic(fmt.Sprintf("tilecache: LRU GetByIndex(0) failed: %v", err))
	}
	if !ok {
		tile = nil
		return
	}
	tile = value.(*Tile)
	return
}

// faultIn makes tile resident, evicting unreferenced tiles first while the
// budget would otherwise be exceeded. If nothing is evictable the budget is
// exceeded.
func (manager *CacheManager) faultIn(tile *Tile, zero bool) (err error) {
	stopwatch := utils.NewStopwatch()

	need := uint64(tile.size())

	for manager.residentBytes+need > manager.budget {
		victim := manager.lruOldest()
		if nil == victim {
			manager.stats.BudgetOverruns.Increment()
			logger.Warnf("tile %v: no unreferenced tile to evict; %v resident exceeds budget %v",
				tile.id(), utils.ByteSizeToString(manager.residentBytes+need), utils.ByteSizeToString(manager.budget))
			break
		}
		err = manager.evict(victim)
		if nil != err {
			return
		}
	}

	buf := manager.bufPool.get(int(need))

	if tile.swapped && !zero {
		err = manager.store.Read(tile.id(), buf)
		if nil != err {
			manager.bufPool.put(buf)
			logger.ErrorfWithError(err, "swap in of tile %v failed", tile.id())
			return
		}
		manager.stats.SwapIns.Increment()
	} else {
		zeroFill(buf)
		if zero {
			err = manager.forgetSwapped(tile)
			if nil != err {
				manager.bufPool.put(buf)
				return
			}
			tile.written = false
		}
	}

	tile.data = buf
	manager.residentBytes += need
	manager.residentTiles++

	manager.stats.FaultInUsecs.Add(uint64(stopwatch.ElapsedUs()))
	logger.Tracef("tile %v faulted in (%d bytes, swapped: %v, zero: %v)", tile.id(), need, tile.swapped, zero)

	err = nil
	return
}

// evict flushes (if dirty) and frees an unreferenced resident tile. If the
// flush fails the tile stays resident and dirty.
func (manager *CacheManager) evict(tile *Tile) (err error) {
	stopwatch := utils.NewStopwatch()

	err = manager.flush(tile)
	if nil != err {
		return
	}

	manager.freeBuffer(tile)
	manager.stats.Evictions.Increment()
	manager.stats.EvictUsecs.Add(uint64(stopwatch.ElapsedUs()))

	logger.Tracef("tile %v evicted", tile.id())

	err = nil
	return
}

func (manager *CacheManager) freeBuffer(tile *Tile) {
	if nil == tile.data {
		return
	}
	if tile.inLRU {
		manager.lruRemove(tile)
	}
	manager.bufPool.put(tile.data)
	tile.data = nil
	tile.dirty = false
	manager.residentBytes -= uint64(tile.size())
	manager.residentTiles--
}

func (manager *CacheManager) forgetSwapped(tile *Tile) (err error) {
	if !tile.swapped {
		err = nil
		return
	}
	err = manager.store.Delete(tile.id())
	if nil != err {
		return
	}
	tile.swapped = false
	return
}

func zeroFill(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
