// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package swapstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/cstruct"
	"github.com/creachadair/cityhash"
	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/tilecache/blunder"
	"github.com/NVIDIA/tilecache/bucketstats"
	"github.com/NVIDIA/tilecache/logger"
	"github.com/NVIDIA/tilecache/platform"
)

const recordMagic = uint32(0x54494C45) // "TILE"

// Each record in the scratch file is a packed recordHeaderStruct followed by
// Length bytes of tile data.
type recordHeaderStruct struct {
	Magic      uint32
	DrawableID uint64
	Index      uint32
	Shadow     bool
	Length     uint32
	Checksum   uint64 // cityhash.Hash64() of the tile data
}

type extentStruct struct {
	offset uint64
	length uint64
}

// freeExtentItem orders free extents by (length, offset) so that
// AscendGreaterOrEqual() yields the best fit.
type freeExtentItem extentStruct

func (item freeExtentItem) Less(than btree.Item) bool {
	other := than.(freeExtentItem)
	if item.length != other.length {
		return item.length < other.length
	}
	return item.offset < other.offset
}

type fileStoreStatsStruct struct {
	Writes        bucketstats.Total
	Reads         bucketstats.Total
	BytesWritten  bucketstats.Total
	BytesRead     bucketstats.Total
	ExtentsReused bucketstats.Total
	WriteUsecs    bucketstats.BucketLog2Round
	ReadUsecs     bucketstats.BucketLog2Round
}

// FileStore keeps swapped tiles in a single scratch file.
type FileStore struct {
	sync.Mutex
	path           string
	file           *os.File
	headerSize     uint64
	eofOffset      uint64
	index          map[TileID]extentStruct
	freeExtents    *btree.BTree
	statsGroupName string
	stats          *fileStoreStatsStruct
}

var fileStoreSeq uint64

// NewFileStore creates a scratch file in dirPath (os.TempDir() if empty).
// The file is removed by Close().
func NewFileStore(dirPath string, syncWrites bool, statsGroupName string) (store *FileStore, err error) {
	var (
		headerSize uint64
	)

	headerSize, _, err = cstruct.Examine(recordHeaderStruct{})
	if nil != err {
		err = blunder.NewError(blunder.PackError, "cstruct.Examine(recordHeaderStruct{}) failed: %v", err)
		return
	}

	if "" == dirPath {
		dirPath = os.TempDir()
	}

	seq := atomic.AddUint64(&fileStoreSeq, 1)
	if "" == statsGroupName {
		statsGroupName = fmt.Sprintf("FileStore%d-%d", os.Getpid(), seq)
	}

	store = &FileStore{
		path:           filepath.Join(dirPath, fmt.Sprintf("tilecache-swap-%d-%d", os.Getpid(), seq)),
		headerSize:     headerSize,
		index:          make(map[TileID]extentStruct),
		freeExtents:    btree.New(2),
		statsGroupName: statsGroupName,
		stats:          &fileStoreStatsStruct{},
	}

	flag := os.O_RDWR | os.O_CREATE | os.O_EXCL
	if syncWrites {
		store.file, err = platform.OpenFileSync(store.path, flag, 0600)
	} else {
		store.file, err = os.OpenFile(store.path, flag, 0600)
	}
	if nil != err {
		err = blunder.NewError(blunder.IOError, "unable to create swap file %v: %v", store.path, err)
		store = nil
		return
	}

	bucketstats.Register("SwapStore", store.statsGroupName, store.stats)

	logger.Tracef("swap file %v created (sync: %v)", store.path, syncWrites)

	err = nil
	return
}

// Path returns the scratch file's path.
func (store *FileStore) Path() string {
	return store.path
}

func ioErrorValue(err error) blunder.CacheError {
	if errors.Is(err, unix.ENOSPC) {
		return blunder.NoSpaceError
	}
	return blunder.IOError
}

func (store *FileStore) allocateExtent(length uint64) (extent extentStruct) {
	var (
		found bool
		fit   freeExtentItem
	)

	store.freeExtents.AscendGreaterOrEqual(freeExtentItem{length: length}, func(item btree.Item) bool {
		fit = item.(freeExtentItem)
		found = true
		return false
	})

	if found {
		store.freeExtents.Delete(fit)
		if fit.length > length {
			store.freeExtents.ReplaceOrInsert(freeExtentItem{offset: fit.offset + length, length: fit.length - length})
		}
		store.stats.ExtentsReused.Increment()
		extent = extentStruct{offset: fit.offset, length: length}
		return
	}

	extent = extentStruct{offset: store.eofOffset, length: length}
	store.eofOffset += length
	return
}

func (store *FileStore) freeExtent(extent extentStruct) {
	if extent.offset+extent.length == store.eofOffset {
		store.eofOffset = extent.offset
		return
	}
	store.freeExtents.ReplaceOrInsert(freeExtentItem(extent))
}

func (store *FileStore) Write(id TileID, buf []byte) (err error) {
	var (
		headerBuf []byte
	)

	startTime := time.Now()

	store.Lock()
	defer store.Unlock()

	if nil == store.file {
		err = blunder.NewError(blunder.BadFileError, "FileStore.Write(%v): store is closed", id)
		return
	}

	header := recordHeaderStruct{
		Magic:      recordMagic,
		DrawableID: id.DrawableID,
		Index:      id.Index,
		Shadow:     id.Shadow,
		Length:     uint32(len(buf)),
		Checksum:   cityhash.Hash64(buf),
	}

	headerBuf, err = cstruct.Pack(header, cstruct.LittleEndian)
	if nil != err {
		err = blunder.NewError(blunder.PackError, "FileStore.Write(%v): cstruct.Pack() failed: %v", id, err)
		return
	}

	recordLen := store.headerSize + uint64(len(buf))

	extent, ok := store.index[id]
	if !ok || (extent.length != recordLen) {
		if ok {
			delete(store.index, id)
			store.freeExtent(extent)
		}
		extent = store.allocateExtent(recordLen)
	}

	_, err = store.file.WriteAt(headerBuf, int64(extent.offset))
	if nil == err {
		_, err = store.file.WriteAt(buf, int64(extent.offset+store.headerSize))
	}
	if nil != err {
		delete(store.index, id)
		store.freeExtent(extent)
		logger.ErrorfWithError(err, "swap write of tile %v to %v failed", id, store.path)
		err = blunder.NewError(ioErrorValue(err), "FileStore.Write(%v) failed: %v", id, err)
		return
	}

	store.index[id] = extent

	store.stats.Writes.Increment()
	store.stats.BytesWritten.Add(uint64(len(buf)))
	store.stats.WriteUsecs.Add(uint64(time.Since(startTime) / time.Microsecond))

	logger.Tracef("tile %v written at offset %d (%d bytes)", id, extent.offset, len(buf))

	err = nil
	return
}

func (store *FileStore) Read(id TileID, buf []byte) (err error) {
	var (
		header recordHeaderStruct
	)

	startTime := time.Now()

	store.Lock()
	defer store.Unlock()

	if nil == store.file {
		err = blunder.NewError(blunder.BadFileError, "FileStore.Read(%v): store is closed", id)
		return
	}

	extent, ok := store.index[id]
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "FileStore.Read(%v): tile was never swapped out", id)
		return
	}

	headerBuf := make([]byte, store.headerSize)

	_, err = store.file.ReadAt(headerBuf, int64(extent.offset))
	if nil != err {
		err = blunder.NewError(blunder.IOError, "FileStore.Read(%v): header read failed: %v", id, err)
		return
	}

	_, err = cstruct.Unpack(headerBuf, &header, cstruct.LittleEndian)
	if nil != err {
		err = blunder.NewError(blunder.CorruptTileError, "FileStore.Read(%v): cstruct.Unpack() failed: %v", id, err)
		return
	}

	if (recordMagic != header.Magic) || (id.DrawableID != header.DrawableID) ||
		(id.Index != header.Index) || (id.Shadow != header.Shadow) {
		err = blunder.NewError(blunder.CorruptTileError, "FileStore.Read(%v): record header does not match", id)
		return
	}

	if uint64(header.Length) != uint64(len(buf)) {
		err = blunder.NewError(blunder.IOError, "FileStore.Read(%v): record holds %d bytes, buffer is %d", id, header.Length, len(buf))
		return
	}

	_, err = store.file.ReadAt(buf, int64(extent.offset+store.headerSize))
	if nil != err {
		err = blunder.NewError(blunder.IOError, "FileStore.Read(%v): data read failed: %v", id, err)
		return
	}

	if cityhash.Hash64(buf) != header.Checksum {
		logger.Errorf("tile %v in %v failed its checksum", id, store.path)
		err = blunder.NewError(blunder.CorruptTileError, "FileStore.Read(%v): checksum mismatch", id)
		return
	}

	store.stats.Reads.Increment()
	store.stats.BytesRead.Add(uint64(len(buf)))
	store.stats.ReadUsecs.Add(uint64(time.Since(startTime) / time.Microsecond))

	err = nil
	return
}

func (store *FileStore) Contains(id TileID) (found bool) {
	store.Lock()
	_, found = store.index[id]
	store.Unlock()
	return
}

func (store *FileStore) Delete(id TileID) (err error) {
	store.Lock()
	defer store.Unlock()

	extent, ok := store.index[id]
	if ok {
		delete(store.index, id)
		store.freeExtent(extent)
	}

	err = nil
	return
}

func (store *FileStore) DeleteDrawable(drawableID uint64) (err error) {
	store.Lock()
	defer store.Unlock()

	for id, extent := range store.index {
		if id.DrawableID == drawableID {
			delete(store.index, id)
			store.freeExtent(extent)
		}
	}

	err = nil
	return
}

// Close closes and removes the scratch file. Further operations fail with
// blunder.BadFileError.
func (store *FileStore) Close() (err error) {
	store.Lock()
	defer store.Unlock()

	if nil == store.file {
		err = nil
		return
	}

	err = store.file.Close()
	store.file = nil

	removeErr := os.Remove(store.path)
	if nil == err {
		err = removeErr
	}

	store.index = make(map[TileID]extentStruct)
	store.freeExtents.Clear(false)

	bucketstats.UnRegister("SwapStore", store.statsGroupName)

	logger.Tracef("swap file %v removed", store.path)

	if nil != err {
		err = blunder.NewError(blunder.IOError, "FileStore.Close() of %v failed: %v", store.path, err)
	}
	return
}
