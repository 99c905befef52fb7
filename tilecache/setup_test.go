// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package tilecache

import (
	"fmt"
	"io/ioutil"
	"os"
	"testing"

	"github.com/NVIDIA/tilecache/blunder"
	"github.com/NVIDIA/tilecache/conf"
	"github.com/NVIDIA/tilecache/swapstore"
)

const testTileBytes = tileWidth * tileHeight // one full tile at 1 byte per pixel

// testSetup starts a CacheManager whose budget holds budgetTiles full tiles of
// 1 byte per pixel, backed by a storeType Swap Store.
func testSetup(t *testing.T, storeType string, budgetTiles int) (manager *CacheManager, source *MapDrawableSource, testDir string) {
	var (
		err error
	)

	testDir, err = ioutil.TempDir("", "TestTileCache")
	if nil != err {
		t.Fatalf("ioutil.TempDir() failed: %v", err)
	}

	confStrings := []string{
		fmt.Sprintf("TileCache.MaxResidentBytes=%d", budgetTiles*testTileBytes),
		"TileCache.SwapStoreType=" + storeType,
		"TileCache.SwapDirPath=" + testDir,
	}

	confMap, err := conf.MakeConfMapFromStrings(confStrings)
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings() failed: %v", err)
	}

	source = NewMapDrawableSource()

	manager, err = Start(confMap, source)
	if nil != err {
		t.Fatalf("Start() failed: %v", err)
	}

	return
}

func testTeardown(t *testing.T, manager *CacheManager, testDir string) {
	err := manager.Close()
	if nil != err {
		t.Errorf("manager.Close() failed: %v", err)
	}
	err = os.RemoveAll(testDir)
	if nil != err {
		t.Errorf("os.RemoveAll() failed: %v", err)
	}
}

// failingStore wraps a Store and fails reads and/or writes on demand.
type failingStore struct {
	swapstore.Store
	failWrites bool
	failReads  bool
}

func (store *failingStore) Write(id swapstore.TileID, buf []byte) (err error) {
	if store.failWrites {
		err = blunder.NewError(blunder.IOError, "injected write failure for %v", id)
		return
	}
	err = store.Store.Write(id, buf)
	return
}

func (store *failingStore) Read(id swapstore.TileID, buf []byte) (err error) {
	if store.failReads {
		err = blunder.NewError(blunder.IOError, "injected read failure for %v", id)
		return
	}
	err = store.Store.Read(id, buf)
	return
}

func testSetupFailing(t *testing.T, budgetTiles int) (manager *CacheManager, source *MapDrawableSource, store *failingStore) {
	var (
		err error
	)

	source = NewMapDrawableSource()
	store = &failingStore{Store: swapstore.NewRAMStore()}

	manager, err = NewCacheManager(&Config{MaxResidentBytes: uint64(budgetTiles * testTileBytes)}, source, store)
	if nil != err {
		t.Fatalf("NewCacheManager() failed: %v", err)
	}

	return
}

func testFill(buf []byte, seed byte) {
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}
}

func testPattern(n int, seed byte) (buf []byte) {
	buf = make([]byte, n)
	testFill(buf, seed)
	return
}
