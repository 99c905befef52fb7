// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package swapstore

import (
	"sync"

	"github.com/NVIDIA/tilecache/blunder"
)

// RAMStore keeps swapped tiles in memory. It has the same semantics as a
// FileStore minus the scratch file.
type RAMStore struct {
	sync.Mutex
	closed  bool
	records map[TileID][]byte
}

func NewRAMStore() (store *RAMStore) {
	store = &RAMStore{records: make(map[TileID][]byte)}
	return
}

func (store *RAMStore) Write(id TileID, buf []byte) (err error) {
	store.Lock()
	defer store.Unlock()

	if store.closed {
		err = blunder.NewError(blunder.BadFileError, "RAMStore.Write(%v): store is closed", id)
		return
	}

	record, ok := store.records[id]
	if !ok || (len(record) != len(buf)) {
		record = make([]byte, len(buf))
		store.records[id] = record
	}
	copy(record, buf)

	err = nil
	return
}

func (store *RAMStore) Read(id TileID, buf []byte) (err error) {
	store.Lock()
	defer store.Unlock()

	if store.closed {
		err = blunder.NewError(blunder.BadFileError, "RAMStore.Read(%v): store is closed", id)
		return
	}

	record, ok := store.records[id]
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "RAMStore.Read(%v): tile was never swapped out", id)
		return
	}
	if len(record) != len(buf) {
		err = blunder.NewError(blunder.IOError, "RAMStore.Read(%v): record holds %d bytes, buffer is %d", id, len(record), len(buf))
		return
	}

	copy(buf, record)

	err = nil
	return
}

func (store *RAMStore) Contains(id TileID) (found bool) {
	store.Lock()
	_, found = store.records[id]
	store.Unlock()
	return
}

func (store *RAMStore) Delete(id TileID) (err error) {
	store.Lock()
	delete(store.records, id)
	store.Unlock()
	err = nil
	return
}

func (store *RAMStore) DeleteDrawable(drawableID uint64) (err error) {
	store.Lock()
	for id := range store.records {
		if id.DrawableID == drawableID {
			delete(store.records, id)
		}
	}
	store.Unlock()
	err = nil
	return
}

func (store *RAMStore) Close() (err error) {
	store.Lock()
	store.closed = true
	store.records = make(map[TileID][]byte)
	store.Unlock()
	err = nil
	return
}
