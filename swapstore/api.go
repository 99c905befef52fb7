// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package swapstore provides out-of-core backing storage for evicted tiles.
//
// A Store persists the bytes of a tile keyed by a stable TileID. Writes
// overwrite any prior content for the same TileID; there is no versioning since
// a tile is only ever represented by one in-memory buffer at a time.
//
// Two implementations are provided: a FileStore backed by a scratch file that
// is removed on Close(), and a RAMStore intended for tests and small images.
package swapstore

import (
	"fmt"

	"github.com/NVIDIA/tilecache/blunder"
)

// TileID identifies a tile across fault-in/eviction cycles.
type TileID struct {
	DrawableID uint64
	Index      uint32
	Shadow     bool
}

func (id TileID) String() string {
	if id.Shadow {
		return fmt.Sprintf("%d/%d/shadow", id.DrawableID, id.Index)
	}
	return fmt.Sprintf("%d/%d", id.DrawableID, id.Index)
}

// Store is the interface the tile cache uses to swap tiles out and back in.
//
// Read fills buf with the bytes previously written for id. It fails with
// blunder.NotFoundError if id was never written, blunder.IOError if the record
// cannot be read or its length differs from len(buf), and
// blunder.CorruptTileError if the record fails its integrity check.
type Store interface {
	Write(id TileID, buf []byte) (err error)
	Read(id TileID, buf []byte) (err error)
	Contains(id TileID) (found bool)
	Delete(id TileID) (err error)
	DeleteDrawable(drawableID uint64) (err error)
	Close() (err error)
}

// Store types accepted by New()
const (
	StoreTypeFile = "file"
	StoreTypeRAM  = "ram"
)

// Config selects and parameterizes a Store.
type Config struct {
	StoreType      string // StoreTypeFile or StoreTypeRAM
	DirPath        string // directory holding the FileStore scratch file
	SyncWrites     bool   // open the FileStore scratch file O_SYNC
	StatsGroupName string // bucketstats group for the store's statistics
}

// New returns the Store described by config.
func New(config *Config) (store Store, err error) {
	switch config.StoreType {
	case StoreTypeFile:
		store, err = NewFileStore(config.DirPath, config.SyncWrites, config.StatsGroupName)
	case StoreTypeRAM:
		store = NewRAMStore()
		err = nil
	default:
		err = blunder.NewError(blunder.InvalidArgError, "swapstore.New(): unknown StoreType \"%v\"", config.StoreType)
	}
	return
}
