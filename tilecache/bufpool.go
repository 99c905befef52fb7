// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package tilecache

import (
	"sort"
	"sync"
)

// tileBufPoolSet is a set of pools of tile buffers of various sizes. Edge tiles
// and drawables of differing depth need differently sized buffers; get()
// returns a buffer from the smallest pool whose size is large enough.
//
// Buffers larger than the largest pool are allocated directly and dropped on
// put().
//
type tileBufPoolSet struct {
	pools     []*sync.Pool
	poolSizes []int
}

// newTileBufPoolSet creates one pool per size in sizes, which must be strictly
// increasing.
func newTileBufPoolSet(sizes []int) (slabs *tileBufPoolSet) {
	slabs = &tileBufPoolSet{
		pools:     make([]*sync.Pool, len(sizes)),
		poolSizes: sizes,
	}

	for i, sz := range sizes {
		if i > 0 && sizes[i-1] >= sz {
			panic("newTileBufPoolSet(): sizes not increasing")
		}

		poolSize := sz
		slabs.pools[i] = &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, poolSize)
				return &buf
			},
		}
	}

	return
}

// defaultTileBufPoolSizes covers every tile up to tileWidth*tileHeight pixels of
// 16 bytes (four float32 channels).
func defaultTileBufPoolSizes() (sizes []int) {
	for sz := 256; sz <= tileWidth*tileHeight*16; sz *= 2 {
		sizes = append(sizes, sz)
	}
	return
}

func (slabs *tileBufPoolSet) poolIndex(bufSz int) int {
	return sort.SearchInts(slabs.poolSizes, bufSz)
}

// get returns a buffer of length bufSz. Its content is undefined.
func (slabs *tileBufPoolSet) get(bufSz int) (buf []byte) {
	idx := slabs.poolIndex(bufSz)
	if idx == len(slabs.pools) {
		buf = make([]byte, bufSz)
		return
	}

	bufp := slabs.pools[idx].Get().(*[]byte)
	buf = (*bufp)[:bufSz]
	return
}

// put returns buf, obtained from get(), to its pool.
func (slabs *tileBufPoolSet) put(buf []byte) {
	idx := slabs.poolIndex(cap(buf))
	if (idx == len(slabs.pools)) || (slabs.poolSizes[idx] != cap(buf)) {
		return
	}

	buf = buf[:cap(buf)]
	slabs.pools[idx].Put(&buf)
}
