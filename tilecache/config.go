// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package tilecache

import (
	"os"

	"github.com/NVIDIA/tilecache/blunder"
	"github.com/NVIDIA/tilecache/conf"
	"github.com/NVIDIA/tilecache/logger"
	"github.com/NVIDIA/tilecache/platform"
	"github.com/NVIDIA/tilecache/swapstore"
	"github.com/NVIDIA/tilecache/utils"
)

const (
	defaultMaxResidentFraction = 0.05
	defaultSwapStoreType       = swapstore.StoreTypeFile
)

func optionIsPresent(confMap conf.ConfMap, optionName string) bool {
	return nil != confMap.VerifyOptionIsMissing("TileCache", optionName)
}

// ConfigFromConfMap builds a Config from the TileCache section of confMap:
//
//   MaxResidentBytes    - resident budget, e.g. "64MiB" (default derived from MaxResidentFraction)
//   MaxResidentFraction - fraction of MemSize()/GoHeapAllocationMultiplier (default 0.05)
//   SwapStoreType       - "file" or "ram" (default "file")
//   SwapDirPath         - directory for the swap file (default os.TempDir())
//   SwapFileSync        - open the swap file O_SYNC (default false)
//   StatsGroupName      - bucketstats group name (default generated)
//   TraceEnabled        - enable tilecache and swapstore trace logging (default false)
//
// Options that are present but malformed are errors.
func ConfigFromConfMap(confMap conf.ConfMap) (config *Config, err error) {
	config = &Config{}

	if optionIsPresent(confMap, "MaxResidentBytes") {
		config.MaxResidentBytes, err = confMap.FetchOptionValueByteSize("TileCache", "MaxResidentBytes")
		if nil != err {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
	} else {
		fraction := defaultMaxResidentFraction
		if optionIsPresent(confMap, "MaxResidentFraction") {
			fraction, err = confMap.FetchOptionValueFloat64("TileCache", "MaxResidentFraction")
			if nil != err {
				err = blunder.AddError(err, blunder.InvalidArgError)
				return
			}
			if (0.0 >= fraction) || (1.0 < fraction) {
				err = blunder.NewError(blunder.InvalidArgError, "[TileCache]MaxResidentFraction (%v) must be in (0,1]", fraction)
				return
			}
		}
		config.MaxResidentBytes = uint64(fraction * float64(platform.MemSize()) / platform.GoHeapAllocationMultiplier)
	}

	config.SwapStore.StoreType = defaultSwapStoreType
	if optionIsPresent(confMap, "SwapStoreType") {
		config.SwapStore.StoreType, err = confMap.FetchOptionValueString("TileCache", "SwapStoreType")
		if nil != err {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
	}
	switch config.SwapStore.StoreType {
	case swapstore.StoreTypeFile, swapstore.StoreTypeRAM:
	default:
		err = blunder.NewError(blunder.InvalidArgError, "[TileCache]SwapStoreType (%v) must be \"file\" or \"ram\"", config.SwapStore.StoreType)
		return
	}

	config.SwapStore.DirPath = os.TempDir()
	if optionIsPresent(confMap, "SwapDirPath") {
		config.SwapStore.DirPath, err = confMap.FetchOptionValueString("TileCache", "SwapDirPath")
		if nil != err {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
	}

	if optionIsPresent(confMap, "SwapFileSync") {
		config.SwapStore.SyncWrites, err = confMap.FetchOptionValueBool("TileCache", "SwapFileSync")
		if nil != err {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
	}

	if optionIsPresent(confMap, "StatsGroupName") {
		config.StatsGroupName, err = confMap.FetchOptionValueString("TileCache", "StatsGroupName")
		if nil != err {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
	}

	if optionIsPresent(confMap, "TraceEnabled") {
		config.TraceEnabled, err = confMap.FetchOptionValueBool("TileCache", "TraceEnabled")
		if nil != err {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
	}

	err = nil
	return
}

// Start builds a CacheManager, and the Swap Store it uses, from confMap.
func Start(confMap conf.ConfMap, source DrawableSource) (manager *CacheManager, err error) {
	config, err := ConfigFromConfMap(confMap)
	if nil != err {
		logger.ErrorfWithError(err, "invalid TileCache configuration")
		return
	}

	logger.Infof("starting tile cache with config %s", utils.JSONify(config, false))

	manager, err = NewCacheManager(config, source, nil)
	return
}
