// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package statslogger periodically writes a tile cache's statistics, along
// with Go memory statistics, to the log.
package statslogger

import (
	"runtime"
	"time"

	"github.com/NVIDIA/tilecache/conf"
	"github.com/NVIDIA/tilecache/logger"
	"github.com/NVIDIA/tilecache/tilecache"
	"github.com/NVIDIA/tilecache/utils"
)

const (
	defaultLogPeriod    = 10 * time.Minute
	defaultSamplePeriod = time.Second
)

// StatsLogger samples a CacheManager's resident bytes every SamplePeriod and
// logs its statistics every Period.
type StatsLogger struct {
	manager       *tilecache.CacheManager
	logPeriod     time.Duration    // time between statistics logging; 0 disables
	samplePeriod  time.Duration    // time between resident bytes samples
	sampleTicker  *time.Ticker     // ticker for sampleChan
	logTicker     *time.Ticker     // ticker for logChan
	sampleChan    <-chan time.Time // time to sample resident bytes
	logChan       <-chan time.Time // time to log statistics
	stopChan      chan bool        // time to shutdown and go home
	doneChan      chan bool        // shutdown complete
	residentBytes sampleStats
}

func parseConfMap(confMap conf.ConfMap) (logPeriod time.Duration, samplePeriod time.Duration) {
	var (
		err error
	)

	logPeriod, err = confMap.FetchOptionValueDuration("StatsLogger", "Period")
	if nil != err {
		logger.Warnf("config variable 'StatsLogger.Period' defaulting to '%v': %v", defaultLogPeriod, err)
		logPeriod = defaultLogPeriod
	}

	// logPeriod must be >= 1 sec, except 0 means disabled
	if (logPeriod < time.Second) && (0 != logPeriod) {
		logger.Warnf("config variable 'StatsLogger.Period' value is non-zero and less than 1s; defaulting to '%v'", defaultLogPeriod)
		logPeriod = defaultLogPeriod
	}

	samplePeriod, err = confMap.FetchOptionValueDuration("StatsLogger", "SamplePeriod")
	if (nil != err) || (0 >= samplePeriod) {
		samplePeriod = defaultSamplePeriod
	}

	return
}

// Start begins logging manager's statistics as configured by the StatsLogger
// section of confMap:
//
//   Period       - time between log entries, 0 to disable (default 10m)
//   SamplePeriod - time between resident bytes samples (default 1s)
//
func Start(confMap conf.ConfMap, manager *tilecache.CacheManager) (statsLogger *StatsLogger) {
	logPeriod, samplePeriod := parseConfMap(confMap)

	statsLogger = &StatsLogger{
		manager:      manager,
		logPeriod:    logPeriod,
		samplePeriod: samplePeriod,
	}

	if 0 == logPeriod {
		return
	}

	statsLogger.sampleTicker = time.NewTicker(samplePeriod)
	statsLogger.sampleChan = statsLogger.sampleTicker.C

	statsLogger.logTicker = time.NewTicker(logPeriod)
	statsLogger.logChan = statsLogger.logTicker.C

	statsLogger.stopChan = make(chan bool)
	statsLogger.doneChan = make(chan bool)

	go statsLogger.run()

	return
}

// Stop logs a final round of statistics and shuts the logger down.
func (statsLogger *StatsLogger) Stop() {
	if 0 == statsLogger.logPeriod {
		return
	}

	statsLogger.stopChan <- true
	_ = <-statsLogger.doneChan

	statsLogger.sampleTicker.Stop()
	statsLogger.logTicker.Stop()
	statsLogger.logPeriod = 0
}

// run samples resident bytes every sampleChan tick and then logs a batch of
// statistics, including the resident bytes samples, every logChan tick.
func (statsLogger *StatsLogger) run() {
	var (
		oldStats    tilecache.Stats
		newStats    tilecache.Stats
		oldMemStats runtime.MemStats
		newMemStats runtime.MemStats
	)

	statsLogger.residentBytes.Clear()
	statsLogger.residentBytes.Sample(int64(statsLogger.manager.ResidentBytes()))

	// memstats "stops the world"
	oldStats = statsLogger.manager.Stats()
	runtime.ReadMemStats(&oldMemStats)

	// print an initial round of absolute stats
	logStats("total", &statsLogger.residentBytes, &oldMemStats, &oldStats)

mainloop:
	for stopRequest := false; !stopRequest; {
		select {
		case <-statsLogger.stopChan:
			// print final stats and then exit
			stopRequest = true

		case <-statsLogger.sampleChan:
			statsLogger.residentBytes.Sample(int64(statsLogger.manager.ResidentBytes()))
			continue mainloop

		case <-statsLogger.logChan:
			// fall through to do the logging
		}

		newStats = statsLogger.manager.Stats()
		runtime.ReadMemStats(&newMemStats)

		// collect an extra sample to ensure we have at least one
		statsLogger.residentBytes.Sample(int64(newStats.ResidentBytes))

		// print absolute stats and then deltas
		logStats("total", &statsLogger.residentBytes, &newMemStats, &newStats)

		deltaMemStats := newMemStats
		deltaMemStats.Sys = newMemStats.Sys - oldMemStats.Sys
		deltaMemStats.TotalAlloc = newMemStats.TotalAlloc - oldMemStats.TotalAlloc
		deltaMemStats.HeapInuse = newMemStats.HeapInuse - oldMemStats.HeapInuse
		deltaMemStats.HeapIdle = newMemStats.HeapIdle - oldMemStats.HeapIdle
		deltaMemStats.HeapReleased = newMemStats.HeapReleased - oldMemStats.HeapReleased
		deltaMemStats.NumGC = newMemStats.NumGC - oldMemStats.NumGC
		deltaMemStats.NumForcedGC = newMemStats.NumForcedGC - oldMemStats.NumForcedGC
		deltaMemStats.PauseTotalNs = newMemStats.PauseTotalNs - oldMemStats.PauseTotalNs

		logStats("delta", nil, &deltaMemStats, statsDelta(&oldStats, &newStats))

		oldMemStats = newMemStats
		oldStats = newStats

		statsLogger.residentBytes.Clear()
	}

	statsLogger.doneChan <- true
}

// statsDelta returns the change in the counters from oldStats to newStats.
// Gauges (resident bytes and tiles, budget) are taken from newStats.
func statsDelta(oldStats *tilecache.Stats, newStats *tilecache.Stats) (delta *tilecache.Stats) {
	delta = &tilecache.Stats{
		Hits:           newStats.Hits - oldStats.Hits,
		Misses:         newStats.Misses - oldStats.Misses,
		Evictions:      newStats.Evictions - oldStats.Evictions,
		SwapIns:        newStats.SwapIns - oldStats.SwapIns,
		SwapOuts:       newStats.SwapOuts - oldStats.SwapOuts,
		BudgetOverruns: newStats.BudgetOverruns - oldStats.BudgetOverruns,
		ResidentBytes:  newStats.ResidentBytes,
		ResidentTiles:  newStats.ResidentTiles,
		Budget:         newStats.Budget,
	}
	return
}

// logStats writes interesting statistics to the log in a semi-human readable
// format.
//
// statsType is "total" or "delta" indicating whether memStats and cacheStats
// are absolute or relative to the previous log entry (doesn't apply to
// residentBytes, which can be nil).
//
func logStats(statsType string, residentBytes *sampleStats, memStats *runtime.MemStats, cacheStats *tilecache.Stats) {
	if nil != residentBytes {
		logger.Infof("ResidentBytes: min=%s mean=%s max=%s (%d samples) Budget=%s",
			utils.ByteSizeToString(uint64(residentBytes.Min())),
			utils.ByteSizeToString(uint64(residentBytes.Mean())),
			utils.ByteSizeToString(uint64(residentBytes.Max())),
			residentBytes.Samples(),
			utils.ByteSizeToString(cacheStats.Budget))
	}

	// memory allocation info (see runtime.MemStats for definitions)
	logger.Infof("Memory in Kibyte (%s): Sys=%d HeapInuse=%d HeapIdle=%d HeapReleased=%d Cumulative TotalAlloc=%d",
		statsType,
		int64(memStats.Sys)/1024, int64(memStats.HeapInuse)/1024, int64(memStats.HeapIdle)/1024,
		int64(memStats.HeapReleased)/1024, int64(memStats.TotalAlloc)/1024)
	logger.Infof("GC Stats (%s): NumGC=%d  NumForcedGC=%d  PauseTotalMsec=%d",
		statsType, memStats.NumGC, memStats.NumForcedGC, memStats.PauseTotalNs/1000000)

	logger.Infof("Tile Cache Ops (%s): Hits=%d Misses=%d Evictions=%d SwapIns=%d SwapOuts=%d BudgetOverruns=%d ResidentTiles=%d",
		statsType, cacheStats.Hits, cacheStats.Misses, cacheStats.Evictions,
		cacheStats.SwapIns, cacheStats.SwapOuts, cacheStats.BudgetOverruns, cacheStats.ResidentTiles)
}
