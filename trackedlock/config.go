// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/tilecache/conf"
	"github.com/NVIDIA/tilecache/logger"
)

const (
	defaultLockHoldTimeLimit = 40 * time.Second
	defaultLockCheckPeriod   = 20 * time.Second
	lockWatcherLocksLogged   = 16
)

func parseConfMap(confMap conf.ConfMap) (lockHoldTimeLimit time.Duration, lockCheckPeriod time.Duration) {
	var (
		err error
	)

	lockHoldTimeLimit, err = confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	if nil != err {
		lockHoldTimeLimit = 0
	}

	// lockHoldTimeLimit must be >= 1 sec or 0
	if (lockHoldTimeLimit < time.Second) && (0 != lockHoldTimeLimit) {
		logger.Warnf("config variable 'TrackedLock.LockHoldTimeLimit' value less than 1 sec; defaulting to '%v'", defaultLockHoldTimeLimit)
		lockHoldTimeLimit = defaultLockHoldTimeLimit
	}

	lockCheckPeriod, err = confMap.FetchOptionValueDuration("TrackedLock", "LockCheckPeriod")
	if nil != err {
		lockCheckPeriod = 0
	}

	// lockCheckPeriod must be >= 1 sec or 0
	if (lockCheckPeriod < time.Second) && (0 != lockCheckPeriod) {
		logger.Warnf("config variable 'TrackedLock.LockCheckPeriod' value less than 1 sec; defaulting to '%v'", defaultLockCheckPeriod)
		lockCheckPeriod = defaultLockCheckPeriod
	}

	return
}

// Up enables lock tracking as configured by the TrackedLock section of
// confMap:
//
//   LockHoldTimeLimit - hold time that triggers a warning, 0 disables tracking
//   LockCheckPeriod   - time between watcher scans, 0 means no watcher
//
// Both options are optional and default to 0.
//
func Up(confMap conf.ConfMap) (err error) {
	lockHoldTimeLimit, lockCheckPeriod := parseConfMap(confMap)

	globals.Lock()
	defer globals.Unlock()

	if nil != globals.mutexMap {
		err = fmt.Errorf("trackedlock.Up() called twice")
		return
	}

	logger.Infof("trackedlock.Up(): LockHoldTimeLimit %v  LockCheckPeriod %v", lockHoldTimeLimit, lockCheckPeriod)

	atomic.StoreInt64(&globals.lockHoldTimeLimit, int64(lockHoldTimeLimit))
	globals.lockCheckPeriod = lockCheckPeriod
	globals.lockWatcherLocksLogged = lockWatcherLocksLogged
	globals.mutexMap = make(map[*mutexTrack]*Mutex, 128)

	// with no checker or no time limit there's no need for the watcher
	if (0 == lockCheckPeriod) || (0 == lockHoldTimeLimit) {
		err = nil
		return
	}

	globals.stopChan = make(chan struct{})
	globals.doneChan = make(chan struct{})
	globals.lockCheckTicker = time.NewTicker(lockCheckPeriod)
	go lockWatcher(globals.lockCheckTicker.C, globals.stopChan, globals.doneChan)

	err = nil
	return
}

// Down stops the watcher (if any) and disables lock tracking.
//
func Down() (err error) {
	globals.Lock()

	if nil == globals.mutexMap {
		globals.Unlock()
		err = fmt.Errorf("trackedlock.Down() called without Up()")
		return
	}

	logger.Infof("trackedlock.Down() called")

	atomic.StoreInt64(&globals.lockHoldTimeLimit, 0)

	ticker := globals.lockCheckTicker
	stopChan := globals.stopChan
	doneChan := globals.doneChan
	globals.lockCheckTicker = nil
	globals.stopChan = nil
	globals.doneChan = nil

	for mt := range globals.mutexMap {
		mt.trackLock.Lock()
		mt.isWatched = false
		mt.trackLock.Unlock()
	}
	globals.mutexMap = nil

	// the watcher takes globals' lock on its final pass
	globals.Unlock()

	if nil != ticker {
		ticker.Stop()
		stopChan <- struct{}{}
		_ = <-doneChan
	}

	err = nil
	return
}
