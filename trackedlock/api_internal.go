// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/tilecache/logger"
	"github.com/NVIDIA/tilecache/utils"
)

type globalsStruct struct {
	sync.Mutex                                    // protects everything but lockHoldTimeLimit
	lockHoldTimeLimit      int64                  // time.Duration; locks held longer get logged (atomic)
	lockCheckPeriod        time.Duration          // check locks once each period
	lockWatcherLocksLogged int                    // max overlimit locks logged by lockWatcher()
	mutexMap               map[*mutexTrack]*Mutex // the locks being watched
	lockCheckTicker        *time.Ticker           // ticker for lock check time
	stopChan               chan struct{}          // time to shutdown and go home
	doneChan               chan struct{}          // shutdown complete
}

var globals globalsStruct

func holdTimeLimit() time.Duration {
	return time.Duration(atomic.LoadInt64(&globals.lockHoldTimeLimit))
}

// stackTraceBuf is the storage required to hold one stack trace. We keep a
// pool of them around.
//
type stackTraceBuf [4040]byte

type stackTraceObj struct {
	stackTrace    []byte        // stack trace of current or last locker
	stackTraceBuf stackTraceBuf // storage for stackTrace
}

var stackTraceObjPool = sync.Pool{
	New: func() interface{} {
		return &stackTraceObj{}
	},
}

// mutexTrack holds the tracking state of one Mutex. trackLock protects the
// fields so that the watcher can examine a lock it does not hold.
//
type mutexTrack struct {
	trackLock  sync.Mutex
	isWatched  bool           // true if lock is in globals.mutexMap
	locked     bool           // true between lockTrack() and unlockTrack()
	lockTime   time.Time      // time last lock operation completed
	lockerGoId uint64         // goroutine ID of the last locker
	lockStack  *stackTraceObj // stack trace when object was last locked
}

func (mt *mutexTrack) lockTrack(m *Mutex) {
	limit := holdTimeLimit()

	// if lock tracking is disabled just record the time
	if 0 == limit {
		mt.trackLock.Lock()
		mt.lockTime = time.Now()
		mt.locked = true
		mt.trackLock.Unlock()
		return
	}

	lockStack := stackTraceObjPool.Get().(*stackTraceObj)
	lockStack.stackTrace = lockStack.stackTraceBuf[:]
	cnt := runtime.Stack(lockStack.stackTrace, false)
	lockStack.stackTrace = lockStack.stackTrace[0:cnt]
	goId := utils.GetGID()

	mt.trackLock.Lock()
	mt.lockStack = lockStack
	mt.lockerGoId = goId
	mt.lockTime = time.Now()
	mt.locked = true
	watch := !mt.isWatched
	mt.isWatched = true
	mt.trackLock.Unlock()

	if watch {
		globals.Lock()
		if nil != globals.mutexMap {
			globals.mutexMap[mt] = m
		} else {
			mt.trackLock.Lock()
			mt.isWatched = false
			mt.trackLock.Unlock()
		}
		globals.Unlock()
	}
}

func (mt *mutexTrack) unlockTrack(m *Mutex) {
	limit := holdTimeLimit()

	mt.trackLock.Lock()
	lockTime := mt.lockTime
	lockStack := mt.lockStack
	mt.lockStack = nil
	mt.locked = false
	mt.trackLock.Unlock()

	if 0 != limit {
		now := time.Now()
		if now.Sub(lockTime) >= limit {
			var buf stackTraceBuf
			cnt := runtime.Stack(buf[:], false)
			unlockStr := string(buf[0:cnt])

			lockStr := "goroutine 9999 [unknown]\nlocked before lock tracking enabled\n"
			if nil != lockStack {
				lockStr = string(lockStack.stackTrace)
			}
			logger.Warnf("Unlock(): %T at %p locked for %f sec; stack at call to Lock():\n%s\nstack at Unlock():\n%s",
				m, m, float64(now.Sub(lockTime))/float64(time.Second), lockStr, unlockStr)
		}
	}

	if nil != lockStack {
		stackTraceObjPool.Put(lockStack)
	}
}

// longLockHolder is a lock that the watcher found held beyond the limit.
type longLockHolder struct {
	lockPtr      *Mutex
	lockDuration time.Duration
	lockerGoId   uint64
	lockStackStr string
}

// collectLongLockHolders returns up to globals.lockWatcherLocksLogged locks
// held longer than limit, longest first. Locks idle for a whole check period
// are dropped from the watched set.
//
func collectLongLockHolders(now time.Time, limit time.Duration) (holders []*longLockHolder) {
	holders = make([]*longLockHolder, 0)

	globals.Lock()
	for mt, lockPtr := range globals.mutexMap {
		mt.trackLock.Lock()
		if !mt.locked {
			if now.Sub(mt.lockTime) >= globals.lockCheckPeriod {
				mt.isWatched = false
				delete(globals.mutexMap, mt)
			}
			mt.trackLock.Unlock()
			continue
		}

		lockedDuration := now.Sub(mt.lockTime)
		if lockedDuration > limit {
			holder := &longLockHolder{
				lockPtr:      lockPtr,
				lockDuration: lockedDuration,
				lockerGoId:   mt.lockerGoId,
			}
			if nil != mt.lockStack {
				holder.lockStackStr = string(mt.lockStack.stackTrace)
			}
			holders = append(holders, holder)
		}
		mt.trackLock.Unlock()
	}
	maxLogged := globals.lockWatcherLocksLogged
	globals.Unlock()

	sort.Slice(holders, func(i, j int) bool {
		return holders[i].lockDuration > holders[j].lockDuration
	})
	if len(holders) > maxLogged {
		holders = holders[:maxLogged]
	}
	return
}

// lockWatcher periodically logs the locks held longer than the limit.
//
func lockWatcher(lockCheckChan <-chan time.Time, stopChan chan struct{}, doneChan chan struct{}) {
	for shutdown := false; !shutdown; {
		select {
		case <-stopChan:
			shutdown = true
			logger.Infof("trackedlock lock watcher shutting down")
			// fall through and perform one last check

		case <-lockCheckChan:
			// fall through and perform checks
		}

		limit := holdTimeLimit()
		if 0 == limit {
			continue
		}

		for rank, holder := range collectLongLockHolders(time.Now(), limit) {
			logger.Warnf("trackedlock watcher: %T at %p locked for %f sec rank %d by goroutine %d; stack at call to Lock():\n%s",
				holder.lockPtr, holder.lockPtr, float64(holder.lockDuration)/float64(time.Second),
				rank, holder.lockerGoId, holder.lockStackStr)
		}
	}

	doneChan <- struct{}{}
}
