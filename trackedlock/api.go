// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

/*
 * Package trackedlock provides a drop-in replacement for sync.Mutex that adds
 * lock hold tracking.
 *
 * If lock tracking is enabled the hold time of each Mutex is checked when it
 * is unlocked. If it was held longer than "TrackedLock.LockHoldTimeLimit" a
 * warning is logged along with the stack traces of the Lock() and Unlock()
 * calls. In addition, a daemon (the trackedlock watcher) wakes up every
 * "TrackedLock.LockCheckPeriod" and logs the locker's goroutine ID and stack
 * trace for each Mutex that is currently held too long.
 *
 * A LockHoldTimeLimit of 0 disables tracking, in which case the overhead of a
 * Mutex is one time.Now() per Lock(). A LockCheckPeriod of 0 means there is
 * no watcher and hold times are only checked at Unlock().
 *
 * Mutexes can be used before Up() is called. They are tracked starting with
 * the first Lock() after tracking is enabled.
 */
package trackedlock

import (
	"sync"
)

// Mutex wraps sync.Mutex to add tracking of lock hold time and the stack
// trace of the locker.
//
type Mutex struct {
	wrappedMutex sync.Mutex // the actual Mutex
	tracker      mutexTrack // tracking information for the Mutex
}

func (m *Mutex) Lock() {
	m.wrappedMutex.Lock()

	m.tracker.lockTrack(m)
}

func (m *Mutex) Unlock() {
	m.tracker.unlockTrack(m)

	m.wrappedMutex.Unlock()
}

// IsLocked reports whether m is currently held. It is meant for assertions,
// since the answer may be stale by the time it is used.
//
func (m *Mutex) IsLocked() bool {
	m.tracker.trackLock.Lock()
	defer m.tracker.trackLock.Unlock()

	return m.tracker.locked
}
