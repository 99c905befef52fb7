// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// MemSize returns the total physical memory in bytes.
func MemSize() (memSize uint64) {
	var (
		err     error
		sysinfo unix.Sysinfo_t
	)

	err = unix.Sysinfo(&sysinfo)
	if nil != err {
		panic(err)
	}

	memSize = uint64(sysinfo.Totalram) * uint64(sysinfo.Unit)

	return
}

// OpenFileSync opens a file such that writes are not reported as complete
// until the data and metadata are persisted.
func OpenFileSync(name string, flag int, perm os.FileMode) (file *os.File, err error) {
	file, err = os.OpenFile(name, flag|unix.O_SYNC, perm)
	return
}
