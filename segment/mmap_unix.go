// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

//go:build unix

package segment

import (
	"golang.org/x/sys/unix"
)

// mmapFile maps the first n bytes of f for reading and writing. Grounded
// on ulysseses-wal's platform-specific preallocate_linux.go/fsync_linux.go
// split: syscall-level concerns live in their own build-tagged file rather
// than cluttering segment.go with //go:build blocks inline.
func mmapFile(fd int, n int) ([]byte, error) {
	return unix.Mmap(fd, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}

func msync(b []byte) error {
	return unix.Msync(b, unix.MS_SYNC)
}

func fallocate(fd int, size int64) error {
	return unix.Ftruncate(fd, size)
}
