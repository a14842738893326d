// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build unix

package jitmem

import (
	mmap "github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// A memBlock is one page-aligned anonymous mapping owned by the allocator.
type memBlock struct {
	m mmap.MMap
}

// reserveBlock maps size bytes of zero-filled private memory, readable and
// writable, populated lazily by the kernel. Anonymous mappings carry no
// reserve/commit distinction on POSIX, so the block is immediately safe to
// write without a later commit fault.
func reserveBlock(size int) (memBlock, error) {
	m, err := mmap.MapRegion(nil, size, mmap.COPY, mmap.ANON, 0)
	if err != nil {
		return memBlock{}, err
	}
	return memBlock{m: m}, nil
}

func (b memBlock) bytes() []byte {
	return b.m
}

func (b memBlock) release() error {
	return b.m.Unmap()
}

// protectExecutable flips mem from read-write to read-execute. mem must be
// page aligned at both ends.
func protectExecutable(mem []byte) error {
	return unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC)
}
