// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build windows

package jitmem

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// A memBlock is one page-aligned virtual allocation owned by the allocator.
type memBlock struct {
	base uintptr
	size int
}

// reserveBlock reserves and commits size bytes of zeroed read-write pages
// in a single VirtualAlloc call, so writing code later cannot hit an
// uncommitted page.
func reserveBlock(size int) (memBlock, error) {
	base, err := windows.VirtualAlloc(0, uintptr(size),
		windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return memBlock{}, err
	}
	return memBlock{base: base, size: size}, nil
}

func (b memBlock) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(b.base)), b.size)
}

func (b memBlock) release() error {
	return windows.VirtualFree(b.base, 0, windows.MEM_RELEASE)
}

// protectExecutable flips mem from read-write to read-execute. mem must be
// page aligned at both ends.
func protectExecutable(mem []byte) error {
	var old uint32
	return windows.VirtualProtect(uintptr(unsafe.Pointer(&mem[0])),
		uintptr(len(mem)), windows.PAGE_EXECUTE_READ, &old)
}
