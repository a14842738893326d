// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build windows

package jitmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procFlushInstructionCache = modkernel32.NewProc("FlushInstructionCache")
)

// flushInstructionCache makes freshly written instruction bytes visible to
// the instruction fetchers of all processors, via kernel32.
func flushInstructionCache(code []byte) {
	if len(code) == 0 {
		return
	}
	ret, _, err := procFlushInstructionCache.Call(
		uintptr(windows.CurrentProcess()),
		uintptr(unsafe.Pointer(&code[0])),
		uintptr(len(code)))
	if ret == 0 {
		panic(fmt.Sprintf("jitmem: FlushInstructionCache failed: %v", err))
	}
}
