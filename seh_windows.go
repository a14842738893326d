// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build windows && amd64

package jitmem

import (
	"fmt"
	"unsafe"
)

var (
	procRtlAddFunctionTable    = modkernel32.NewProc("RtlAddFunctionTable")
	procRtlDeleteFunctionTable = modkernel32.NewProc("RtlDeleteFunctionTable")
)

// NewSEHCallbacks returns unwind callbacks that stamp each fresh block with
// a RUNTIME_FUNCTION + UNWIND_INFO prelude built from info and register it
// with the OS unwinder, keyed by the block base. The table is deregistered
// at allocator close, before the block address can be reused.
func NewSEHCallbacks(info *SEHUnwindInfo) *UnwindCallbacks {
	return &UnwindCallbacks{
		Create: func(block []byte) (any, int, error) {
			written, err := PackSEHPrelude(
				block[:MaxUnwindDataSize], uint32(len(block)), info)
			if err != nil {
				return nil, 0, err
			}
			base := uintptr(unsafe.Pointer(&block[0]))
			ret, _, callErr := procRtlAddFunctionTable.Call(base, 1, base)
			if ret == 0 {
				return nil, 0, fmt.Errorf("RtlAddFunctionTable: %v", callErr)
			}
			return base, written, nil
		},
		Destroy: func(handle any) {
			procRtlDeleteFunctionTable.Call(handle.(uintptr))
		},
	}
}
