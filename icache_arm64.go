// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build unix && arm64

package jitmem

import "unsafe"

// flushInstructionCache makes freshly written instruction bytes visible to
// the instruction fetcher. arm64 splits instruction and data caches, so the
// written lines must be cleaned to the point of unification and the
// corresponding instruction cache lines invalidated before the code is
// reachable.
func flushInstructionCache(code []byte) {
	if len(code) == 0 {
		return
	}
	cacheFlush(uintptr(unsafe.Pointer(&code[0])), uintptr(len(code)))
}

//go:noescape
func cacheFlush(addr, length uintptr)
