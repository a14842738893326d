// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build unix && !amd64 && !386 && !arm64

package jitmem

// flushInstructionCache performs no cache maintenance on this architecture
// (32-bit arm included). Freshly written instruction bytes reach the
// instruction fetcher only where the hardware keeps the instruction and data
// caches coherent.
func flushInstructionCache(code []byte) {
}
