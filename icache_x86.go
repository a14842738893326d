// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build unix && (amd64 || 386)

package jitmem

// flushInstructionCache makes freshly written instruction bytes visible to
// the instruction fetcher. x86 keeps instruction and data caches coherent in
// hardware; the call itself is the serialization point.
func flushInstructionCache(code []byte) {
}
