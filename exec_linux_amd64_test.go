// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build linux && amd64

package jitmem

import (
	"testing"
	"unsafe"
)

// Publishing is only done when the CPU agrees: run a freshly allocated
// function and check its return value. A func value points at a word
// holding the code address, so a two-level indirection over the published
// entry point is callable directly.
func TestExecutePublishedCode(t *testing.T) {

	a := newTestAllocator(t, nil)

	// mov eax, 42; ret
	code := []byte{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3}
	alloc, err := a.Allocate(nil, code)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	entry := sliceAddr(alloc.Code)
	entryPtr := &entry
	fn := *(*func() int)(unsafe.Pointer(&entryPtr))
	if got := fn(); got != 42 {
		t.Errorf("published code returned %d, want 42", got)
	}

	// A second function in the same block runs as well.
	// mov eax, 7; ret
	alloc2, err := a.Allocate(nil, []byte{0xB8, 0x07, 0x00, 0x00, 0x00, 0xC3})
	if err != nil {
		t.Fatalf("second Allocate failed: %v", err)
	}
	entry = sliceAddr(alloc2.Code)
	if got := fn(); got != 7 {
		t.Errorf("second function returned %d, want 7", got)
	}
}
