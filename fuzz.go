// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build gofuzz

package jitmem

func Fuzz(data []byte) int {
	a, err := New(&Options{BlockSize: 1 << 16, MaxTotalSize: 1 << 18})
	if err != nil {
		return 0
	}
	defer a.Close()

	// First byte splits the input into a data buffer and a code buffer.
	if len(data) == 0 {
		return 0
	}
	cut := int(data[0]) % len(data)
	buffers := data[1:]
	if len(buffers) == 0 {
		return 0
	}
	if cut > len(buffers) {
		cut = len(buffers)
	}

	published := 0
	for {
		alloc, err := a.Allocate(buffers[:cut], buffers[cut:])
		if err != nil {
			break
		}
		if alloc.Size != roundUp16(cut)+len(buffers)-cut {
			panic("size mismatch")
		}
		published++
	}
	if published == 0 {
		return 0
	}
	return 1
}
