// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jitmem

// UnwindCallbacks attaches stack-unwinding metadata to every block the
// allocator reserves. The encoding of that metadata is ABI specific (x64
// Windows wants RUNTIME_FUNCTION plus UNWIND_INFO, System V wants .eh_frame
// records), so the allocator carries it as an opaque capability instead of
// baking either format in. See SEHUnwindInfo and EhFrame for encoders that
// produce suitable preludes.
//
// Both callbacks must be set; New rejects a partial pair.
type UnwindCallbacks struct {

	// Create runs once right after a block is reserved, before any code is
	// published into it. block is the whole writable block; Create may fill
	// at most its first MaxUnwindDataSize bytes with unwind metadata and
	// must return how many bytes it wrote. The allocator rounds that count
	// up to a 16-byte multiple so the data/code alignment downstream is
	// preserved.
	//
	// The returned handle is stored and later passed to Destroy. An error
	// aborts the block reservation: the caller of Allocate observes a
	// failure and the allocator is unchanged.
	Create func(block []byte) (handle any, written int, err error)

	// Destroy runs for each stored handle when the allocator is closed,
	// before the handle's block is unreserved.
	Destroy func(handle any)
}
