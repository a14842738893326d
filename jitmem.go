// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package jitmem publishes just-in-time compiled machine code into memory
// the CPU may fetch and execute. Memory is reserved in fixed-size blocks,
// bump-allocated within the active block, and flipped from read-write to
// read-execute one whole-page range at a time, so no page is ever writable
// and executable simultaneously. An optional callback pair attaches
// per-block stack-unwinding metadata at the low bytes of each block.
package jitmem

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/go-kratos/kratos/v2/log"
)

const (
	// MaxUnwindDataSize is the reserved upper bound, in bytes, for the
	// unwind prelude written at the start of each block.
	MaxUnwindDataSize = 256

	// DefaultBlockSize is the size of a single reservation, by default (4 MiB).
	DefaultBlockSize = 4 << 20

	// DefaultMaxTotalSize is the cap on total reserved memory, by
	// default (256 MiB).
	DefaultMaxTotalSize = 256 << 20
)

// A CodeAllocator owns a growing set of executable memory blocks and
// publishes code into them. It is a single-threaded object; callers that
// publish from multiple goroutines must serialize access externally.
type CodeAllocator struct {
	blockSize    int
	maxTotalSize int
	pageSize     int

	// Reserved blocks in allocation order, and one opaque unwind handle
	// per block when the unwind callbacks are configured.
	blocks        []memBlock
	unwindHandles []any

	// Active block cursor. cur is nil until the first block is reserved;
	// pos is a page multiple after every successful allocation.
	cur []byte
	pos int

	// Prelude size of a freshly reserved block, already rounded up to 16.
	// Consumed by the allocation that triggered the reservation and zero
	// for every later allocation in the same block.
	pendingUnwind int

	unwind *UnwindCallbacks
	logger *log.Helper
	closed bool
}

// Options configures a CodeAllocator.
type Options struct {

	// Bytes per block reservation, by default (DefaultBlockSize). Rounded
	// up to a whole number of pages; must exceed MaxUnwindDataSize.
	BlockSize int

	// Hard cap on total reserved bytes, by default (DefaultMaxTotalSize).
	// Must hold at least one block.
	MaxTotalSize int

	// Optional unwind metadata callbacks, installed both or neither.
	Unwind *UnwindCallbacks

	// A custom logger.
	Logger log.Logger
}

// An Allocation is the result of publishing one (data, code) pair. Both
// slices alias read-execute pages; writing through them faults.
type Allocation struct {

	// Base covers the whole allocation minus the block's unwind prelude:
	// the padded data region followed by the code. len(Base) == Size.
	Base []byte

	// Code is the executable region. Its start is 16-byte aligned.
	Code []byte

	// Size is roundUp16(len(data)) + len(code).
	Size int
}

// New instantiates a code allocator with the given options.
func New(opts *Options) (*CodeAllocator, error) {

	a := CodeAllocator{}
	if opts == nil {
		opts = &Options{}
	}

	a.pageSize = os.Getpagesize()

	a.blockSize = opts.BlockSize
	if a.blockSize == 0 {
		a.blockSize = DefaultBlockSize
	}
	if a.blockSize <= MaxUnwindDataSize {
		return nil, ErrBlockSizeTooSmall
	}
	a.blockSize = roundUpTo(a.blockSize, a.pageSize)

	a.maxTotalSize = opts.MaxTotalSize
	if a.maxTotalSize == 0 {
		a.maxTotalSize = DefaultMaxTotalSize
	}
	if a.maxTotalSize < a.blockSize {
		return nil, ErrMaxTotalSizeTooSmall
	}

	if opts.Unwind != nil {
		if opts.Unwind.Create == nil || opts.Unwind.Destroy == nil {
			return nil, ErrPartialUnwindHooks
		}
		a.unwind = opts.Unwind
	}

	var logger log.Logger
	if opts.Logger == nil {
		logger = log.NewStdLogger(os.Stdout)
		a.logger = log.NewHelper(log.NewFilter(logger,
			log.FilterLevel(log.LevelError)))
	} else {
		a.logger = log.NewHelper(opts.Logger)
	}

	return &a, nil
}

// Allocate publishes data and code into executable memory. The data bytes
// are left-padded so that the code start lands on a 16-byte boundary; the
// freshly written page range is made read-execute and the instruction cache
// is flushed over the code before returning. Either buffer may be empty.
//
// On failure the allocator state is untouched: no block is consumed and the
// cursor does not move. The error wraps one of ErrOversizeRequest,
// ErrCapacityExhausted, ErrReserveFailed or ErrUnwindCreateFailed.
func (a *CodeAllocator) Allocate(data, code []byte) (Allocation, error) {

	alignedDataSize := roundUp16(len(data))
	totalSize := alignedDataSize + len(code)

	// A block always keeps MaxUnwindDataSize bytes in reserve for the
	// prelude, so anything bigger can never fit.
	if totalSize > a.blockSize-MaxUnwindDataSize {
		return Allocation{}, fmt.Errorf(
			"%d bytes of data+code: %w", totalSize, ErrOversizeRequest)
	}

	if a.cur == nil || totalSize > len(a.cur)-a.pos {
		if err := a.allocateBlock(); err != nil {
			return Allocation{}, err
		}
	}

	unwindSize := a.pendingUnwind
	a.pendingUnwind = 0
	if unwindSize+totalSize > len(a.cur)-a.pos {
		panic("jitmem: fresh block cannot hold the pending allocation")
	}

	base := a.pos
	dataOffset := unwindSize + alignedDataSize - len(data)
	codeOffset := unwindSize + alignedDataSize

	if len(data) > 0 {
		copy(a.cur[base+dataOffset:], data)
	}
	if len(code) > 0 {
		copy(a.cur[base+codeOffset:], code)
	}

	// Whole pages only. The cursor stays on a protection boundary, so the
	// next transition cannot touch pages that are already executable.
	pageSpan := roundUpTo(unwindSize+totalSize, a.pageSize)
	if pageSpan > 0 {
		if err := protectExecutable(a.cur[base : base+pageSpan]); err != nil {
			panic(fmt.Sprintf("jitmem: read-execute transition failed: %v", err))
		}
	}
	flushInstructionCache(a.cur[base+codeOffset : base+codeOffset+len(code)])

	a.pos = base + pageSpan

	end := base + unwindSize + totalSize
	return Allocation{
		Base: a.cur[base+unwindSize : end : end],
		Code: a.cur[base+codeOffset : end : end],
		Size: totalSize,
	}, nil
}

// allocateBlock reserves a fresh read-write block and makes it the active
// one. With unwind callbacks configured it also synthesizes the block's
// unwind prelude. On any failure the previous active block is left as is.
func (a *CodeAllocator) allocateBlock() error {

	if (len(a.blocks)+1)*a.blockSize > a.maxTotalSize {
		return fmt.Errorf("%d of %d bytes reserved: %w",
			len(a.blocks)*a.blockSize, a.maxTotalSize, ErrCapacityExhausted)
	}

	blk, err := reserveBlock(a.blockSize)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrReserveFailed)
	}

	mem := blk.bytes()
	if addr := uintptr(unsafe.Pointer(&mem[0])); addr%uintptr(a.pageSize) != 0 {
		panic("jitmem: reservation is not page aligned")
	}

	unwindSize := 0
	if a.unwind != nil {
		handle, written, err := a.unwind.Create(mem)
		if err != nil {
			if relErr := blk.release(); relErr != nil {
				a.logger.Errorf("releasing rejected block failed: %v", relErr)
			}
			return fmt.Errorf("%v: %w", err, ErrUnwindCreateFailed)
		}
		unwindSize = roundUp16(written)
		if written < 0 || unwindSize > MaxUnwindDataSize {
			a.unwind.Destroy(handle)
			if relErr := blk.release(); relErr != nil {
				a.logger.Errorf("releasing rejected block failed: %v", relErr)
			}
			return fmt.Errorf("prelude of %d bytes overflows the reserved %d: %w",
				written, MaxUnwindDataSize, ErrUnwindCreateFailed)
		}
		a.unwindHandles = append(a.unwindHandles, handle)
	}

	a.blocks = append(a.blocks, blk)
	a.cur = mem
	a.pos = 0
	a.pendingUnwind = unwindSize

	a.logger.Debugf("reserved block %d, %d bytes, prelude %d bytes",
		len(a.blocks), a.blockSize, unwindSize)
	return nil
}

// Blocks returns the number of blocks reserved so far.
func (a *CodeAllocator) Blocks() int {
	return len(a.blocks)
}

// ReservedBytes returns the total virtual memory held by the allocator.
func (a *CodeAllocator) ReservedBytes() int {
	return len(a.blocks) * a.blockSize
}

// Close destroys every unwind handle, then unreserves every block. Unwind
// teardown runs first: the host may key unwind tables by block address, so
// deregistration must precede any address reuse. Pointers returned by
// Allocate are invalid afterwards. Close is idempotent.
func (a *CodeAllocator) Close() error {

	if a.closed {
		return nil
	}
	a.closed = true

	if a.unwind != nil {
		for _, handle := range a.unwindHandles {
			a.unwind.Destroy(handle)
		}
	}
	a.unwindHandles = nil

	var firstErr error
	for i, blk := range a.blocks {
		if err := blk.release(); err != nil {
			a.logger.Errorf("unreserving block %d failed: %v", i+1, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	a.blocks = nil
	a.cur = nil
	a.pos = 0
	a.pendingUnwind = 0

	return firstErr
}
