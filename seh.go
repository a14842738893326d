// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jitmem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Unwind information flags.

	// UnwFlagNHandler - The function has no handler.
	UnwFlagNHandler = uint8(0x0)

	// UnwFlagEHandler - The function has an exception handler that should
	// be called when looking for functions that need to examine exceptions.
	UnwFlagEHandler = uint8(0x1)

	// UnwFlagUHandler - The function has a termination handler that should
	// be called when unwinding an exception.
	UnwFlagUHandler = uint8(0x2)

	// UnwFlagChainInfo - This unwind info structure is not the primary one
	// for the procedure; the chained unwind info entry is the contents of a
	// previous RUNTIME_FUNCTION entry.
	UnwFlagChainInfo = uint8(0x4)
)

// unwVersion is the only UNWIND_INFO version this encoder emits.
const unwVersion = uint8(1)

// UnwindRegister encodes a general-purpose (integer) register in the
// operation info bits of an unwind code.
type UnwindRegister uint8

const (
	RegRAX UnwindRegister = iota
	RegRCX
	RegRDX
	RegRBX
	RegRSP
	RegRBP
	RegRSI
	RegRDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
)

// String returns the string representation of an unwind register.
func (r UnwindRegister) String() string {

	registerNames := map[UnwindRegister]string{
		RegRAX: "RAX",
		RegRCX: "RCX",
		RegRDX: "RDX",
		RegRBX: "RBX",
		RegRSP: "RSP",
		RegRBP: "RBP",
		RegRSI: "RSI",
		RegRDI: "RDI",
		RegR8:  "R8",
		RegR9:  "R9",
		RegR10: "R10",
		RegR11: "R11",
		RegR12: "R12",
		RegR13: "R13",
		RegR14: "R14",
		RegR15: "R15",
	}

	if val, ok := registerNames[r]; ok {
		return val
	}
	return "?"
}

// UnwindOpType represents the type of an unwind opcode.
type UnwindOpType uint8

// _UNWIND_OP_CODES
const (
	// Push a nonvolatile integer register, decrementing RSP by 8. The
	// operation info is the number of the register.
	UwOpPushNonVol = UnwindOpType(0)

	// Allocate a large-sized area on the stack. If the operation info is 0,
	// the size divided by 8 is recorded in the next slot; if it is 1, the
	// unscaled size is recorded in the next two slots.
	UwOpAllocLarge = UnwindOpType(1)

	// Allocate a small-sized area on the stack. The size of the allocation
	// is the operation info field * 8 + 8, allowing allocations from 8 to
	// 128 bytes.
	UwOpAllocSmall = UnwindOpType(2)

	// Establish the frame pointer register by setting the register to some
	// offset of the current RSP. The offset equals the frame offset
	// (scaled) field in the UNWIND_INFO * 16.
	UwOpSetFpReg = UnwindOpType(3)

	// Save a nonvolatile integer register on the stack using a MOV instead
	// of a PUSH. The scaled-by-8 stack offset is recorded in the next slot.
	UwOpSaveNonVol = UnwindOpType(4)

	// Save a nonvolatile integer register with a long offset, using a MOV
	// instead of a PUSH. The unscaled offset is recorded in the next two
	// slots.
	UwOpSaveNonVolFar = UnwindOpType(5)

	// Version 2 epilog description.
	UwOpEpilog = UnwindOpType(6)

	// Reserved (previously UWOP_SAVE_XMM on version 1).
	UwOpSpareCode = UnwindOpType(7)

	// Save all 128 bits of a nonvolatile XMM register on the stack. The
	// scaled-by-16 stack offset is recorded in the next slot.
	UwOpSaveXmm128 = UnwindOpType(8)

	// Save all 128 bits of a nonvolatile XMM register with a long offset.
	// The unscaled offset is recorded in the next two slots.
	UwOpSaveXmm128Far = UnwindOpType(9)

	// Push a machine frame, used to record the effect of a hardware
	// interrupt or exception.
	UwOpPushMachFrame = UnwindOpType(10)

	// Establish the frame pointer register at a large offset from RSP. The
	// scaled-by-16 offset is recorded in the next two slots.
	UwOpSetFpRegLarge = UnwindOpType(11)
)

// String returns the string representation of an unwind opcode.
func (uo UnwindOpType) String() string {

	unOpToString := map[UnwindOpType]string{
		UwOpPushNonVol:    "UWOP_PUSH_NONVOL",
		UwOpAllocLarge:    "UWOP_ALLOC_LARGE",
		UwOpAllocSmall:    "UWOP_ALLOC_SMALL",
		UwOpSetFpReg:      "UWOP_SET_FPREG",
		UwOpSaveNonVol:    "UWOP_SAVE_NONVOL",
		UwOpSaveNonVolFar: "UWOP_SAVE_NONVOL_FAR",
		UwOpEpilog:        "UWOP_EPILOG",
		UwOpSpareCode:     "UWOP_SPARE_CODE",
		UwOpSaveXmm128:    "UWOP_SAVE_XMM128",
		UwOpSaveXmm128Far: "UWOP_SAVE_XMM128_FAR",
		UwOpPushMachFrame: "UWOP_PUSH_MACHFRAME",
		UwOpSetFpRegLarge: "UWOP_SET_FPREG_LARGE",
	}

	if val, ok := unOpToString[uo]; ok {
		return val
	}
	return "?"
}

// ImageRuntimeFunctionEntry represents an entry in the function table on
// 64-bit Windows (RUNTIME_FUNCTION). All addresses are image relative, that
// is, offsets from the registered base address.
type ImageRuntimeFunctionEntry struct {
	// The address of the start of the function.
	BeginAddress uint32 `json:"begin_address"`

	// The address of the end of the function.
	EndAddress uint32 `json:"end_address"`

	// The unwind data info structure.
	UnwindInfoAddress uint32 `json:"unwind_info_address"`
}

// runtimeFunctionEntrySize is the packed size of ImageRuntimeFunctionEntry.
const runtimeFunctionEntrySize = 12

// SEHUnwindInfo builds the UNWIND_INFO image describing the effects a
// function prolog has on the stack pointer and where the nonvolatile
// registers are saved. Record prolog operations in the order the prolog
// performs them; Pack emits the slots in the reverse order the unwinder
// expects.
type SEHUnwindInfo struct {
	// Three flags as defined above (UnwFlagEHandler and friends).
	Flags uint8

	// Length of the function prolog in bytes.
	SizeOfProlog uint8

	// Nonvolatile register used as the frame pointer, set via
	// EstablishFrame. Zero when the function is frame-pointer free.
	FrameRegister UnwindRegister

	// Scaled offset from RSP applied to the frame register when it is
	// established. The actual register is set to RSP + 16 * this number.
	FrameOffset uint8

	// Unwind code groups in prolog order. Each group is one operation: a
	// primary slot optionally followed by its extra operand slots.
	groups [][]uint16
}

// Errors
var (

	// ErrUnwindTooManyCodes is returned when the unwind code array exceeds
	// the 255 slots the count field can express.
	ErrUnwindTooManyCodes = errors.New("too many unwind code slots")

	// ErrUnwindBadAllocSize is returned for stack allocations the unwind
	// encoding cannot represent.
	ErrUnwindBadAllocSize = errors.New("unencodable stack allocation size")

	// ErrUnwindPreludeOverflow is returned when the packed prelude does not
	// fit the reserved unwind area of a block.
	ErrUnwindPreludeOverflow = errors.New("unwind prelude exceeds reserved area")
)

func slot(codeOffset uint8, op UnwindOpType, opInfo uint8) uint16 {
	return uint16(codeOffset) | uint16(op)<<8 | uint16(opInfo)<<12
}

// PushNonVolatile records a push of a nonvolatile integer register ending
// at the given prolog offset.
func (ui *SEHUnwindInfo) PushNonVolatile(codeOffset uint8, reg UnwindRegister) {
	ui.groups = append(ui.groups, []uint16{
		slot(codeOffset, UwOpPushNonVol, uint8(reg)),
	})
}

// AllocStack records a fixed stack allocation of size bytes ending at the
// given prolog offset. size must be a positive multiple of 8 below 4 GiB;
// the encoder picks the smallest of the three alloc encodings that fits.
func (ui *SEHUnwindInfo) AllocStack(codeOffset uint8, size uint32) error {
	switch {
	case size == 0 || size%8 != 0:
		return fmt.Errorf("%d bytes: %w", size, ErrUnwindBadAllocSize)
	case size <= 128:
		ui.groups = append(ui.groups, []uint16{
			slot(codeOffset, UwOpAllocSmall, uint8((size-8)/8)),
		})
	case size <= 512*1024-8:
		ui.groups = append(ui.groups, []uint16{
			slot(codeOffset, UwOpAllocLarge, 0),
			uint16(size / 8),
		})
	default:
		ui.groups = append(ui.groups, []uint16{
			slot(codeOffset, UwOpAllocLarge, 1),
			uint16(size & 0xffff),
			uint16(size >> 16),
		})
	}
	return nil
}

// SaveNonVolatile records a MOV save of a nonvolatile integer register to
// [RSP+stackOffset]. stackOffset must be a multiple of 8.
func (ui *SEHUnwindInfo) SaveNonVolatile(codeOffset uint8, reg UnwindRegister, stackOffset uint32) error {
	if stackOffset%8 != 0 {
		return fmt.Errorf("offset %d: %w", stackOffset, ErrUnwindBadAllocSize)
	}
	if stackOffset/8 <= 0xffff {
		ui.groups = append(ui.groups, []uint16{
			slot(codeOffset, UwOpSaveNonVol, uint8(reg)),
			uint16(stackOffset / 8),
		})
		return nil
	}
	ui.groups = append(ui.groups, []uint16{
		slot(codeOffset, UwOpSaveNonVolFar, uint8(reg)),
		uint16(stackOffset & 0xffff),
		uint16(stackOffset >> 16),
	})
	return nil
}

// EstablishFrame records the frame pointer setup `reg = RSP + 16*scaled`
// ending at the given prolog offset, and fixes the frame fields of the
// header accordingly.
func (ui *SEHUnwindInfo) EstablishFrame(codeOffset uint8, reg UnwindRegister, scaled uint8) {
	ui.FrameRegister = reg
	ui.FrameOffset = scaled
	ui.groups = append(ui.groups, []uint16{
		slot(codeOffset, UwOpSetFpReg, 0),
	})
}

// countOfCodes returns the number of slots in the unwind codes array.
func (ui *SEHUnwindInfo) countOfCodes() int {
	n := 0
	for _, g := range ui.groups {
		n += len(g)
	}
	return n
}

// PackedSize returns the byte size of the UNWIND_INFO image Pack emits.
// For alignment purposes the slot array always holds an even number of
// entries.
func (ui *SEHUnwindInfo) PackedSize() int {
	return 4 + 2*roundUpTo(ui.countOfCodes(), 2)
}

// Pack appends the UNWIND_INFO image to dst and returns the result. The
// recorded operations are emitted sorted by descending prolog offset, which
// is the reverse of the order they were recorded in.
func (ui *SEHUnwindInfo) Pack(dst []byte) ([]byte, error) {

	count := ui.countOfCodes()
	if count > 0xff {
		return nil, fmt.Errorf("%d slots: %w", count, ErrUnwindTooManyCodes)
	}

	dst = append(dst,
		unwVersion|ui.Flags<<3,
		ui.SizeOfProlog,
		uint8(count),
		uint8(ui.FrameRegister)|ui.FrameOffset<<4)

	for i := len(ui.groups) - 1; i >= 0; i-- {
		for _, s := range ui.groups[i] {
			dst = binary.LittleEndian.AppendUint16(dst, s)
		}
	}
	if count%2 != 0 {
		dst = binary.LittleEndian.AppendUint16(dst, 0)
	}
	return dst, nil
}

// PackSEHPrelude writes a block prelude made of one RUNTIME_FUNCTION entry
// followed by its UNWIND_INFO image into prelude, and returns the number of
// bytes written. The entry covers [packed prelude end rounded up to 16,
// functionEnd), image
// relative to the prelude start, so a table registered at the block base
// spans everything published into the block.
func PackSEHPrelude(prelude []byte, functionEnd uint32, ui *SEHUnwindInfo) (int, error) {

	total := runtimeFunctionEntrySize + ui.PackedSize()
	if total > len(prelude) || total > MaxUnwindDataSize {
		return 0, fmt.Errorf("%d bytes: %w", total, ErrUnwindPreludeOverflow)
	}

	entry := ImageRuntimeFunctionEntry{
		BeginAddress:      uint32(roundUp16(total)),
		EndAddress:        functionEnd,
		UnwindInfoAddress: runtimeFunctionEntrySize,
	}
	binary.LittleEndian.PutUint32(prelude[0:], entry.BeginAddress)
	binary.LittleEndian.PutUint32(prelude[4:], entry.EndAddress)
	binary.LittleEndian.PutUint32(prelude[8:], entry.UnwindInfoAddress)

	img, err := ui.Pack(prelude[:runtimeFunctionEntrySize])
	if err != nil {
		return 0, err
	}
	return len(img), nil
}
