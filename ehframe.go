// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jitmem

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// DWARF call frame instruction opcodes. The high-2-bit opcodes carry their
// first operand in the low six bits.
const (
	dwCFANop            = 0x00
	dwCFAAdvanceLoc     = 0x40
	dwCFAOffset         = 0x80
	dwCFAAdvanceLoc1    = 0x02
	dwCFAAdvanceLoc2    = 0x03
	dwCFAAdvanceLoc4    = 0x04
	dwCFADefCFA         = 0x0c
	dwCFADefCFARegister = 0x0d
	dwCFADefCFAOffset   = 0x0e
)

// DWARF register numbers for the x86-64 System V ABI.
const (
	DwRegRBP = 6
	DwRegRSP = 7
	DwRegRA  = 16
)

// dwEhPeAbsptr encodes FDE pointers as native absolute addresses, which is
// what JIT frames registered at runtime want.
const dwEhPeAbsptr = 0x00

// A CFIProgram is a sequence of DWARF call frame instructions describing
// how a function prolog moves the canonical frame address and where it
// saves the nonvolatile registers.
type CFIProgram []byte

// AdvanceLoc advances the location by delta code bytes.
func (p CFIProgram) AdvanceLoc(delta int) CFIProgram {
	switch {
	case delta < 0x40:
		return append(p, byte(dwCFAAdvanceLoc|delta))
	case delta <= 0xff:
		return append(p, dwCFAAdvanceLoc1, byte(delta))
	case delta <= 0xffff:
		return binary.LittleEndian.AppendUint16(append(p, dwCFAAdvanceLoc2), uint16(delta))
	default:
		return binary.LittleEndian.AppendUint32(append(p, dwCFAAdvanceLoc4), uint32(delta))
	}
}

// DefCFA sets the canonical frame address rule to reg+offset.
func (p CFIProgram) DefCFA(reg uint8, offset int) CFIProgram {
	p = append(p, dwCFADefCFA)
	p = appendULEB128(p, uint64(reg))
	return appendULEB128(p, uint64(offset))
}

// DefCFAOffset keeps the CFA register and changes its offset.
func (p CFIProgram) DefCFAOffset(offset int) CFIProgram {
	return appendULEB128(append(p, dwCFADefCFAOffset), uint64(offset))
}

// DefCFARegister keeps the CFA offset and changes its register.
func (p CFIProgram) DefCFARegister(reg uint8) CFIProgram {
	return appendULEB128(append(p, dwCFADefCFARegister), uint64(reg))
}

// Offset records that register reg is saved at CFA minus scaled*8.
func (p CFIProgram) Offset(reg uint8, scaled int) CFIProgram {
	return appendULEB128(append(p, byte(dwCFAOffset|reg)), uint64(scaled))
}

// An EhFrame builds a .eh_frame image: one CIE, any number of FDEs, and a
// zero terminator. The image is self-contained and position independent
// apart from the absolute code addresses inside the FDEs, so it can live in
// a block prelude.
type EhFrame struct {
	buf []byte
}

// NewEhFrame starts a frame image with the common x86-64 System V CIE:
// code alignment 1, data alignment -8, return address column 16, CFA at
// RSP+8 with the return address saved at CFA-8.
func NewEhFrame() *EhFrame {
	e := &EhFrame{}

	body := []byte{
		0, 0, 0, 0, // CIE id
		1,             // version
		'z', 'R', 0,   // augmentation
		1,             // code alignment factor
	}
	body = appendSLEB128(body, -8)          // data alignment factor
	body = appendULEB128(body, DwRegRA)     // return address register
	body = appendULEB128(body, 1)           // augmentation data length
	body = append(body, dwEhPeAbsptr)       // FDE pointer encoding
	body = append(body, dwCFADefCFA)        // initial instructions
	body = appendULEB128(body, DwRegRSP)
	body = appendULEB128(body, 8)
	body = append(body, dwCFAOffset|DwRegRA, 1)

	e.buf = appendFrameRecord(e.buf, body)
	return e
}

// AddFDE appends a frame description entry covering the codeSize bytes at
// codeStart, with cfi describing the prolog.
func (e *EhFrame) AddFDE(codeStart uintptr, codeSize int, cfi CFIProgram) {

	// CIE pointer: distance from this field back to the CIE start, which
	// sits at offset 0, so it equals the field's own offset.
	ciePointer := uint32(len(e.buf) + 4)

	body := binary.LittleEndian.AppendUint32(nil, ciePointer)
	body = binary.LittleEndian.AppendUint64(body, uint64(codeStart))
	body = binary.LittleEndian.AppendUint64(body, uint64(codeSize))
	body = appendULEB128(body, 0) // augmentation data length
	body = append(body, cfi...)

	e.buf = appendFrameRecord(e.buf, body)
}

// Bytes terminates the image and returns it.
func (e *EhFrame) Bytes() []byte {
	return append(e.buf, 0, 0, 0, 0)
}

// PackedSize returns the byte size Bytes will produce.
func (e *EhFrame) PackedSize() int {
	return len(e.buf) + 4
}

// appendFrameRecord appends one CIE or FDE record: a length word followed
// by the body, nop-padded so every record is a multiple of 8 bytes.
func appendFrameRecord(dst, body []byte) []byte {
	padded := roundUpTo(4+len(body), 8) - 4
	dst = binary.LittleEndian.AppendUint32(dst, uint32(padded))
	dst = append(dst, body...)
	for i := len(body); i < padded; i++ {
		dst = append(dst, dwCFANop)
	}
	return dst
}

func appendULEB128(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if v == 0 {
			return dst
		}
	}
}

func appendSLEB128(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

// NewEhFrameCallbacks returns unwind callbacks that stamp each fresh block
// with a .eh_frame image holding one FDE over the whole block, described by
// cfi. Frame registration with the host runtime differs per environment, so
// it is injected: register receives the in-place image and returns the
// handle later passed to deregister. Either func may be nil: with a nil
// register the image is only written and the handle is the block base; with
// a nil deregister Destroy does nothing.
func NewEhFrameCallbacks(cfi CFIProgram,
	register func(frame []byte) (any, error),
	deregister func(handle any)) *UnwindCallbacks {

	return &UnwindCallbacks{
		Create: func(block []byte) (any, int, error) {
			e := NewEhFrame()
			base := uintptr(unsafe.Pointer(&block[0]))
			e.AddFDE(base, len(block), cfi)
			img := e.Bytes()
			if len(img) > MaxUnwindDataSize {
				return nil, 0, fmt.Errorf("%d bytes: %w",
					len(img), ErrUnwindPreludeOverflow)
			}
			copy(block, img)
			if register == nil {
				return base, len(img), nil
			}
			handle, err := register(block[:len(img)])
			if err != nil {
				return nil, 0, err
			}
			return handle, len(img), nil
		},
		Destroy: func(handle any) {
			if deregister != nil {
				deregister(handle)
			}
		},
	}
}
