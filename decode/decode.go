// Package decode implements the VMX instruction operand decoder: given the
// two hardware-populated VMCS fields available on a VMX-exit
// (VMX_INSTRUCTION_INFO and EXIT_QUALIFICATION) plus the guest's register
// file, it recovers whether the instruction's operand is a register or a
// memory location, and if the latter, its linear address.
package decode

import (
	"fmt"

	"github.com/v-architect/nvmx/hostif"
)

// Segment describes one of the six segment registers as the decoder needs
// it: base and limit for linear-address computation and bounds checking.
type Segment struct {
	Base  uint64
	Limit uint32
}

// segment register indices as VMX_INSTRUCTION_INFO.Segment encodes them.
const (
	SegES = 0
	SegCS = 1
	SegSS = 2
	SegDS = 3
	SegFS = 4
	SegGS = 5
)

// ExitInfo is the decoded form of VMX_INSTRUCTION_INFO: the fields the
// hardware fills in describing a VMX instruction's operand on exit.
type ExitInfo struct {
	Scaling      uint8 // 0..3, meaning 1,2,4,8
	Reg1         hostif.GuestRegister
	AddrSize     uint8 // 0=16-bit, 1=32-bit, 2=64-bit
	IsRegister   bool  // memreg flag: true = register-form operand
	Segment      uint8
	IndexReg     hostif.GuestRegister
	IndexInvalid bool
	BaseReg      hostif.GuestRegister
	BaseInvalid  bool
	Reg2         hostif.GuestRegister
}

// Decoded is the decoder's output: exactly one of the two forms below,
// distinguished by IsMemory.
type Decoded struct {
	IsMemory bool

	// Register form.
	Reg1 hostif.GuestRegister
	Reg2 hostif.GuestRegister

	// Memory form.
	LinearAddr uint64
	Length     int
}

// Fault is a hardware-architected fault the decoder determined must be
// raised; it carries enough to call hostif.ExceptionInjector.
type Fault struct {
	Vector    uint8
	ErrorCode uint32
}

func (f *Fault) Error() string {
	return fmt.Sprintf("decode: fault vector=%d error_code=%d", f.Vector, f.ErrorCode)
}

func gpFault() *Fault { return &Fault{Vector: hostif.VectorGP, ErrorCode: 0} }

// Segments is the guest's current segment-register state, as Decode needs
// it for memory-form linear-address computation and bounds checking.
type Segments struct {
	Segs [6]Segment
	// LongMode indicates whether the guest is currently running in IA-32e
	// (long) mode; it gates the segment-limit check exemption for non-GS
	// segments.
	LongMode bool
}

// Decode recovers the operand form of a VMX instruction from info and
// qualification (the EXIT_QUALIFICATION displacement), consulting regs for
// register-form values and segs for memory-form linear-address computation
// and bounds checking.
//
// If info.Segment exceeds 5, Decode returns #GP(0). In non-long-mode, or in
// long mode when the segment is GS, the decoder additionally enforces
// offset <= limit and offset+length <= limit, raising #GP(0) on violation.
func Decode(info ExitInfo, qualification uint64, regs hostif.RegisterFile, segs Segments) (Decoded, *Fault) {
	if info.IsRegister {
		return Decoded{IsMemory: false, Reg1: info.Reg1, Reg2: info.Reg2}, nil
	}

	if info.Segment > 5 {
		return Decoded{}, gpFault()
	}
	seg := segs.Segs[info.Segment]

	var offset uint64
	if !info.BaseInvalid {
		offset += regs.ReadGuestRegister(info.BaseReg)
	}
	if !info.IndexInvalid {
		offset += regs.ReadGuestRegister(info.IndexReg) << info.Scaling
	}
	offset += qualification

	length := 1 << (info.AddrSize + 1)

	enforceLimit := !segs.LongMode || info.Segment == SegGS
	if enforceLimit {
		if offset > uint64(seg.Limit) || offset+uint64(length) > uint64(seg.Limit) {
			return Decoded{}, gpFault()
		}
	}

	return Decoded{
		IsMemory:   true,
		Reg2:       info.Reg2,
		LinearAddr: seg.Base + offset,
		Length:     length,
	}, nil
}
