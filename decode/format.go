package decode

import (
	"fmt"

	"github.com/v-architect/nvmx/hostif"
	"golang.org/x/arch/x86/x86asm"
)

// Format renders d for diagnostic logging. It never participates in
// architectural behavior — only nvmx's logging path calls it.
func Format(d Decoded) string {
	if !d.IsMemory {
		return fmt.Sprintf("register(reg1=%d reg2=%d)", d.Reg1, d.Reg2)
	}
	return fmt.Sprintf("memory(addr=0x%x len=%d reg2=%d)", d.LinearAddr, d.Length, d.Reg2)
}

// DisassembleAt best-effort disassembles the instruction preceding the
// faulting RIP using mem's InstructionBytes, purely to make a log line
// readable. A disassembly failure is never treated as an emulation error;
// it only degrades the message.
func DisassembleAt(mem hostif.GuestMemory) string {
	raw := mem.InstructionBytes(15) // max x86 instruction length
	if len(raw) == 0 {
		return "<no instruction bytes available>"
	}
	inst, err := x86asm.Decode(raw, 64)
	if err != nil {
		return fmt.Sprintf("<undecodable: %v>", err)
	}
	return x86asm.GNUSyntax(inst, 0, nil)
}
