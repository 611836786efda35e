// Package disasm decodes x86-64 machine code into the instruction
// representation used by the gadget search, and renders instructions back
// into Intel-syntax text.
package disasm

import (
	"golang.org/x/arch/x86/x86asm"
)

// MaxInstructionLen is the longest legal x86 instruction encoding.
const MaxInstructionLen = 15

// Inst is a decoded instruction pinned to its exact encoding. The raw bytes
// are the identity used for gadget deduplication: decoding is deterministic,
// so byte-identical encodings always yield the same instruction.
type Inst struct {
	Inst x86asm.Inst
	Raw  []byte
}

// Valid reports whether the record holds a successful decode. Table slots at
// offsets where decoding failed hold an invalid Inst.
func (i Inst) Valid() bool { return len(i.Raw) > 0 }

// Len returns the encoded byte length.
func (i Inst) Len() int { return len(i.Raw) }

// Op returns the decoded mnemonic, or 0 for an invalid record.
func (i Inst) Op() x86asm.Op { return i.Inst.Op }

// Decode decodes a single 64-bit mode instruction starting at offset.
func Decode(code []byte, offset int) (Inst, bool) {
	if offset < 0 || offset >= len(code) {
		return Inst{}, false
	}
	in, err := x86asm.Decode(code[offset:], 64)
	if err != nil {
		return Inst{}, false
	}
	// A truncated stream decodes without error into a prefix-only record
	// with a zero Op. That is not an instruction.
	if in.Op == 0 {
		return Inst{}, false
	}
	return Inst{Inst: in, Raw: code[offset : offset+in.Len]}, true
}

// Predecessors builds the byte-indexed overlapping decode table for a window
// of bytes preceding a gadget tail: entry i holds the instruction that would
// be decoded if disassembly started exactly at byte i. x86 is variable
// length, so entries at different offsets may overlap in underlying bytes.
// Offsets that do not decode (including instructions that would run past the
// end of the window) hold an invalid Inst.
func Predecessors(window []byte) []Inst {
	table := make([]Inst, len(window))
	for i := range window {
		if in, ok := Decode(window, i); ok {
			table[i] = in
		}
	}
	return table
}
