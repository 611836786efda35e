// Package gadget implements ROP gadget discovery: the gadget entity and the
// sliding-window enumerator that finds every byte-aligned instruction chain
// reaching a fixed tail instruction.
package gadget

import (
	"fmt"

	"ropfind/internal/disasm"
)

// RuleTable supplies the per-instruction predicates the search and the pivot
// classification are parameterized by. Predicates are pure and stateless;
// tests substitute deterministic fakes.
type RuleTable interface {
	// IsGadgetHead reports whether in may appear before the tail of a
	// gadget. noisy admits instruction classes considered unreliable.
	IsGadgetHead(in disasm.Inst, noisy bool) bool
	// IsStackPivotHead reports whether in redirects the stack pointer when
	// it appears before the tail.
	IsStackPivotHead(in disasm.Inst) bool
	// IsStackPivotTail reports whether in redirects the stack pointer as a
	// side effect of the control transfer itself.
	IsStackPivotTail(in disasm.Inst) bool
	// IsBasePivotHead reports whether in redirects the frame pointer when
	// it appears before the tail.
	IsBasePivotHead(in disasm.Inst) bool
}

// Gadget is an immutable instruction chain anchored to the file offset it
// was discovered at. The tail instruction is always last. Identity (Key) is
// structural over the instruction sequence only; the offset is a separate
// sort key, so overlapping discoveries of the same byte sequence deduplicate
// while reports stay address-ordered.
type Gadget struct {
	fileOffset   uint64
	instructions []disasm.Inst
}

// FileOffset returns the file offset of the gadget's first byte.
func (g Gadget) FileOffset() uint64 { return g.fileOffset }

// Instructions returns the gadget body, tail last. The slice must not be
// mutated.
func (g Gadget) Instructions() []disasm.Inst { return g.instructions }

// Key returns the structural identity of the gadget: the concatenated
// encodings of its instructions. Two gadgets at different offsets with
// byte-identical instruction sequences share a key.
func (g Gadget) Key() string {
	n := 0
	for _, in := range g.instructions {
		n += len(in.Raw)
	}
	key := make([]byte, 0, n)
	for _, in := range g.instructions {
		key = append(key, in.Raw...)
	}
	return string(key)
}

// IsStackPivot reports whether the gadget can redirect the stack pointer.
// A single-instruction gadget pivots only if its tail does (e.g. ret imm16);
// longer gadgets pivot if any instruction before the tail does. The tail is
// never re-tested once preceded by other instructions.
func (g Gadget) IsStackPivot(rules RuleTable) bool {
	switch len(g.instructions) {
	case 0:
		return false
	case 1:
		return rules.IsStackPivotTail(g.instructions[0])
	}
	for _, in := range g.instructions[:len(g.instructions)-1] {
		if rules.IsStackPivotHead(in) {
			return true
		}
	}
	return false
}

// IsBasePivot reports whether the gadget can redirect the frame/base
// pointer. Gadgets of length <= 1 never qualify.
func (g Gadget) IsBasePivot(rules RuleTable) bool {
	if len(g.instructions) <= 1 {
		return false
	}
	for _, in := range g.instructions[:len(g.instructions)-1] {
		if rules.IsBasePivotHead(in) {
			return true
		}
	}
	return false
}

// WriteInstructions renders the gadget body through f: instructions
// separated by "; ", with a terminating ";" after the last one.
func (g Gadget) WriteInstructions(f disasm.Formatter, out disasm.Output) {
	for i, in := range g.instructions {
		f.Format(in, out)
		out.Write(";", disasm.KindText)
		if i < len(g.instructions)-1 {
			out.Write(" ", disasm.KindText)
		}
	}
}

// WriteFull renders the gadget prefixed by its file offset as a fixed-width
// hex address (8 hex digits, 10 characters with the 0x prefix). The address
// is emitted as a label/function token so downstream consumers can highlight
// it. %#010x counts the prefix toward the width, so the digits are padded
// separately.
func (g Gadget) WriteFull(f disasm.Formatter, out disasm.Output) {
	out.Write(fmt.Sprintf("0x%08x: ", g.fileOffset), disasm.KindFunction)
	g.WriteInstructions(f, out)
}

// String renders the gadget body as plain Intel-syntax text.
func (g Gadget) String() string {
	var t disasm.Text
	g.WriteInstructions(disasm.IntelFormatter{}, &t)
	return t.String()
}

// ByOffset orders gadgets by file offset, ascending. Ordering deliberately
// ignores instruction content, just as Key deliberately ignores the offset.
func ByOffset(a, b Gadget) int {
	switch {
	case a.fileOffset < b.fileOffset:
		return -1
	case a.fileOffset > b.fileOffset:
		return 1
	}
	return 0
}
