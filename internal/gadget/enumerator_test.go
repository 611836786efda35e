package gadget

import (
	"errors"
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"ropfind/internal/disasm"
)

// fakeInst builds a synthetic instruction whose identity and length come
// from its raw bytes.
func fakeInst(op x86asm.Op, raw ...byte) disasm.Inst {
	return disasm.Inst{Inst: x86asm.Inst{Op: op, Len: len(raw)}, Raw: raw}
}

// fakeRules is a deterministic rule table driven by the first raw byte of
// each instruction.
type fakeRules struct {
	badHeads   map[byte]bool
	stackHeads map[byte]bool
	stackTails map[byte]bool
	baseHeads  map[byte]bool
}

func (f fakeRules) IsGadgetHead(in disasm.Inst, noisy bool) bool {
	return in.Valid() && !f.badHeads[in.Raw[0]]
}

func (f fakeRules) IsStackPivotHead(in disasm.Inst) bool {
	return in.Valid() && f.stackHeads[in.Raw[0]]
}

func (f fakeRules) IsStackPivotTail(in disasm.Inst) bool {
	return in.Valid() && f.stackTails[in.Raw[0]]
}

func (f fakeRules) IsBasePivotHead(in disasm.Inst) bool {
	return in.Valid() && f.baseHeads[in.Raw[0]]
}

var (
	instA = fakeInst(x86asm.NOP, 0xa0, 0xa1) // len 2
	instB = fakeInst(x86asm.NOP, 0xb0, 0xb1) // len 2
	instC = fakeInst(x86asm.NOP, 0xc0)       // len 1
	tailT = fakeInst(x86asm.RET, 0xf0)
)

func offsets(gadgets []Gadget) []uint64 {
	var out []uint64
	for _, g := range gadgets {
		out = append(out, g.FileOffset())
	}
	return out
}

func TestEnumeratorOverlappingStarts(t *testing.T) {
	// Window of 3 bytes before the tail: A (len 2) at offset 0, B (len 2)
	// at offset 1, C (len 1) at offset 2. Every start offset reaches the
	// tail boundary exactly.
	preds := []disasm.Inst{instA, instB, instC}

	e, err := NewEnumerator(0x400, tailT, preds, 3, false, 0, fakeRules{})
	if err != nil {
		t.Fatalf("NewEnumerator: %v", err)
	}

	gadgets := e.Collect()
	if len(gadgets) != 3 {
		t.Fatalf("expected 3 gadgets, got %d: %v", len(gadgets), gadgets)
	}

	want := []struct {
		offset uint64
		chain  []disasm.Inst
	}{
		{0x400, []disasm.Inst{instA, instC, tailT}},
		{0x401, []disasm.Inst{instB, tailT}},
		{0x402, []disasm.Inst{instC, tailT}},
	}
	for i, w := range want {
		g := gadgets[i]
		if g.FileOffset() != w.offset {
			t.Errorf("gadget %d: offset %#x, want %#x", i, g.FileOffset(), w.offset)
		}
		ins := g.Instructions()
		if len(ins) != len(w.chain) {
			t.Fatalf("gadget %d: %d instructions, want %d", i, len(ins), len(w.chain))
		}
		for j := range ins {
			if ins[j].Raw[0] != w.chain[j].Raw[0] {
				t.Errorf("gadget %d instruction %d: %#x, want %#x", i, j, ins[j].Raw[0], w.chain[j].Raw[0])
			}
		}
		if ins[len(ins)-1].Raw[0] != tailT.Raw[0] {
			t.Errorf("gadget %d does not end with the tail", i)
		}
	}

	// Drained: no restart.
	if _, ok := e.Next(); ok {
		t.Error("exhausted enumerator produced another gadget")
	}
}

func TestEnumeratorIllegalHeadSkipsOnlyThatStart(t *testing.T) {
	preds := []disasm.Inst{instA, instB, instC}

	e, err := NewEnumerator(0, tailT, preds, 3, false, 0, fakeRules{
		badHeads: map[byte]bool{instB.Raw[0]: true},
	})
	if err != nil {
		t.Fatalf("NewEnumerator: %v", err)
	}

	got := offsets(e.Collect())
	want := []uint64{0, 2}
	if len(got) != len(want) {
		t.Fatalf("offsets %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("offsets %v, want %v", got, want)
		}
	}
}

func TestEnumeratorLengthCap(t *testing.T) {
	// With maxInstructions = 2 the start at offset 0 would need two head
	// instructions and must be discarded; the shorter chains still fit.
	preds := []disasm.Inst{instA, instB, instC}

	e, err := NewEnumerator(0, tailT, preds, 2, false, 0, fakeRules{})
	if err != nil {
		t.Fatalf("NewEnumerator: %v", err)
	}

	for _, g := range e.Collect() {
		if n := len(g.Instructions()); n > 2 {
			t.Errorf("gadget at %#x has %d instructions, cap is 2", g.FileOffset(), n)
		}
		if g.FileOffset() == 0 {
			t.Errorf("start offset 0 needs 3 instructions and should have been discarded")
		}
	}
}

func TestEnumeratorExactBoundary(t *testing.T) {
	// An instruction overrunning the tail boundary must not yield: D is 5
	// bytes long inside a 3-byte window.
	instD := fakeInst(x86asm.NOP, 0xd0, 0xd1, 0xd2, 0xd3, 0xd4)
	preds := []disasm.Inst{instD, instB, instC}

	e, err := NewEnumerator(0, tailT, preds, 4, false, 0, fakeRules{})
	if err != nil {
		t.Fatalf("NewEnumerator: %v", err)
	}

	for _, g := range e.Collect() {
		if g.FileOffset() == 0 {
			t.Fatalf("overrunning chain at offset 0 was yielded")
		}
		// The exact-boundary law: head lengths sum to the distance from
		// the start offset to the tail at byte 3.
		sum := uint64(0)
		ins := g.Instructions()
		for _, in := range ins[:len(ins)-1] {
			sum += uint64(in.Len())
		}
		if g.FileOffset()+sum != 3 {
			t.Errorf("gadget at %#x: head lengths sum to %d, want %d", g.FileOffset(), sum, 3-g.FileOffset())
		}
	}
}

func TestEnumeratorProgress(t *testing.T) {
	// All heads illegal: no gadgets, but the search still terminates after
	// visiting every start offset exactly once.
	preds := []disasm.Inst{instA, instB, instC, instC, instC}

	e, err := NewEnumerator(0, tailT, preds, 3, false, 0, fakeRules{
		badHeads: map[byte]bool{0xa0: true, 0xb0: true, 0xc0: true},
	})
	if err != nil {
		t.Fatalf("NewEnumerator: %v", err)
	}

	if gadgets := e.Collect(); len(gadgets) != 0 {
		t.Fatalf("expected no gadgets, got %d", len(gadgets))
	}
	if len(e.predecessors) != 0 {
		t.Fatalf("window not exhausted: %d entries left", len(e.predecessors))
	}
}

func TestEnumeratorInvalidDecodeSlot(t *testing.T) {
	// Table slots where decoding failed hold invalid records; they must be
	// treated as illegal heads, not stepped over.
	preds := []disasm.Inst{{}, instB, instC}

	e, err := NewEnumerator(0, tailT, preds, 3, false, 0, fakeRules{})
	if err != nil {
		t.Fatalf("NewEnumerator: %v", err)
	}

	got := offsets(e.Collect())
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("offsets %v, want [1 2]", got)
	}
}

func TestEnumeratorRejectsZeroMaxInstructions(t *testing.T) {
	_, err := NewEnumerator(0, tailT, []disasm.Inst{instC}, 0, false, 0, fakeRules{})
	if !errors.Is(err, ErrNoTailSlot) {
		t.Fatalf("expected ErrNoTailSlot, got %v", err)
	}
}

func TestEnumeratorStartIndexOffsetsResults(t *testing.T) {
	preds := []disasm.Inst{instC}

	e, err := NewEnumerator(0x1000, tailT, preds, 3, false, 7, fakeRules{})
	if err != nil {
		t.Fatalf("NewEnumerator: %v", err)
	}

	g, ok := e.Next()
	if !ok {
		t.Fatal("expected one gadget")
	}
	if g.FileOffset() != 0x1007 {
		t.Fatalf("offset %#x, want 0x1007", g.FileOffset())
	}
}

func TestGadgetKeyIgnoresOffset(t *testing.T) {
	preds := []disasm.Inst{instC}

	first, err := NewEnumerator(0x100, tailT, preds, 3, false, 0, fakeRules{})
	if err != nil {
		t.Fatalf("NewEnumerator: %v", err)
	}
	second, err := NewEnumerator(0x900, tailT, preds, 3, false, 0, fakeRules{})
	if err != nil {
		t.Fatalf("NewEnumerator: %v", err)
	}

	g1, ok1 := first.Next()
	g2, ok2 := second.Next()
	if !ok1 || !ok2 {
		t.Fatal("expected a gadget from both enumerators")
	}

	if g1.FileOffset() == g2.FileOffset() {
		t.Fatal("test requires distinct offsets")
	}
	if g1.Key() != g2.Key() {
		t.Error("structurally equal gadgets have different keys")
	}

	set := map[string]Gadget{g1.Key(): g1, g2.Key(): g2}
	if len(set) != 1 {
		t.Errorf("dedup set holds %d entries, want 1", len(set))
	}
}
