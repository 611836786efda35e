package gadget

import (
	"errors"

	"ropfind/internal/disasm"
)

// ErrNoTailSlot is returned when maxInstructions cannot reserve a slot for
// the tail instruction.
var ErrNoTailSlot = errors.New("gadget: max instructions must be at least 1")

// Enumerator is a forward-only, single-pass search over the byte window
// preceding one fixed tail instruction. Sliding the candidate start one byte
// at a time, it yields every start offset from which a chain of legal
// instructions lands exactly on the tail boundary. x86 instructions are
// variable length and decode differently from different start offsets, so
// byte-by-byte re-synchronization is the only way to find every overlapping
// gadget.
//
// The enumerator narrows its own view into the caller-owned predecessors
// table and never mutates it; independent enumerators over the same table
// may run concurrently with no coordination. The sequence is finite and not
// restartable.
type Enumerator struct {
	sectionStart    uint64
	tail            disasm.Inst
	predecessors    []disasm.Inst
	maxInstructions int
	noisy           bool
	startIndex      int
	rules           RuleTable
}

// NewEnumerator builds an enumerator for one tail instruction and the
// predecessors table of the byte window preceding it. maxInstructions caps
// gadget length including the tail and must be at least 1; startIndex is
// added to sectionStart when computing file offsets.
func NewEnumerator(sectionStart uint64, tail disasm.Inst, predecessors []disasm.Inst, maxInstructions int, noisy bool, startIndex int, rules RuleTable) (*Enumerator, error) {
	if maxInstructions < 1 {
		return nil, ErrNoTailSlot
	}
	return &Enumerator{
		sectionStart:    sectionStart,
		tail:            tail,
		predecessors:    predecessors,
		maxInstructions: maxInstructions,
		noisy:           noisy,
		startIndex:      startIndex,
		rules:           rules,
	}, nil
}

// Next produces the next gadget, or false once the window is exhausted.
// Every start offset is tried exactly once: the window advances by one byte
// per outer iteration whether or not the offset yielded a gadget.
func (e *Enumerator) Next() (Gadget, bool) {
outer:
	for len(e.predecessors) > 0 {
		var instructions []disasm.Inst

		// ln is the exact byte distance from the candidate start to the
		// tail. A chain is a gadget only if its instruction lengths sum to
		// ln: no overrun past the tail, no gap before it.
		ln := len(e.predecessors)
		index := 0
		for index < ln && len(instructions) < e.maxInstructions-1 {
			instruction := e.predecessors[index]
			if !e.rules.IsGadgetHead(instruction, e.noisy) {
				e.predecessors = e.predecessors[1:]
				e.startIndex++
				continue outer
			}
			instructions = append(instructions, instruction)
			index += instruction.Len()
		}

		currentStartIndex := e.startIndex

		e.predecessors = e.predecessors[1:]
		e.startIndex++

		if index == ln {
			instructions = append(instructions, e.tail)
			return Gadget{
				fileOffset:   e.sectionStart + uint64(currentStartIndex),
				instructions: instructions,
			}, true
		}
	}

	return Gadget{}, false
}

// Collect drains the enumerator into a slice.
func (e *Enumerator) Collect() []Gadget {
	var gadgets []Gadget
	for {
		g, ok := e.Next()
		if !ok {
			return gadgets
		}
		gadgets = append(gadgets, g)
	}
}
