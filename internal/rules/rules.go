// Package rules holds the x86-64 legality and classification predicates the
// gadget search is parameterized by: which instructions may appear inside a
// gadget, which redirect the stack or frame pointer, and which qualify as
// gadget tails.
package rules

import (
	"golang.org/x/arch/x86/x86asm"

	"ropfind/internal/disasm"
)

// Table is the concrete x86-64 rule table. It satisfies gadget.RuleTable.
type Table struct{}

// controlTransfer covers every op that moves control somewhere else. None of
// these may appear inside a gadget body: the chain must fall through to the
// tail.
var controlTransfer = map[x86asm.Op]bool{
	x86asm.CALL: true, x86asm.LCALL: true,
	x86asm.JMP: true, x86asm.LJMP: true,
	x86asm.RET: true, x86asm.LRET: true,
	x86asm.IRET: true, x86asm.IRETD: true, x86asm.IRETQ: true,
	x86asm.SYSCALL: true, x86asm.SYSRET: true,
	x86asm.SYSENTER: true, x86asm.SYSEXIT: true,
	x86asm.INT: true, x86asm.INTO: true,
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JE: true, x86asm.JNE: true, x86asm.JG: true, x86asm.JGE: true,
	x86asm.JL: true, x86asm.JLE: true, x86asm.JO: true, x86asm.JNO: true,
	x86asm.JP: true, x86asm.JNP: true, x86asm.JS: true, x86asm.JNS: true,
	x86asm.JCXZ: true, x86asm.JECXZ: true, x86asm.JRCXZ: true,
	x86asm.LOOP: true, x86asm.LOOPE: true, x86asm.LOOPNE: true,
}

// noisyOps are legal but unreliable as gadget components: privileged,
// IO-touching, or rarely useful in a payload. Admitted only in noisy mode.
var noisyOps = map[x86asm.Op]bool{
	x86asm.HLT: true, x86asm.CLI: true, x86asm.STI: true,
	x86asm.IN: true, x86asm.OUT: true,
	x86asm.INSB: true, x86asm.INSW: true, x86asm.INSD: true,
	x86asm.OUTSB: true, x86asm.OUTSW: true, x86asm.OUTSD: true,
	x86asm.UD1: true, x86asm.UD2: true,
	x86asm.CPUID: true, x86asm.RDMSR: true, x86asm.WRMSR: true,
	x86asm.INVD: true, x86asm.WBINVD: true, x86asm.INVLPG: true,
	x86asm.XLATB: true, x86asm.FWAIT: true, x86asm.ENTER: true,
}

// stackRegs and baseRegs are the architectural names of the stack and frame
// pointers in every operand width the decoder reports.
var stackRegs = map[x86asm.Reg]bool{x86asm.RSP: true, x86asm.ESP: true, x86asm.SP: true}
var baseRegs = map[x86asm.Reg]bool{x86asm.RBP: true, x86asm.EBP: true, x86asm.BP: true}

// regWriters are ops whose first operand is written.
var regWriters = map[x86asm.Op]bool{
	x86asm.MOV: true, x86asm.LEA: true, x86asm.POP: true,
	x86asm.ADD: true, x86asm.SUB: true, x86asm.ADC: true, x86asm.SBB: true,
	x86asm.AND: true, x86asm.OR: true, x86asm.XOR: true,
	x86asm.INC: true, x86asm.DEC: true,
}

// IsGadgetHead reports whether the instruction may legally appear before the
// tail of a gadget. Invalid decodes and control transfers never qualify;
// noisy mode additionally admits the unreliable instruction classes.
func (Table) IsGadgetHead(in disasm.Inst, noisy bool) bool {
	if !in.Valid() {
		return false
	}
	op := in.Op()
	// Zero Op means a prefix-only decode of a truncated stream.
	if op == 0 || controlTransfer[op] {
		return false
	}
	if !noisy && noisyOps[op] {
		return false
	}
	return true
}

// IsStackPivotHead reports whether the instruction redirects the stack
// pointer when it appears before the tail.
func (Table) IsStackPivotHead(in disasm.Inst) bool {
	if !in.Valid() {
		return false
	}
	op := in.Op()
	if op == x86asm.LEAVE {
		// mov rsp, rbp; pop rbp
		return true
	}
	if op == x86asm.XCHG {
		return isStackReg(in.Inst.Args[0]) || isStackReg(in.Inst.Args[1])
	}
	return regWriters[op] && isStackReg(in.Inst.Args[0])
}

// IsStackPivotTail reports whether the instruction redirects the stack
// pointer as a side effect of the control transfer itself, i.e. return
// variants that pop extra bytes.
func (Table) IsStackPivotTail(in disasm.Inst) bool {
	if !in.Valid() {
		return false
	}
	switch in.Op() {
	case x86asm.RET:
		return in.Inst.Args[0] != nil // ret imm16
	case x86asm.LRET:
		return true
	}
	return false
}

// IsBasePivotHead reports whether the instruction redirects the frame/base
// pointer when it appears before the tail.
func (Table) IsBasePivotHead(in disasm.Inst) bool {
	if !in.Valid() {
		return false
	}
	op := in.Op()
	if op == x86asm.LEAVE {
		// pops rbp
		return true
	}
	if op == x86asm.XCHG {
		return isBaseReg(in.Inst.Args[0]) || isBaseReg(in.Inst.Args[1])
	}
	return regWriters[op] && isBaseReg(in.Inst.Args[0])
}

func isStackReg(a x86asm.Arg) bool {
	r, ok := a.(x86asm.Reg)
	return ok && stackRegs[r]
}

func isBaseReg(a x86asm.Arg) bool {
	r, ok := a.(x86asm.Reg)
	return ok && baseRegs[r]
}

// TailKinds selects which instruction classes terminate a gadget.
type TailKinds struct {
	Rop bool // return instructions
	Sys bool // syscall entries
	Jop bool // indirect jumps and calls
}

// IsGadgetTail reports whether the instruction can terminate a gadget of one
// of the selected kinds.
func IsGadgetTail(in disasm.Inst, kinds TailKinds) bool {
	if !in.Valid() {
		return false
	}
	switch in.Op() {
	case x86asm.RET, x86asm.LRET:
		return kinds.Rop
	case x86asm.SYSCALL, x86asm.SYSENTER:
		return kinds.Sys
	case x86asm.INT:
		// int 0x80: legacy 32-bit syscall entry
		imm, ok := in.Inst.Args[0].(x86asm.Imm)
		return kinds.Sys && ok && imm == 0x80
	case x86asm.JMP, x86asm.CALL:
		return kinds.Jop && isIndirect(in.Inst.Args[0])
	}
	return false
}

// isIndirect reports whether a branch target is attacker-steerable: a
// register, or memory not anchored to RIP.
func isIndirect(a x86asm.Arg) bool {
	switch arg := a.(type) {
	case x86asm.Reg:
		return true
	case x86asm.Mem:
		return arg.Base != x86asm.RIP
	}
	return false
}
