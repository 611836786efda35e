package disasm

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// TextKind classifies the text tokens produced when rendering instructions,
// so downstream consumers can apply syntax highlighting per category.
type TextKind int

const (
	// KindText is separator or punctuation text.
	KindText TextKind = iota
	// KindInstruction is rendered instruction text (mnemonic and operands).
	KindInstruction
	// KindFunction is label-like text such as a gadget address prefix.
	KindFunction
)

// Output receives categorized text tokens.
type Output interface {
	Write(text string, kind TextKind)
}

// Formatter renders one decoded instruction into categorized text tokens.
type Formatter interface {
	Format(in Inst, out Output)
}

// IntelFormatter renders instructions in Intel syntax: lowercase mnemonics,
// 0x-prefixed lowercase hex immediates, a space after operand separators,
// and RIP-relative memory operands kept in relative form.
type IntelFormatter struct{}

func (IntelFormatter) Format(in Inst, out Output) {
	if !in.Valid() {
		out.Write("(bad)", KindInstruction)
		return
	}
	out.Write(x86asm.IntelSyntax(in.Inst, 0, nil), KindInstruction)
}

// Text is an Output that discards kind information and accumulates plain
// text. The zero value is ready to use.
type Text struct {
	b strings.Builder
}

func (t *Text) Write(text string, _ TextKind) {
	t.b.WriteString(text)
}

func (t *Text) String() string { return t.b.String() }
