package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

func init() {
	// Register our custom disassembly style on package initialization
	_ = GadgetDark
}

// GadgetDark is a custom style for gadget listings matching our color scheme
var GadgetDark = styles.Register(chroma.MustNewStyle("gadget-dark", chroma.StyleEntries{
	chroma.Text:       "#FFFFFF",    // Default text white
	chroma.Background: "bg:#1e1e1e", // Dark background
	chroma.Comment:    "#6A9955",    // Comments in green

	// NASM lexer mappings
	chroma.Keyword:       "#FFFFFF", // Mnemonics in white
	chroma.KeywordPseudo: "#FFFFFF", // Pseudo instructions in white
	chroma.Name:          "#7C9C9D", // Generic names (registers) in teal
	chroma.NameBuiltin:   "#7C9C9D", // Builtin names (rsp, rbp) in teal
	chroma.NameVariable:  "#7C9C9D", // Variables/registers in teal

	// Numbers
	chroma.LiteralNumber:        "#FF5F87", // Decimal numbers in pink
	chroma.LiteralNumberHex:     "#FF5F87", // Hex numbers in pink
	chroma.LiteralNumberBin:     "#FF5F87", // Binary numbers in pink
	chroma.LiteralNumberOct:     "#FF5F87", // Octal numbers in pink
	chroma.LiteralNumberInteger: "#FF5F87", // Integer literals in pink

	// Gadget addresses are emitted as labels
	chroma.NameLabel:    "#FFD700", // Addresses in gold
	chroma.NameFunction: "#FFFFFF", // Mnemonics tokenized as functions, white

	// Operators and punctuation
	chroma.Operator:    "#FFFFFF",
	chroma.Punctuation: "#FFFFFF",

	chroma.String: "#EACD53", // Strings in golden
}))
