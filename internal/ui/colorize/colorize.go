// Package colorize renders gadget listings with terminal syntax
// highlighting. Gadget text arrives as categorized tokens; address tokens
// keep their category while instruction text is lexed as assembly.
package colorize

import (
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"

	"ropfind/internal/disasm"
	"ropfind/internal/gadget"
)

// Enabled reports whether colorized output is on. Colors are disabled with
// the ROPFIND_NO_COLOR environment variable.
func Enabled() bool {
	return os.Getenv("ROPFIND_NO_COLOR") == ""
}

// getAssemblyLexer returns an appropriate assembly lexer with fallbacks
func getAssemblyLexer() chroma.Lexer {
	candidates := []string{"nasm", "gas", "GAS"}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// getGadgetStyle returns the gadget style with fallbacks
func getGadgetStyle() *chroma.Style {
	// Try our custom style first, then fallbacks
	candidates := []string{"gadget-dark", "dracula", "monokai"}
	for _, name := range candidates {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// getTerminalFormatter returns an appropriate terminal formatter
func getTerminalFormatter() chroma.Formatter {
	// Try high-color first, then fallback
	candidates := []string{"terminal16m", "terminal256"}
	for _, name := range candidates {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// Writer is a disasm.Output that accumulates chroma tokens: label/function
// text becomes a label token, instruction text is lexed as assembly, and
// separator text passes through untyped.
type Writer struct {
	tokens []chroma.Token
	plain  strings.Builder
}

func (w *Writer) Write(text string, kind disasm.TextKind) {
	w.plain.WriteString(text)
	switch kind {
	case disasm.KindFunction:
		w.tokens = append(w.tokens, chroma.Token{Type: chroma.NameLabel, Value: text})
	case disasm.KindInstruction:
		w.tokens = append(w.tokens, lexAssembly(text)...)
	default:
		w.tokens = append(w.tokens, chroma.Token{Type: chroma.Text, Value: text})
	}
}

// String formats the collected tokens for the terminal. Falls back to the
// plain text when colors are disabled or no formatter is available.
func (w *Writer) String() string {
	if !Enabled() || len(w.tokens) == 0 {
		return w.plain.String()
	}

	// Make sure our custom style is registered
	_ = GadgetDark

	style := getGadgetStyle()
	formatter := getTerminalFormatter()

	var buf strings.Builder
	if err := formatter.Format(&buf, style, chroma.Literator(w.tokens...)); err != nil {
		return w.plain.String()
	}
	return buf.String()
}

// lexAssembly tokenizes one instruction's text with the assembly lexer,
// falling back to a single plain token.
func lexAssembly(text string) []chroma.Token {
	lexer := getAssemblyLexer()
	if lexer == nil {
		return []chroma.Token{{Type: chroma.Text, Value: text}}
	}

	iterator, err := lexer.Tokenise(nil, text)
	if err != nil {
		return []chroma.Token{{Type: chroma.Text, Value: text}}
	}

	var tokens []chroma.Token
	for tok := iterator(); tok != chroma.EOF; tok = iterator() {
		// The lexer appends a newline to its input; gadget text is a
		// single line, so strip it back out.
		tok.Value = strings.TrimRight(tok.Value, "\n")
		if tok.Value == "" {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// GadgetLine renders one gadget with its address prefix, colorized when
// enabled.
func GadgetLine(g gadget.Gadget) string {
	var w Writer
	g.WriteFull(disasm.IntelFormatter{}, &w)
	return w.String()
}

// InstructionLine renders one gadget without its address prefix, colorized
// when enabled.
func InstructionLine(g gadget.Gadget) string {
	var w Writer
	g.WriteInstructions(disasm.IntelFormatter{}, &w)
	return w.String()
}
