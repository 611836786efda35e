// Package scan drives gadget discovery over byte buffers and whole ELF
// images: it locates tail instructions, builds a predecessors window per
// tail, fans the windows out to enumerators, and deduplicates the results.
package scan

import (
	"fmt"
	"regexp"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/ianlancetaylor/demangle"

	"ropfind/internal/disasm"
	"ropfind/internal/elfx"
	"ropfind/internal/gadget"
	"ropfind/internal/logging"
	"ropfind/internal/rules"
)

// Options controls a scan.
type Options struct {
	// MaxInstructions caps gadget length including the tail.
	MaxInstructions int
	// Noisy admits unreliable instruction classes into gadget bodies.
	Noisy bool
	// Tails selects the tail classes to search for. Zero value means ROP
	// tails only.
	Tails rules.TailKinds
	// StackPivot/BasePivot keep only gadgets with the given classification.
	StackPivot bool
	BasePivot  bool
	// Pattern, when set, keeps only gadgets whose rendered text matches.
	Pattern *regexp.Regexp
	// Section, when set, restricts an image scan to the named region.
	Section string
	// Workers bounds the enumerator goroutines. Defaults to GOMAXPROCS.
	Workers int
}

// DefaultMaxInstructions bounds search cost and gadget usefulness; chains
// longer than this are rarely exploitable.
const DefaultMaxInstructions = 6

func (o Options) normalized() Options {
	if o.MaxInstructions == 0 {
		o.MaxInstructions = DefaultMaxInstructions
	}
	if o.Tails == (rules.TailKinds{}) {
		o.Tails = rules.TailKinds{Rop: true}
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	return o
}

type tail struct {
	offset int
	in     disasm.Inst
}

// Section finds every gadget in one executable region. sectionStart is the
// file offset of code's first byte; reported gadget offsets are
// sectionStart-relative to the file. Results are deduplicated by instruction
// content (lowest offset wins) and sorted by ascending offset.
func Section(code []byte, sectionStart uint64, opts Options) ([]gadget.Gadget, error) {
	opts = opts.normalized()
	if opts.MaxInstructions < 1 {
		return nil, fmt.Errorf("scan: max instructions %d cannot hold a tail", opts.MaxInstructions)
	}

	table := rules.Table{}

	// Tail instructions are themselves found at every byte offset: a ret
	// byte may hide inside a longer instruction of the default stream.
	var tails []tail
	for off := range code {
		in, ok := disasm.Decode(code, off)
		if !ok {
			continue
		}
		if rules.IsGadgetTail(in, opts.Tails) {
			tails = append(tails, tail{offset: off, in: in})
		}
	}

	var (
		mu     sync.Mutex
		unique = make(map[string]gadget.Gadget)
	)

	jobs := make(chan tail)
	var wg sync.WaitGroup
	for range opts.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				scanTail(code, sectionStart, t, opts, table, &mu, unique)
			}
		}()
	}
	for _, t := range tails {
		jobs <- t
	}
	close(jobs)
	wg.Wait()

	gadgets := make([]gadget.Gadget, 0, len(unique))
	for _, g := range unique {
		gadgets = append(gadgets, g)
	}
	slices.SortFunc(gadgets, gadget.ByOffset)
	return gadgets, nil
}

// scanTail drains one enumerator and merges its gadgets into the shared
// dedup map. Each enumerator owns an independent view, so the map is the
// only shared mutable state.
func scanTail(code []byte, sectionStart uint64, t tail, opts Options, table rules.Table, mu *sync.Mutex, unique map[string]gadget.Gadget) {
	lookback := opts.MaxInstructions * disasm.MaxInstructionLen
	wstart := t.offset - lookback
	if wstart < 0 {
		wstart = 0
	}
	preds := disasm.Predecessors(code[wstart:t.offset])

	e, err := gadget.NewEnumerator(sectionStart+uint64(wstart), t.in, preds, opts.MaxInstructions, opts.Noisy, 0, table)
	if err != nil {
		// MaxInstructions was validated by the caller.
		return
	}

	for {
		g, ok := e.Next()
		if !ok {
			return
		}
		if !keep(g, opts, table) {
			continue
		}
		key := g.Key()
		mu.Lock()
		if prev, dup := unique[key]; !dup || g.FileOffset() < prev.FileOffset() {
			unique[key] = g
		}
		mu.Unlock()
	}
}

func keep(g gadget.Gadget, opts Options, table rules.Table) bool {
	if opts.StackPivot && !g.IsStackPivot(table) {
		return false
	}
	if opts.BasePivot && !g.IsBasePivot(table) {
		return false
	}
	if opts.Pattern != nil && !opts.Pattern.MatchString(g.String()) {
		return false
	}
	return true
}

// Found is a gadget located within an image, annotated with its virtual
// address, region, and the demangled name of the containing function.
type Found struct {
	Gadget gadget.Gadget
	VA     uint64
	Region string
	Symbol string
}

// Report is the result of scanning a whole image.
type Report struct {
	Path    string
	Regions []string
	Gadgets []Found
	Elapsed time.Duration
}

// Image scans every executable region of an ELF image.
func Image(img *elfx.Image, opts Options) (*Report, error) {
	lg := logging.NewLogger()
	defer lg.Close()

	start := time.Now()
	report := &Report{Path: img.Path}

	for _, sec := range img.Exec {
		if opts.Section != "" && sec.Name != opts.Section {
			continue
		}
		code, ok := img.Bytes(sec)
		if !ok {
			lg.Warn("Executable region out of file bounds", "region", sec.Name, "off", sec.Off, "size", sec.Size)
			continue
		}
		gadgets, err := Section(code, sec.Off, opts)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", sec.Name, err)
		}
		lg.Debug("Scanned region", "region", sec.Name, "bytes", len(code), "gadgets", len(gadgets))

		report.Regions = append(report.Regions, sec.Name)
		for _, g := range gadgets {
			va := sec.VA + (g.FileOffset() - sec.Off)
			found := Found{Gadget: g, VA: va, Region: sec.Name}
			if sym, ok := img.SymbolFor(va); ok {
				found.Symbol = demangle.Filter(sym.Name, demangle.NoClones)
			}
			report.Gadgets = append(report.Gadgets, found)
		}
	}

	if opts.Section != "" && len(report.Regions) == 0 {
		return nil, fmt.Errorf("no executable region named %q", opts.Section)
	}

	slices.SortFunc(report.Gadgets, func(a, b Found) int {
		return gadget.ByOffset(a.Gadget, b.Gadget)
	})
	report.Elapsed = time.Since(start)
	return report, nil
}
