package scan

import (
	"regexp"
	"testing"

	"ropfind/internal/elfx"
	"ropfind/internal/gadget"
	"ropfind/internal/rules"
)

func sectionStrings(t *testing.T, code []byte, start uint64, opts Options) map[uint64]string {
	t.Helper()
	gadgets, err := Section(code, start, opts)
	if err != nil {
		t.Fatalf("Section: %v", err)
	}
	out := make(map[uint64]string, len(gadgets))
	for _, g := range gadgets {
		out[g.FileOffset()] = g.String()
	}
	return out
}

func TestSectionFindsOverlappingGadgets(t *testing.T) {
	// pop rax; pop rbp; ret
	code := []byte{0x58, 0x5d, 0xc3}

	got := sectionStrings(t, code, 0x100, Options{})
	want := map[uint64]string{
		0x100: "pop rax; pop rbp; ret;",
		0x101: "pop rbp; ret;",
	}
	if len(got) != len(want) {
		t.Fatalf("gadgets %v, want %v", got, want)
	}
	for off, text := range want {
		if got[off] != text {
			t.Errorf("gadget at %#x = %q, want %q", off, got[off], text)
		}
	}
}

func TestSectionResultsSortedByOffset(t *testing.T) {
	code := []byte{0x58, 0x5d, 0xc3}

	gadgets, err := Section(code, 0, Options{})
	if err != nil {
		t.Fatalf("Section: %v", err)
	}
	for i := 1; i < len(gadgets); i++ {
		if gadget.ByOffset(gadgets[i-1], gadgets[i]) > 0 {
			t.Fatalf("gadgets out of order at index %d", i)
		}
	}
}

func TestSectionDeduplicatesKeepingLowestOffset(t *testing.T) {
	// The same pop rax; ret sequence appears twice.
	code := []byte{0x58, 0xc3, 0x58, 0xc3}

	gadgets, err := Section(code, 0, Options{})
	if err != nil {
		t.Fatalf("Section: %v", err)
	}
	if len(gadgets) != 1 {
		t.Fatalf("expected 1 gadget after dedup, got %d", len(gadgets))
	}
	if gadgets[0].FileOffset() != 0 {
		t.Errorf("dedup kept offset %#x, want 0", gadgets[0].FileOffset())
	}
	if gadgets[0].String() != "pop rax; ret;" {
		t.Errorf("gadget = %q, want %q", gadgets[0].String(), "pop rax; ret;")
	}
}

func TestSectionPivotFilters(t *testing.T) {
	// pop rbp is a base pivot head; nothing here touches rsp before the ret.
	code := []byte{0x58, 0x5d, 0xc3}

	base := sectionStrings(t, code, 0, Options{BasePivot: true})
	if len(base) != 2 {
		t.Errorf("base pivot filter kept %d gadgets, want 2", len(base))
	}

	stack := sectionStrings(t, code, 0, Options{StackPivot: true})
	if len(stack) != 0 {
		t.Errorf("stack pivot filter kept %d gadgets, want 0", len(stack))
	}
}

func TestSectionStackPivot(t *testing.T) {
	// pop rsp; ret
	code := []byte{0x5c, 0xc3}

	got := sectionStrings(t, code, 0, Options{StackPivot: true})
	if len(got) != 1 || got[0] != "pop rsp; ret;" {
		t.Fatalf("gadgets %v, want pop rsp; ret; at 0", got)
	}
}

func TestSectionPatternFilter(t *testing.T) {
	code := []byte{0x58, 0x5d, 0xc3}

	got := sectionStrings(t, code, 0, Options{Pattern: regexp.MustCompile(`pop rax`)})
	if len(got) != 1 {
		t.Fatalf("pattern kept %d gadgets, want 1", len(got))
	}
	if _, ok := got[0]; !ok {
		t.Errorf("pattern kept the wrong gadget: %v", got)
	}
}

func TestSectionNoisyMode(t *testing.T) {
	// hlt; ret
	code := []byte{0xf4, 0xc3}

	if got := sectionStrings(t, code, 0, Options{}); len(got) != 0 {
		t.Errorf("default mode kept %d gadgets, want 0", len(got))
	}

	got := sectionStrings(t, code, 0, Options{Noisy: true})
	if len(got) != 1 || got[0] != "hlt; ret;" {
		t.Fatalf("noisy gadgets %v, want hlt; ret; at 0", got)
	}
}

func TestSectionSyscallTails(t *testing.T) {
	// xor rax, rax; syscall — with the overlapping 2-byte xor at offset 1.
	code := []byte{0x48, 0x31, 0xc0, 0x0f, 0x05}

	if got := sectionStrings(t, code, 0, Options{}); len(got) != 0 {
		t.Errorf("rop-only scan kept %d gadgets, want 0", len(got))
	}

	got := sectionStrings(t, code, 0, Options{Tails: rules.TailKinds{Sys: true}})
	want := map[uint64]string{
		0: "xor rax, rax; syscall;",
		1: "xor eax, eax; syscall;",
	}
	if len(got) != len(want) {
		t.Fatalf("gadgets %v, want %v", got, want)
	}
	for off, text := range want {
		if got[off] != text {
			t.Errorf("gadget at %#x = %q, want %q", off, got[off], text)
		}
	}
}

func TestSectionJopTails(t *testing.T) {
	// pop rax; jmp rax
	code := []byte{0x58, 0xff, 0xe0}

	got := sectionStrings(t, code, 0, Options{Tails: rules.TailKinds{Jop: true}})
	if len(got) != 1 || got[0] != "pop rax; jmp rax;" {
		t.Fatalf("gadgets %v, want pop rax; jmp rax; at 0", got)
	}
}

func TestSectionMaxInstructionsCap(t *testing.T) {
	// Five pops then a ret: the cap bounds chain length including the tail.
	code := []byte{0x58, 0x58, 0x58, 0x58, 0x58, 0xc3}

	gadgets, err := Section(code, 0, Options{MaxInstructions: 3})
	if err != nil {
		t.Fatalf("Section: %v", err)
	}
	for _, g := range gadgets {
		if n := len(g.Instructions()); n > 3 {
			t.Errorf("gadget at %#x has %d instructions, cap is 3", g.FileOffset(), n)
		}
	}
	if len(gadgets) != 2 {
		t.Errorf("expected 2 gadgets within the cap, got %d", len(gadgets))
	}
}

func TestSectionRejectsNegativeMaxInstructions(t *testing.T) {
	if _, err := Section([]byte{0xc3}, 0, Options{MaxInstructions: -1}); err == nil {
		t.Fatal("expected an error for a cap that cannot hold a tail")
	}
}

func TestImageScan(t *testing.T) {
	// pop rax; ret at file offset 0x10, mapped at VA 0x400010 inside main.
	all := make([]byte, 0x20)
	all[0x10] = 0x58
	all[0x11] = 0xc3

	img := &elfx.Image{
		Path: "/bin/target",
		All:  all,
		Exec: []elfx.Section{{Name: ".text", VA: 0x400010, Off: 0x10, Size: 2}},
		Syms: []elfx.Sym{{Name: "main", Addr: 0x400010, Size: 0x10}},
	}

	report, err := Image(img, Options{})
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if len(report.Regions) != 1 || report.Regions[0] != ".text" {
		t.Errorf("regions = %v, want [.text]", report.Regions)
	}
	if len(report.Gadgets) != 1 {
		t.Fatalf("expected 1 gadget, got %d", len(report.Gadgets))
	}

	f := report.Gadgets[0]
	if f.Gadget.FileOffset() != 0x10 {
		t.Errorf("file offset = %#x, want 0x10", f.Gadget.FileOffset())
	}
	if f.VA != 0x400010 {
		t.Errorf("va = %#x, want 0x400010", f.VA)
	}
	if f.Region != ".text" {
		t.Errorf("region = %q, want .text", f.Region)
	}
	if f.Symbol != "main" {
		t.Errorf("symbol = %q, want main", f.Symbol)
	}
}

func TestImageScanSectionRestriction(t *testing.T) {
	all := []byte{0x58, 0xc3, 0x5d, 0xc3}
	img := &elfx.Image{
		Path: "/bin/target",
		All:  all,
		Exec: []elfx.Section{
			{Name: ".init", VA: 0x400000, Off: 0, Size: 2},
			{Name: ".text", VA: 0x400002, Off: 2, Size: 2},
		},
	}

	report, err := Image(img, Options{Section: ".text"})
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if len(report.Regions) != 1 || report.Regions[0] != ".text" {
		t.Errorf("regions = %v, want [.text]", report.Regions)
	}
	if len(report.Gadgets) != 1 || report.Gadgets[0].Gadget.String() != "pop rbp; ret;" {
		t.Fatalf("gadgets = %v, want only pop rbp; ret;", report.Gadgets)
	}

	if _, err := Image(img, Options{Section: ".data"}); err == nil {
		t.Error("expected an error for a region the image does not have")
	}
}

func TestSectionEmptyCode(t *testing.T) {
	gadgets, err := Section(nil, 0, Options{})
	if err != nil {
		t.Fatalf("Section: %v", err)
	}
	if len(gadgets) != 0 {
		t.Fatalf("expected no gadgets, got %d", len(gadgets))
	}
}
