// Package elfx provides helpers for opening ELF binaries, enumerating
// executable regions, and mapping virtual addresses to file offsets.
package elfx

import (
	"debug/elf"
	"fmt"
	"os"
	"sort"
	"syscall"
)

type Image struct {
	Path  string
	File  *elf.File
	All   []byte
	Loads []Seg
	Exec  []Section
	Syms  []Sym
	f     *os.File
}

type Seg struct {
	Vaddr, Off, Filesz uint64
	Flags              elf.ProgFlag
}

// Section is a scannable executable region of the image.
type Section struct {
	Name          string
	VA, Off, Size uint64
}

// Sym is a defined symbol, used to name the function containing a gadget.
type Sym struct {
	Name string
	Addr uint64
	Size uint64
}

// execSectionNames are the sections worth scanning for gadgets. Anything
// mapped executable is usable in a payload, including PLT stubs.
var execSectionNames = map[string]bool{
	".text": true, ".init": true, ".fini": true,
	".plt": true, ".plt.got": true, ".plt.sec": true,
}

func Open(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}

	of, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open file: %w", err)
	}

	fi, err := of.Stat()
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	all, err := syscall.Mmap(int(of.Fd()), 0, int(fi.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	im := &Image{Path: path, File: f, All: all, f: of}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		im.Loads = append(im.Loads, Seg{
			Vaddr:  uint64(p.Vaddr),
			Off:    uint64(p.Off),
			Filesz: uint64(p.Filesz),
			Flags:  p.Flags,
		})
	}

	// Use true sections if present.
	for _, s := range f.Sections {
		if !execSectionNames[s.Name] || s.Flags&elf.SHF_EXECINSTR == 0 || s.Size == 0 {
			continue
		}
		if s.Type == elf.SHT_NOBITS {
			continue
		}
		im.Exec = append(im.Exec, Section{s.Name, s.Addr, s.Offset, s.Size})
	}

	// Fallback if stripped of section headers: scan executable PT_LOADs.
	if len(im.Exec) == 0 {
		for _, l := range im.Loads {
			if l.Flags&elf.PF_X != 0 && l.Filesz > 0 {
				im.Exec = append(im.Exec, Section{"LOAD(exec)", l.Vaddr, l.Off, l.Filesz})
			}
		}
	}

	im.loadSymbols()

	return im, nil
}

// Close unmaps the memory and closes the underlying files.
func (im *Image) Close() error {
	var err1, err2 error
	if im.All != nil {
		err1 = syscall.Munmap(im.All)
		im.All = nil
	}
	if im.f != nil {
		err2 = im.f.Close()
		im.f = nil
	}
	if im.File != nil {
		err3 := im.File.Close()
		if err3 != nil && err2 == nil {
			err2 = err3
		}
		im.File = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// Machine returns the ELF machine type.
func (im *Image) Machine() elf.Machine {
	if im.File == nil {
		return elf.EM_NONE
	}
	return im.File.Machine
}

// VA2Off translates a virtual address into a file offset
// using PT_LOAD segments. It returns false if VA is unmapped.
func (im *Image) VA2Off(va uint64) (uint64, bool) {
	for _, l := range im.Loads {
		if va >= l.Vaddr && va < l.Vaddr+l.Filesz {
			return l.Off + (va - l.Vaddr), true
		}
	}
	return 0, false
}

// SliceVA returns a subslice of the mapped file corresponding to the virtual
// address range [va, va+size). It returns (nil, false) if the VA is unmapped
// or the range is out of bounds.
func (im *Image) SliceVA(va uint64, size uint64) ([]byte, bool) {
	off, ok := im.VA2Off(va)
	if !ok {
		return nil, false
	}
	if size == 0 {
		return []byte{}, true
	}
	end := off + size
	if end > uint64(len(im.All)) {
		return nil, false
	}
	return im.All[off:end], true
}

// Bytes returns the mapped bytes of an executable region.
func (im *Image) Bytes(sec Section) ([]byte, bool) {
	end := sec.Off + sec.Size
	if end > uint64(len(im.All)) {
		return nil, false
	}
	return im.All[sec.Off:end], true
}

// SymbolFor returns the defined symbol whose range contains va, or the
// nearest defined symbol at or below va when sizes are absent. Returns false
// if no symbol precedes the address.
func (im *Image) SymbolFor(va uint64) (Sym, bool) {
	i := sort.Search(len(im.Syms), func(i int) bool {
		return im.Syms[i].Addr > va
	})
	if i == 0 {
		return Sym{}, false
	}
	s := im.Syms[i-1]
	if s.Size != 0 && va >= s.Addr+s.Size {
		return Sym{}, false
	}
	return s, true
}

// loadSymbols merges dynamic and static symbol tables into one address-sorted
// list of defined symbols. Stripped binaries simply leave it empty.
func (im *Image) loadSymbols() {
	if im.File == nil {
		return
	}

	seen := make(map[uint64]bool)
	add := func(syms []elf.Symbol, err error) {
		if err != nil {
			return
		}
		for _, sym := range syms {
			if sym.Name == "" || sym.Value == 0 || seen[sym.Value] {
				continue
			}
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
				continue
			}
			seen[sym.Value] = true
			im.Syms = append(im.Syms, Sym{Name: sym.Name, Addr: sym.Value, Size: sym.Size})
		}
	}

	add(im.File.Symbols())
	add(im.File.DynamicSymbols())

	sort.Slice(im.Syms, func(i, j int) bool {
		return im.Syms[i].Addr < im.Syms[j].Addr
	})
}
