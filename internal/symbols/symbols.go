// Package symbols reads function symbols and their code from ELF images.
package symbols

import (
	"debug/elf"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// errors about symbol lookup
var (
	ErrNoSymbol   = errors.New("no symbol")
	ErrNoFunction = errors.New("can not find function")
)

// SymbolSlice is sorted by address.
type SymbolSlice []elf.Symbol

func (a SymbolSlice) Len() int           { return len(a) }
func (a SymbolSlice) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a SymbolSlice) Less(i, j int) bool { return a[i].Value < a[j].Value }

// Table is the symbol table of an ELF image.
type Table struct {
	Path    string
	Symbols SymbolSlice

	file *elf.File
}

// Executable is used to open the image of the running program.
func Executable() (*Table, error) {
	path, err := os.Executable()
	if err != nil {
		path, _ = filepath.Abs(os.Args[0])
	}
	return Open(path)
}

// Open is used to load the symbols of the image at path.
func Open(path string) (*Table, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	sym, err := f.Symbols()
	if err != nil {
		_ = f.Close()
		return nil, errors.WithStack(err)
	}
	var funcs SymbolSlice
	for _, s := range sym {
		if elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Value != 0 {
			funcs = append(funcs, s)
		}
	}
	sort.Sort(funcs)
	return &Table{Path: path, Symbols: funcs, file: f}, nil
}

// Close is used to close the image.
func (t *Table) Close() error {
	return t.file.Close()
}

// Lookup returns the function named name.
func (t *Table) Lookup(name string) (elf.Symbol, error) {
	for _, s := range t.Symbols {
		if s.Name == name {
			return s, nil
		}
	}
	return elf.Symbol{}, errors.WithMessage(ErrNoFunction, name)
}

// FuncSize returns the size of the function that starts at addr.
func (t *Table) FuncSize(addr uintptr) (uint32, error) {
	if len(t.Symbols) == 0 {
		return 0, ErrNoSymbol
	}
	s := t.Symbols
	i := sort.Search(len(s), func(i int) bool { return s[i].Value >= uint64(addr) })
	if i < len(s) && s[i].Value == uint64(addr) {
		return uint32(s[i].Size), nil
	}
	return 0, ErrNoFunction
}

// Code returns the address and the machine code of the function named name.
func (t *Table) Code(name string) (uint64, []byte, error) {
	s, err := t.Lookup(name)
	if err != nil {
		return 0, nil, err
	}
	for _, sec := range t.file.Sections {
		if sec.Type != elf.SHT_PROGBITS || sec.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		if s.Value < sec.Addr || s.Value+s.Size > sec.Addr+sec.Size {
			continue
		}
		code := make([]byte, s.Size)
		_, err = sec.ReadAt(code, int64(s.Value-sec.Addr))
		if err != nil {
			return 0, nil, errors.WithStack(err)
		}
		return s.Value, code, nil
	}
	return 0, nil, errors.Errorf("symbol %s is not inside an executable section", name)
}
