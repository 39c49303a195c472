// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package discover

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/xyproto/ainur"

	"github.com/parca-dev/pystack/pkg/remote"
)

// executableFile is one mapped ELF object of the target (the python binary
// or libpython), paired with its load address so symbol values can be
// translated into runtime addresses.
type executableFile struct {
	*os.File
	elfFile *elf.File

	pid   int
	start uint64

	cache map[string]uint64
}

func newExecutableFile(pid int, f *os.File, start uint64) (*executableFile, error) {
	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, fmt.Errorf("new file: %w", err)
	}
	return &executableFile{
		pid:     pid,
		File:    f,
		elfFile: ef,
		start:   start,
		cache:   make(map[string]uint64),
	}, nil
}

// offset is the bias between link-time virtual addresses and the runtime
// mapping. p_vaddr may be larger than the map address when the header has
// an offset and the map address is small; default to the start then.
func (ef *executableFile) offset() uint64 {
	header := findTextProgHeader(ef.elfFile)
	if header == nil {
		return ef.start
	}
	return saturatingSub(ef.start, header.Vaddr)
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

func (ef *executableFile) findAddressOf(symbol string) (uint64, error) {
	if addr, ok := ef.cache[symbol]; ok {
		return addr, nil
	}
	sym, err := findSymbol(ef.elfFile, symbol)
	if err != nil {
		return 0, err
	}
	addr := sym.Value + ef.offset()
	ef.cache[symbol] = addr
	return addr, nil
}

// readBSS copies the target's live .bss segment, where the interpreter
// keeps its version banner among other things.
func (ef *executableFile) readBSS(r remote.MemoryReader) ([]byte, error) {
	sec := ef.elfFile.Section(".bss")
	if sec == nil || sec.Size == 0 {
		return nil, errors.New("no bss section")
	}
	size := sec.Size
	if size > 1<<22 {
		size = 1 << 22
	}
	data := make([]byte, size)
	if err := r.ReadMemory(ef.offset()+sec.Addr, data); err != nil {
		return nil, fmt.Errorf("read bss: %w", err)
	}
	return data, nil
}

// findTextProgHeader finds the LOAD segment containing the .text section,
// or nil if there is none.
func findTextProgHeader(f *elf.File) *elf.ProgHeader {
	for _, s := range f.Sections {
		if s.Name == ".text" {
			for _, p := range f.Progs {
				if p.Type == elf.PT_LOAD && p.Flags&elf.PF_X != 0 && s.Addr >= p.Vaddr && s.Addr < p.Vaddr+p.Memsz {
					return &p.ProgHeader
				}
			}
		}
	}
	return nil
}

// findSymbol searches the symbol table and then the dynamic symbol table
// for an exact name match.
func findSymbol(ef *elf.File, name string) (*elf.Symbol, error) {
	syms, err := ef.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("read symbols: %w", err)
	}
	for i := range syms {
		if syms[i].Name == name {
			return &syms[i], nil
		}
	}

	dynsyms, err := ef.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("read dynamic symbols: %w", err)
	}
	for i := range dynsyms {
		if dynsyms[i].Name == name {
			return &dynsyms[i], nil
		}
	}

	return nil, fmt.Errorf("symbol %q not found", name)
}

// hasSymbols reports whether any of the byte patterns occurs in the ELF
// file's string tables, streaming rather than loading whole tables.
func hasSymbols(ef *elf.File, matches [][]byte) (bool, error) {
	var errs error
	for _, typ := range []elf.SectionType{elf.SHT_SYMTAB, elf.SHT_DYNSYM} {
		ok, err := symbolNameInSection(ef, typ, matches)
		if ok {
			return true, nil
		}
		if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
			errs = errors.Join(errs, err)
		}
	}
	return false, errs
}

func symbolNameInSection(ef *elf.File, typ elf.SectionType, matches [][]byte) (bool, error) {
	symtabSection := ef.SectionByType(typ)
	if symtabSection == nil {
		return false, elf.ErrNoSymbols
	}
	if symtabSection.Link <= 0 || symtabSection.Link >= uint32(len(ef.Sections)) {
		return false, errors.New("section has invalid string table link")
	}

	sr, err := ainur.NewStreamReader(ef.Sections[symtabSection.Link].Open(), 8192)
	if err != nil {
		return false, fmt.Errorf("create stream reader: %w", err)
	}

	for {
		b, err := sr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return false, fmt.Errorf("read next: %w", err)
		}
		for _, match := range matches {
			if bytes.Contains(b, match) {
				return true, nil
			}
		}
	}

	return false, nil
}
