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

// Package discover identifies CPython interpreters in running processes
// and locates the anchor addresses the stack walker starts from.
package discover

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/prometheus/procfs"
)

// Symbols that identify a CPython executable across the supported
// versions:
//
//	2.7 - 3.6: `Py_Main`
//	3.7:       `_Py_UnixMain`
//	3.8+:      `Py_BytesMain`
var executableIdentifyingSymbols = [][]byte{
	[]byte("Py_Main"),
	[]byte("_Py_UnixMain"),
	[]byte("Py_BytesMain"),
}

const (
	runtimeSymbol     = "_PyRuntime"
	threadStateSymbol = "_PyThreadState_Current"
	interpHeadSymbol  = "interp_head"
)

var libraryIdentifyingSymbols = [][]byte{
	[]byte(runtimeSymbol),
	[]byte(threadStateSymbol),
}

var libRegex = regexp.MustCompile(`/libpython\d.\d\d?(m|d|u)?.so`)

func isPythonLib(pathname string) bool {
	return libRegex.MatchString(pathname)
}

func isPythonBin(pathname string) bool {
	return strings.Contains(path.Base(pathname), "python")
}

// IsPython reports whether the process looks like a CPython interpreter,
// first by executable name and then by scanning mapped libraries for
// identifying symbols.
func IsPython(proc procfs.Proc) (bool, error) {
	exe, err := proc.Executable()
	if err != nil {
		return false, err
	}

	if isPythonBin(exe) {
		ef, err := elf.Open(absolutePath(proc, exe))
		if err != nil {
			return false, fmt.Errorf("open elf file: %w", err)
		}
		defer ef.Close()

		return hasSymbols(ef, executableIdentifyingSymbols)
	}

	maps, err := proc.ProcMaps()
	if err != nil {
		return false, fmt.Errorf("error reading process maps: %w", err)
	}
	for _, mapping := range maps {
		if isPythonLib(mapping.Pathname) {
			ef, err := elf.Open(absolutePath(proc, mapping.Pathname))
			if err != nil {
				return false, fmt.Errorf("open elf file: %w", err)
			}
			defer ef.Close()

			return hasSymbols(ef, libraryIdentifyingSymbols)
		}
	}

	return false, nil
}

// Interpreter is everything the walker needs to attach to one target:
// the interpreter build version and the addresses anchoring the
// interpreter-state list in the target's address space.
type Interpreter struct {
	PID           int
	Version       *semver.Version
	VersionSource string

	// RuntimeAddr is the address of the process-global _PyRuntime struct,
	// zero on builds that predate it.
	RuntimeAddr uint64
	// InterpHeadAddr is the address of the interp_head pointer variable on
	// builds without _PyRuntime, zero otherwise.
	InterpHeadAddr uint64
	// CurrentThreadAddr is the address of the _PyThreadState_Current
	// variable, the GIL holder on builds without _PyRuntime. Zero when the
	// symbol is absent.
	CurrentThreadAddr uint64
}

// Discover inspects the process and locates its interpreter. It fails if
// the process is not a CPython interpreter or its version cannot be
// determined.
func Discover(proc procfs.Proc) (*Interpreter, error) {
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("error reading process maps: %w", err)
	}

	exePath, err := proc.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable: %w", err)
	}

	var (
		exeStart uint64
		libPath  string
		libStart uint64
		found    bool
	)
	for _, m := range maps {
		if pathname := m.Pathname; pathname != "" && m.Perms.Execute {
			if pathname == exePath {
				exeStart = uint64(m.StartAddr)
				found = true
				continue
			}
			if isPythonLib(pathname) {
				libPath = pathname
				libStart = uint64(m.StartAddr)
				found = true
				continue
			}
		}
	}
	if !found {
		return nil, errors.New("not a python process")
	}

	var exe, lib *executableFile
	if exePath != "" {
		f, err := os.Open(absolutePath(proc, exePath))
		if err != nil {
			return nil, fmt.Errorf("open executable: %w", err)
		}
		exe, err = newExecutableFile(proc.PID, f, exeStart)
		if err != nil {
			return nil, fmt.Errorf("new elf file: %w", err)
		}
		defer exe.Close()
	}
	if libPath != "" {
		f, err := os.Open(absolutePath(proc, libPath))
		if err != nil {
			return nil, fmt.Errorf("open library: %w", err)
		}
		lib, err = newExecutableFile(proc.PID, f, libStart)
		if err != nil {
			return nil, fmt.Errorf("new elf file: %w", err)
		}
		defer lib.Close()
	}

	version, source, err := detectVersion(exe, lib)
	if err != nil {
		return nil, fmt.Errorf("detect version: %w", err)
	}

	interp := &Interpreter{
		PID:           proc.PID,
		Version:       version,
		VersionSource: source,
	}

	if addr, err := findAddressOf(exe, lib, threadStateSymbol); err == nil {
		interp.CurrentThreadAddr = addr
	}

	// 3.7 and later anchor everything in the process-global _PyRuntime;
	// before that interp_head is its own variable.
	if addr, err := findAddressOf(exe, lib, runtimeSymbol); err == nil {
		interp.RuntimeAddr = addr
		return interp, nil
	}
	addr, err := findAddressOf(exe, lib, interpHeadSymbol)
	if err != nil {
		return nil, fmt.Errorf("locate interpreter state: %w", err)
	}
	interp.InterpHeadAddr = addr
	return interp, nil
}

func findAddressOf(exe, lib *executableFile, symbol string) (uint64, error) {
	for _, f := range []*executableFile{exe, lib} {
		if f == nil {
			continue
		}
		if addr, err := f.findAddressOf(symbol); err == nil && addr != 0 {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("symbol %q not found", symbol)
}

func absolutePath(proc procfs.Proc, p string) string {
	return path.Join("/proc/", strconv.Itoa(proc.PID), "/root/", p)
}
