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

package layout

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// The tables below are generated from the C headers of the covered CPython
// builds on 64-bit platforms. Offsets are in bytes from the struct base.
//
// CPython's object headers differ between 2.x and 3.x and between builds,
// so each family gets its own full table rather than deltas on a shared
// base; a family covers the releases whose ABI it matched unchanged.

// unicode3 is the 3.3+ unicode object representation. PyASCIIObject packs
// interned/kind/compact/ascii/ready into the low byte of its state word;
// compact ASCII data starts right after PyASCIIObject (48 bytes), other
// compact data after PyCompactUnicodeObject (72 bytes), and legacy strings
// keep a data pointer behind that header.
var unicode3 = PyStringObject{
	Kind: PyStringUnicode,

	Length:        field(16, 8),
	State:         field(32, 1),
	AsciiData:     field(48, 0),
	CompactData:   field(72, 0),
	LegacyDataPtr: field(72, 8),
	UTF8Length:    field(48, 8),
	UTF8Ptr:       field(56, 8),

	Interned:   BitField{Shift: 0, Width: 2},
	UnitKind:   BitField{Shift: 2, Width: 3},
	Compact:    BitField{Shift: 5, Width: 1},
	Ascii:      BitField{Shift: 6, Width: 1},
	Ready:      BitField{Shift: 7, Width: 1},
	StateValid: true,

	BytesLength: absent(),
	BytesData:   absent(),
}

// bytes3 is PyBytesObject: ob_size then the inline ob_sval array.
var bytes3 = PyBytesObject{
	Length: field(16, 8),
	Data:   field(32, 0),
}

var v27 = &Layout{
	Version: "2.7.x",

	PyRuntime: PyRuntimeState{
		// No _PyRuntime before 3.7; interp_head is its own symbol.
		InterpHead:    absent(),
		TStateCurrent: absent(),
	},
	PyInterp: PyInterpreterState{
		Next:       field(0, 8),
		TStateHead: field(8, 8),
	},
	PyThread: PyThreadState{
		Next:     field(0, 8),
		Frame:    field(16, 8),
		ThreadID: field(144, 8),
	},
	PyFrame: PyFrameObject{
		Back:  field(24, 8),
		Code:  field(32, 8),
		LastI: field(120, 4),
	},
	PyCode: PyCodeObject{
		Filename:    field(80, 8),
		Name:        field(88, 8),
		FirstLineNo: field(96, 4),
		LineTable:   field(104, 8),

		LineTableKind:   LineTableLnotab,
		SignedLineDelta: false,
		LastIMultiplier: 1,
	},
	PyString: PyStringObject{
		Kind: PyStringBytes,

		Length:        absent(),
		State:         absent(),
		AsciiData:     absent(),
		CompactData:   absent(),
		LegacyDataPtr: absent(),
		UTF8Length:    absent(),
		UTF8Ptr:       absent(),
		StateValid:    false,

		BytesLength: field(16, 8),
		BytesData:   field(36, 0),
	},
	// 2.7 line tables live in PyStringObject, whose inline data sits after
	// the string-interning state field.
	PyBytes: PyBytesObject{
		Length: field(16, 8),
		Data:   field(36, 0),
	},
	PointerSize: 8,
}

var v33 = &Layout{
	Version: "3.3.x - 3.5.x",

	PyRuntime: PyRuntimeState{
		InterpHead:    absent(),
		TStateCurrent: absent(),
	},
	PyInterp: PyInterpreterState{
		Next:       field(0, 8),
		TStateHead: field(8, 8),
	},
	PyThread: PyThreadState{
		Next:     field(0, 8),
		Frame:    field(16, 8),
		ThreadID: field(144, 8),
	},
	PyFrame: PyFrameObject{
		Back:  field(24, 8),
		Code:  field(32, 8),
		LastI: field(120, 4),
	},
	PyCode: PyCodeObject{
		Filename:    field(96, 8),
		Name:        field(104, 8),
		FirstLineNo: field(112, 4),
		LineTable:   field(120, 8),

		LineTableKind:   LineTableLnotab,
		SignedLineDelta: false,
		LastIMultiplier: 1,
	},
	PyString:    unicode3,
	PyBytes:     bytes3,
	PointerSize: 8,
}

// 3.6 moved co_firstlineno before co_code and made lnotab line deltas
// signed.
var v36 = &Layout{
	Version: "3.6.x",

	PyRuntime: PyRuntimeState{
		InterpHead:    absent(),
		TStateCurrent: absent(),
	},
	PyInterp: PyInterpreterState{
		Next:       field(0, 8),
		TStateHead: field(8, 8),
	},
	PyThread: PyThreadState{
		Next:     field(0, 8),
		Frame:    field(16, 8),
		ThreadID: field(144, 8),
	},
	PyFrame: PyFrameObject{
		Back:  field(24, 8),
		Code:  field(32, 8),
		LastI: field(120, 4),
	},
	PyCode: PyCodeObject{
		Filename:    field(96, 8),
		Name:        field(104, 8),
		FirstLineNo: field(36, 4),
		LineTable:   field(112, 8),

		LineTableKind:   LineTableLnotab,
		SignedLineDelta: true,
		LastIMultiplier: 1,
	},
	PyString:    unicode3,
	PyBytes:     bytes3,
	PointerSize: 8,
}

// 3.7 introduced the process-global _PyRuntime and gave thread states a
// prev pointer, shifting the whole struct by one word.
var v37 = &Layout{
	Version: "3.7.x",

	PyRuntime: PyRuntimeState{
		InterpHead:    field(24, 8),
		TStateCurrent: field(1480, 8),
	},
	PyInterp: PyInterpreterState{
		Next:       field(0, 8),
		TStateHead: field(8, 8),
	},
	PyThread: PyThreadState{
		Next:     field(8, 8),
		Frame:    field(24, 8),
		ThreadID: field(176, 8),
	},
	PyFrame: PyFrameObject{
		Back:  field(24, 8),
		Code:  field(32, 8),
		LastI: field(96, 4),
	},
	PyCode: PyCodeObject{
		Filename:    field(96, 8),
		Name:        field(104, 8),
		FirstLineNo: field(36, 4),
		LineTable:   field(112, 8),

		LineTableKind:   LineTableLnotab,
		SignedLineDelta: true,
		LastIMultiplier: 1,
	},
	PyString:    unicode3,
	PyBytes:     bytes3,
	PointerSize: 8,
}

// gilstate.tstate_current moved within _PyRuntime in 3.7.4.
var v37Early = func() *Layout {
	l := *v37
	l.Version = "3.7.0 - 3.7.3"
	l.PyRuntime.TStateCurrent = field(1392, 8)
	return &l
}()

var v38 = &Layout{
	Version: "3.8.x",

	PyRuntime: PyRuntimeState{
		InterpHead:    field(32, 8),
		TStateCurrent: field(1368, 8),
	},
	PyInterp: PyInterpreterState{
		Next:       field(0, 8),
		TStateHead: field(8, 8),
	},
	PyThread: PyThreadState{
		Next:     field(8, 8),
		Frame:    field(24, 8),
		ThreadID: field(176, 8),
	},
	PyFrame: PyFrameObject{
		Back:  field(24, 8),
		Code:  field(32, 8),
		LastI: field(96, 4),
	},
	PyCode: PyCodeObject{
		Filename:    field(104, 8),
		Name:        field(112, 8),
		FirstLineNo: field(40, 4),
		LineTable:   field(120, 8),

		LineTableKind:   LineTableLnotab,
		SignedLineDelta: true,
		LastIMultiplier: 1,
	},
	PyString:    unicode3,
	PyBytes:     bytes3,
	PointerSize: 8,
}

// 3.9 shrank _PyRuntime's gilstate bookkeeping considerably.
var v39 = func() *Layout {
	l := *v38
	l.Version = "3.9.x"
	l.PyRuntime.TStateCurrent = field(568, 8)
	return &l
}()

// 3.10 replaced co_lnotab with the range-based co_linetable and made
// f_lasti count 16-bit code units instead of bytes.
var v310 = &Layout{
	Version: "3.10.x",

	PyRuntime: PyRuntimeState{
		InterpHead:    field(32, 8),
		TStateCurrent: field(568, 8),
	},
	PyInterp: PyInterpreterState{
		Next:       field(0, 8),
		TStateHead: field(8, 8),
	},
	PyThread: PyThreadState{
		Next:     field(8, 8),
		Frame:    field(24, 8),
		ThreadID: field(176, 8),
	},
	PyFrame: PyFrameObject{
		Back:  field(24, 8),
		Code:  field(32, 8),
		LastI: field(96, 4),
	},
	PyCode: PyCodeObject{
		Filename:    field(104, 8),
		Name:        field(112, 8),
		FirstLineNo: field(40, 4),
		LineTable:   field(120, 8),

		LineTableKind:   LineTableRanges,
		SignedLineDelta: true,
		LastIMultiplier: 2,
	},
	PyString:    unicode3,
	PyBytes:     bytes3,
	PointerSize: 8,
}

type versionedLayout struct {
	constraint *semver.Constraints
	layout     *Layout
}

var layouts = func() []versionedLayout {
	mustConstraint := func(c string) *semver.Constraints {
		cs, err := semver.NewConstraint(c)
		if err != nil {
			panic(fmt.Sprintf("layout: invalid constraint %q: %v", c, err))
		}
		return cs
	}
	// Ordered, first match wins. Pre-release suffixes (3.10.0rc1) must
	// still match, hence the -0 lower bounds.
	return []versionedLayout{
		{mustConstraint(">=2.7.0-0, <2.8.0-0"), v27},
		{mustConstraint(">=3.3.0-0, <3.6.0-0"), v33},
		{mustConstraint(">=3.6.0-0, <3.7.0-0"), v36},
		{mustConstraint(">=3.7.0-0, <3.7.4-0"), v37Early},
		{mustConstraint(">=3.7.4-0, <3.8.0-0"), v37},
		{mustConstraint(">=3.8.0-0, <3.9.0-0"), v38},
		{mustConstraint(">=3.9.0-0, <3.10.0-0"), v39},
		{mustConstraint(">=3.10.0-0, <3.11.0-0"), v310},
	}
}()

// ForVersion selects the layout table for the given interpreter build. The
// set of covered builds is closed: anything else, notably 3.11 and later
// with their inlined interpreter frames, fails with ErrUnsupportedVersion.
func ForVersion(v *semver.Version) (*Layout, error) {
	for _, vl := range layouts {
		if vl.constraint.Check(v) {
			return vl.layout, nil
		}
	}
	return nil, fmt.Errorf("python %s: %w", v, ErrUnsupportedVersion)
}
