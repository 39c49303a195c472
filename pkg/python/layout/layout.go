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

// Package layout describes how the internal structures of one CPython build
// are laid out in memory.
//
// A Layout is pure data: byte offsets, widths and decode rules generated
// from the interpreter's own headers. Nothing here is ever dereferenced
// locally; all offsets are applied to foreign addresses handed to a remote
// memory reader. Offsets of fields that do not exist in a given build are
// negative, and accessing them reports the build as unsupported rather than
// reading garbage.
package layout

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedVersion means no layout table exists for the target's
	// interpreter build. Fatal to a profiling session: every subsequent
	// read would use meaningless offsets.
	ErrUnsupportedVersion = errors.New("unsupported interpreter version")

	// ErrUnsupportedField means the selected layout has no entry for a
	// requested field. Like ErrUnsupportedVersion this signals a wrong or
	// incomplete descriptor, not a transient read fault.
	ErrUnsupportedField = errors.New("field not present in this interpreter build")
)

// Field locates one struct member: byte offset from the struct base and the
// width of the raw value. A negative offset marks a member the build does
// not have.
type Field struct {
	Offset int64
	Size   int64
}

func (f Field) Valid() bool { return f.Offset >= 0 }

// Check returns ErrUnsupportedField, annotated with name, if the field is
// absent from the active layout.
func (f Field) Check(name string) error {
	if !f.Valid() {
		return fmt.Errorf("%s: %w", name, ErrUnsupportedField)
	}
	return nil
}

// BitField locates a flag packed into a wider integer: the raw value is
// shifted right and masked down to Width bits.
type BitField struct {
	Shift uint8
	Width uint8
}

func (b BitField) Extract(raw uint64) uint64 {
	return (raw >> b.Shift) & ((1 << b.Width) - 1)
}

// PyRuntimeState describes the process-global _PyRuntime struct
// (3.7 and later). Both members are offsets relative to the _PyRuntime
// symbol address.
type PyRuntimeState struct {
	InterpHead    Field // _PyRuntimeState.interpreters.head
	TStateCurrent Field // gilstate.tstate_current, negative if TLS-only
}

// PyInterpreterState describes struct _is.
type PyInterpreterState struct {
	Next       Field // next sub-interpreter, singly linked
	TStateHead Field // head of the thread-state list
}

// PyThreadState describes struct _ts.
type PyThreadState struct {
	Next     Field // next thread, singly linked
	Frame    Field // currently executing frame, may be null
	ThreadID Field // OS thread id as registered by the target
}

// PyFrameObject describes struct _frame.
type PyFrameObject struct {
	Back  Field // f_back, caller frame, null at the top
	Code  Field // f_code
	LastI Field // f_lasti, current instruction
}

// LineTableKind selects the encoding of the bytecode-offset-to-line table.
type LineTableKind int32

const (
	// LineTableLnotab is the classic co_lnotab encoding: pairs of
	// (offset delta, line delta) bytes. Line deltas are unsigned in old
	// builds and signed two's complement from 3.6 on.
	LineTableLnotab LineTableKind = iota

	// LineTableRanges is the 3.10 co_linetable encoding: pairs of
	// (end-offset delta, line delta) where a line delta of -128 marks
	// bytecode with no source line.
	LineTableRanges
)

// PyCodeObject describes PyCodeObject.
type PyCodeObject struct {
	Filename    Field // co_filename, string object
	Name        Field // co_name, string object
	FirstLineNo Field // co_firstlineno
	LineTable   Field // co_lnotab / co_linetable, bytes object

	LineTableKind LineTableKind
	// SignedLineDelta: lnotab line deltas are signed two's complement
	// bytes from 3.6 on, plain unsigned bytes before.
	SignedLineDelta bool
	// LastIMultiplier converts f_lasti into a byte offset into the line
	// table's address space. 1 for builds where f_lasti is a byte offset,
	// 2 from 3.10 on where it counts 16-bit code units.
	LastIMultiplier int64
}

// PyStringKind selects the string object flavor of the build.
type PyStringKind int32

const (
	// PyStringUnicode is the 3.x unicode object with a packed state byte
	// selecting compact/legacy representation and unit width.
	PyStringUnicode PyStringKind = iota

	// PyStringBytes is the 2.x byte string: length plus inline data.
	PyStringBytes
)

// PyStringObject describes the build's string representation, including the
// bit positions of the packed state flags.
type PyStringObject struct {
	Kind PyStringKind

	// Unicode (3.x) members.
	Length        Field // PyASCIIObject.length, in code points
	State         Field // PyASCIIObject.state, one packed byte
	AsciiData     Field // inline data offset for compact ASCII strings
	CompactData   Field // inline data offset for other compact strings
	LegacyDataPtr Field // PyUnicodeObject.data pointer for legacy strings
	UTF8Length    Field // PyCompactUnicodeObject.utf8_length
	UTF8Ptr       Field // PyCompactUnicodeObject.utf8, cached encoding

	Interned   BitField // 0 = not interned
	UnitKind   BitField // code point width: 0 (wstr only), 1, 2 or 4
	Compact    BitField // data stored inline after the header
	Ascii      BitField // ASCII only, data directly after PyASCIIObject
	Ready      BitField // fully constructed
	StateValid bool     // false for builds without a state byte (2.x)

	// Bytes (2.x) members.
	BytesLength Field // ob_size
	BytesData   Field // inline ob_sval
}

// PyBytesObject describes PyBytesObject, used for line-table blobs.
type PyBytesObject struct {
	Length Field // ob_size
	Data   Field // inline ob_sval
}

// Layout is the complete descriptor for one interpreter build. Selected
// once per profiling session and never mutated; switching interpreter
// versions requires a new session.
type Layout struct {
	Version string // human readable constraint this table covers

	PyRuntime   PyRuntimeState
	PyInterp    PyInterpreterState
	PyThread    PyThreadState
	PyFrame     PyFrameObject
	PyCode      PyCodeObject
	PyString    PyStringObject
	PyBytes     PyBytesObject
	PointerSize int64
}

func field(offset int64, size int64) Field { return Field{Offset: offset, Size: size} }

func absent() Field { return Field{Offset: -1} }
