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

package walker

import (
	"github.com/parca-dev/pystack/pkg/python/layout"
)

// maxLineTableSize clamps the line-table blob read from the target. Real
// tables are a few hundred bytes; anything larger is a torn length.
const maxLineTableSize = 65536

// lineNumber computes the source line for an instruction offset by
// decoding the code object's compact line table, seeded from
// co_firstlineno. A malformed or truncated table yields the best estimate
// reached so far, never an error.
func (w *Walker) lineNumber(code uint64, lasti int32) (int32, error) {
	first, err := w.acc.Int32(code, w.layout.PyCode.FirstLineNo, "code.co_firstlineno")
	if err != nil {
		return 0, err
	}

	tablePtr, err := w.acc.Pointer(code, w.layout.PyCode.LineTable, "code.co_linetable")
	if err != nil {
		return 0, err
	}
	if tablePtr == 0 || lasti < 0 {
		return first, nil
	}

	length, err := w.acc.Uint64(tablePtr, w.layout.PyBytes.Length, "linetable.ob_size")
	if err != nil {
		// The seed line is already a usable estimate.
		return first, nil
	}
	if length > maxLineTableSize {
		length = maxLineTableSize
	}
	table, err := w.acc.Bytes(tablePtr, w.layout.PyBytes.Data, int64(length), "linetable.data")
	if err != nil {
		return first, nil
	}

	target := int64(lasti) * w.layout.PyCode.LastIMultiplier
	switch w.layout.PyCode.LineTableKind {
	case layout.LineTableRanges:
		return decodeRangeTable(table, target, first), nil
	default:
		return decodeLnotab(table, target, first, w.layout.PyCode.SignedLineDelta), nil
	}
}

// decodeLnotab walks the classic co_lnotab encoding: byte pairs of
// (offset delta, line delta). Offset deltas accumulate until they pass the
// target offset; line deltas (signed in newer builds, allowing backward
// jumps like loop headers) accumulate into the running line.
func decodeLnotab(table []byte, target int64, first int32, signed bool) int32 {
	var (
		line = int64(first)
		addr int64
	)
	for i := 0; i+1 < len(table); i += 2 {
		addr += int64(table[i])
		if addr > target {
			break
		}
		if signed {
			line += int64(int8(table[i+1]))
		} else {
			line += int64(table[i+1])
		}
	}
	return int32(line)
}

// decodeRangeTable walks the 3.10 co_linetable encoding: byte pairs of
// (end-offset delta, line delta), each describing a bytecode range. A line
// delta of -128 marks a range with no source line; the last line seen
// before it is the best estimate.
func decodeRangeTable(table []byte, target int64, first int32) int32 {
	const noLineSentinel = -128

	var (
		line      = int64(first)
		bestLine  = int64(first)
		end       int64
		lineValid = true
	)
	for i := 0; i+1 < len(table); i += 2 {
		var (
			bdelta = int64(table[i])
			ldelta = int64(int8(table[i+1]))
		)
		start := end
		end = start + bdelta
		if ldelta == noLineSentinel {
			lineValid = false
		} else {
			line += ldelta
			lineValid = true
			bestLine = line
		}
		if start <= target && target < end {
			if lineValid {
				return int32(line)
			}
			return int32(bestLine)
		}
	}
	return int32(bestLine)
}
