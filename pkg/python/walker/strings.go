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
	"fmt"

	"github.com/parca-dev/pystack/internal/byteorder"
)

// MaxStringLength clamps decoded string lengths. A torn read of a string
// header can report any length; names and paths beyond this are garbage.
const MaxStringLength = 4096

// readString decodes the string object at addr into a Go string.
//
// 3.x stores text in one of several internal forms selected by a packed
// state byte: compact ASCII (data right after the ASCII header), compact
// UCS1/2/4 (data after the full compact header), or legacy (data behind a
// pointer), optionally with a cached UTF-8 encoding. 2.x stores plain byte
// strings. A string that is not yet "ready" is decoded best-effort, since
// the target may be mid-construction.
func (w *Walker) readString(addr uint64) (string, error) {
	if addr == 0 {
		return "", nil
	}

	ls := &w.layout.PyString
	if !ls.StateValid {
		return w.readByteString(addr)
	}

	if s, ok := w.interned.Load(addr); ok {
		return s, nil
	}

	state, err := w.acc.Uint64(addr, ls.State, "str.state")
	if err != nil {
		return "", err
	}
	var (
		isInterned = ls.Interned.Extract(state) != 0
		kind       = ls.UnitKind.Extract(state)
		compact    = ls.Compact.Extract(state) != 0
		ascii      = ls.Ascii.Extract(state) != 0
		ready      = ls.Ready.Extract(state) != 0
	)

	length, err := w.acc.Uint64(addr, ls.Length, "str.length")
	if err != nil {
		return "", err
	}
	if length > MaxStringLength {
		length = MaxStringLength
	}
	if length == 0 {
		return "", nil
	}

	var s string
	switch {
	case compact && ascii:
		data, err := w.acc.Bytes(addr, ls.AsciiData, int64(length), "str.ascii_data")
		if err != nil {
			return "", err
		}
		s = string(data)

	case compact:
		if cached, ok, err := w.readCachedUTF8(addr); err != nil {
			return "", err
		} else if ok {
			s = cached
			break
		}
		if kind == 0 {
			// Under construction and not yet sized; nothing to decode.
			return "", nil
		}
		data, err := w.acc.Bytes(addr, ls.CompactData, int64(length)*int64(kind), "str.compact_data")
		if err != nil {
			return "", err
		}
		s = decodeUnits(data, kind)

	default: // legacy representation
		if !ready || kind == 0 {
			// Not ready: the data pointer and kind are unreliable. The
			// cached UTF-8 form is the only thing safe to try.
			s, _, err := w.readCachedUTF8(addr)
			return s, err
		}
		ptr, err := w.acc.Pointer(addr, ls.LegacyDataPtr, "str.data")
		if err != nil {
			return "", err
		}
		if ptr == 0 {
			return "", nil
		}
		data, err := w.acc.BytesAt(ptr, int64(length)*int64(kind), "str.legacy_data")
		if err != nil {
			return "", err
		}
		s = decodeUnits(data, kind)
	}

	if isInterned && ready {
		w.interned.Store(addr, s)
	}
	return s, nil
}

// readCachedUTF8 returns the string's cached UTF-8 encoding if the build
// exposes one and the target has populated it.
func (w *Walker) readCachedUTF8(addr uint64) (string, bool, error) {
	ls := &w.layout.PyString
	if !ls.UTF8Ptr.Valid() || !ls.UTF8Length.Valid() {
		return "", false, nil
	}
	ptr, err := w.acc.Pointer(addr, ls.UTF8Ptr, "str.utf8")
	if err != nil || ptr == 0 {
		return "", false, err
	}
	n, err := w.acc.Uint64(addr, ls.UTF8Length, "str.utf8_length")
	if err != nil || n == 0 {
		return "", false, err
	}
	if n > MaxStringLength {
		n = MaxStringLength
	}
	data, err := w.acc.BytesAt(ptr, int64(n), "str.utf8_data")
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// readByteString decodes a 2.x string object: ob_size plus inline data.
func (w *Walker) readByteString(addr uint64) (string, error) {
	ls := &w.layout.PyString
	length, err := w.acc.Uint64(addr, ls.BytesLength, "str.ob_size")
	if err != nil {
		return "", err
	}
	if length > MaxStringLength {
		length = MaxStringLength
	}
	data, err := w.acc.Bytes(addr, ls.BytesData, int64(length), "str.ob_sval")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeUnits re-encodes fixed-width code points to UTF-8. CPython's
// canonical forms store scalar values directly: UCS1 is Latin-1, UCS2 and
// UCS4 are plain code points, never surrogate pairs.
func decodeUnits(data []byte, unit uint64) string {
	switch unit {
	case 1:
		runes := make([]rune, len(data))
		for i, b := range data {
			runes[i] = rune(b)
		}
		return string(runes)
	case 2:
		runes := make([]rune, 0, len(data)/2)
		for i := 0; i+1 < len(data); i += 2 {
			runes = append(runes, rune(byteorder.Host().Uint16(data[i:])))
		}
		return string(runes)
	case 4:
		runes := make([]rune, 0, len(data)/4)
		for i := 0; i+3 < len(data); i += 4 {
			runes = append(runes, rune(byteorder.Host().Uint32(data[i:])))
		}
		return string(runes)
	default:
		return fmt.Sprintf("<bad unit width %d>", unit)
	}
}
