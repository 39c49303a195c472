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
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/pystack/internal/byteorder"
	"github.com/parca-dev/pystack/pkg/python/layout"
)

// unicodeString assembles a unicode object in any representation: compact
// or legacy, any unit width, with optional interning and readiness.
func (m *image) unicodeString(l *layout.Layout, addr uint64, points []rune, unit int, compact, ascii, interned, ready bool) uint64 {
	m.t.Helper()
	ls := &l.PyString

	data := make([]byte, len(points)*unit)
	for i, p := range points {
		switch unit {
		case 1:
			data[i] = byte(p)
		case 2:
			byteorder.Host().PutUint16(data[i*2:], uint16(p))
		case 4:
			byteorder.Host().PutUint32(data[i*4:], uint32(p))
		}
	}

	var state uint64
	state |= uint64(unit) << ls.UnitKind.Shift
	if compact {
		state |= 1 << ls.Compact.Shift
	}
	if ascii {
		state |= 1 << ls.Ascii.Shift
	}
	if interned {
		state |= 1 << ls.Interned.Shift
	}
	if ready {
		state |= 1 << ls.Ready.Shift
	}

	inlineOffset := ls.CompactData.Offset
	if compact && ascii {
		inlineOffset = ls.AsciiData.Offset
	}
	size := int(inlineOffset)
	if compact {
		size += len(data)
	} else {
		size = int(ls.LegacyDataPtr.Offset) + 8
	}
	m.alloc(addr, size)
	m.putU64(addr+uint64(ls.Length.Offset), uint64(len(points)))
	m.write(addr+uint64(ls.State.Offset), []byte{byte(state)})

	if compact {
		m.write(addr+uint64(inlineOffset), data)
	} else {
		dataAddr := addr + 0x10000
		m.alloc(dataAddr, len(data))
		m.write(dataAddr, data)
		m.putU64(addr+uint64(ls.LegacyDataPtr.Offset), dataAddr)
	}
	return addr
}

func newStringWalker(t *testing.T, im *image, version string) *Walker {
	t.Helper()
	return New(log.NewNopLogger(), im, testLayout(t, version), nil)
}

func TestReadStringCompactASCII(t *testing.T) {
	im := newImage(t)
	addr := im.asciiString(testLayout(t, "3.8.10"), 0x1000, "handler", false)

	w := newStringWalker(t, im, "3.8.10")
	s, err := w.readString(addr)
	require.NoError(t, err)
	require.Equal(t, "handler", s)
}

func TestReadStringCompactUCS2(t *testing.T) {
	im := newImage(t)
	l := testLayout(t, "3.8.10")
	addr := im.unicodeString(l, 0x1000, []rune("målsøk"), 2, true, false, false, true)

	w := newStringWalker(t, im, "3.8.10")
	s, err := w.readString(addr)
	require.NoError(t, err)
	require.Equal(t, "målsøk", s)
}

func TestReadStringCompactUCS4(t *testing.T) {
	im := newImage(t)
	l := testLayout(t, "3.8.10")
	addr := im.unicodeString(l, 0x1000, []rune{'f', 0x1F40D, '!'}, 4, true, false, false, true)

	w := newStringWalker(t, im, "3.8.10")
	s, err := w.readString(addr)
	require.NoError(t, err)
	require.Equal(t, "f\U0001F40D!", s)
}

func TestReadStringCachedUTF8(t *testing.T) {
	im := newImage(t)
	l := testLayout(t, "3.8.10")

	// A compact UCS2 string whose cached UTF-8 encoding is populated; the
	// cache wins over decoding the canonical form.
	addr := im.unicodeString(l, 0x1000, []rune("décodé"), 2, true, false, false, true)
	utf8 := []byte("décodé")
	im.alloc(0x9000, len(utf8))
	im.write(0x9000, utf8)
	im.putU64(addr+uint64(l.PyString.UTF8Ptr.Offset), 0x9000)
	im.putU64(addr+uint64(l.PyString.UTF8Length.Offset), uint64(len(utf8)))

	w := newStringWalker(t, im, "3.8.10")
	s, err := w.readString(addr)
	require.NoError(t, err)
	require.Equal(t, "décodé", s)
}

func TestReadStringLegacy(t *testing.T) {
	im := newImage(t)
	l := testLayout(t, "3.8.10")
	addr := im.unicodeString(l, 0x1000, []rune("legacy"), 1, false, false, false, true)

	w := newStringWalker(t, im, "3.8.10")
	s, err := w.readString(addr)
	require.NoError(t, err)
	require.Equal(t, "legacy", s)
}

func TestReadStringNotReady(t *testing.T) {
	im := newImage(t)
	l := testLayout(t, "3.8.10")

	// A legacy string mid-construction: no cached UTF-8, unreliable data
	// pointer. Decodes to empty rather than failing or reading garbage.
	addr := im.unicodeString(l, 0x1000, []rune("partial"), 1, false, false, false, false)

	w := newStringWalker(t, im, "3.8.10")
	s, err := w.readString(addr)
	require.NoError(t, err)
	require.Equal(t, "", s)
}

func TestReadStringNull(t *testing.T) {
	im := newImage(t)
	w := newStringWalker(t, im, "3.8.10")
	s, err := w.readString(0)
	require.NoError(t, err)
	require.Equal(t, "", s)
}

func TestReadStringInternedMemoized(t *testing.T) {
	im := newImage(t)
	l := testLayout(t, "3.8.10")
	addr := im.asciiString(l, 0x1000, "stable", true)

	w := newStringWalker(t, im, "3.8.10")
	s, err := w.readString(addr)
	require.NoError(t, err)
	require.Equal(t, "stable", s)

	// Interned strings are immortal in the target, so the memo survives
	// even if the fake memory is scribbled over.
	im.write(addr+uint64(l.PyString.AsciiData.Offset), []byte("zzzzzz"))
	s, err = w.readString(addr)
	require.NoError(t, err)
	require.Equal(t, "stable", s)
}

func TestReadStringClampsLength(t *testing.T) {
	im := newImage(t)
	l := testLayout(t, "3.8.10")
	addr := im.asciiString(l, 0x1000, "tiny", false)

	// A torn length field claims more data than exists; the clamp keeps
	// the read bounded and the region boundary fails it cleanly.
	im.putU64(addr+uint64(l.PyString.Length.Offset), 1<<40)

	w := newStringWalker(t, im, "3.8.10")
	_, err := w.readString(addr)
	require.Error(t, err)
}

func TestReadStringPython2(t *testing.T) {
	im := newImage(t)
	l := testLayout(t, "2.7.18")

	addr := uint64(0x1000)
	im.alloc(addr, int(l.PyString.BytesData.Offset)+5)
	im.putU64(addr+uint64(l.PyString.BytesLength.Offset), 5)
	im.write(addr+uint64(l.PyString.BytesData.Offset), []byte("which"))

	w := newStringWalker(t, im, "2.7.18")
	s, err := w.readString(addr)
	require.NoError(t, err)
	require.Equal(t, "which", s)
}
