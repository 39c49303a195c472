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

package mem

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/pystack/internal/byteorder"
	"github.com/parca-dev/pystack/pkg/python/layout"
	"github.com/parca-dev/pystack/pkg/remote"
)

// regionReader serves reads out of a single region at a fixed base.
type regionReader struct {
	base uint64
	data []byte
}

func (r *regionReader) ReadMemory(addr uint64, buf []byte) error {
	if addr < r.base || addr+uint64(len(buf)) > r.base+uint64(len(r.data)) {
		return fmt.Errorf("0x%x: %w", addr, remote.ErrUnmapped)
	}
	copy(buf, r.data[addr-r.base:])
	return nil
}

func testRegion(base uint64, size int) *regionReader {
	return &regionReader{base: base, data: make([]byte, size)}
}

func TestAccessorPointer(t *testing.T) {
	r := testRegion(0x1000, 64)
	byteorder.Host().PutUint64(r.data[8:], 0xdeadbeef)

	acc := NewAccessor(r)
	v, err := acc.Pointer(0x1000, layout.Field{Offset: 8, Size: 8}, "ptr")
	require.NoError(t, err)
	require.Equal(t, uint64(0xdeadbeef), v)

	_, err = acc.Pointer(0x1000, layout.Field{Offset: 8, Size: 4}, "narrow")
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = acc.Pointer(0x1000, layout.Field{Offset: -1}, "absent")
	require.ErrorIs(t, err, layout.ErrUnsupportedField)
}

func TestAccessorUint64(t *testing.T) {
	r := testRegion(0x1000, 64)
	r.data[0] = 0x7f
	byteorder.Host().PutUint16(r.data[2:], 0x1234)
	byteorder.Host().PutUint32(r.data[4:], 0x89abcdef)
	byteorder.Host().PutUint64(r.data[8:], 0x1122334455667788)

	acc := NewAccessor(r)
	for _, test := range []struct {
		field    layout.Field
		expected uint64
	}{
		{layout.Field{Offset: 0, Size: 1}, 0x7f},
		{layout.Field{Offset: 2, Size: 2}, 0x1234},
		{layout.Field{Offset: 4, Size: 4}, 0x89abcdef},
		{layout.Field{Offset: 8, Size: 8}, 0x1122334455667788},
	} {
		v, err := acc.Uint64(0x1000, test.field, "field")
		require.NoError(t, err)
		require.Equal(t, test.expected, v)
	}

	_, err := acc.Uint64(0x1000, layout.Field{Offset: 0, Size: 3}, "odd")
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestAccessorInt32(t *testing.T) {
	r := testRegion(0x1000, 64)
	byteorder.Host().PutUint32(r.data[4:], 0xffffffff) // -1

	acc := NewAccessor(r)
	v, err := acc.Int32(0x1000, layout.Field{Offset: 4, Size: 4}, "lasti")
	require.NoError(t, err)
	require.Equal(t, int32(-1), v)
}

func TestAccessorBytes(t *testing.T) {
	r := testRegion(0x1000, 64)
	copy(r.data[16:], "hello")

	acc := NewAccessor(r)
	b, err := acc.Bytes(0x1000, layout.Field{Offset: 16, Size: 0}, 5, "data")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), b)

	// Zero length reads nothing and cannot fail.
	b, err = acc.Bytes(0x1000, layout.Field{Offset: 16, Size: 0}, 0, "empty")
	require.NoError(t, err)
	require.Nil(t, b)

	_, err = acc.Bytes(0x1000, layout.Field{Offset: 16, Size: 0}, -1, "negative")
	require.ErrorIs(t, err, ErrOutOfRange)

	b, err = acc.BytesAt(0x1010, 5, "absolute")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), b)
}

func TestAccessorUnmapped(t *testing.T) {
	acc := NewAccessor(testRegion(0x1000, 8))
	_, err := acc.Pointer(0x2000, layout.Field{Offset: 0, Size: 8}, "gone")
	require.ErrorIs(t, err, remote.ErrUnmapped)
}
