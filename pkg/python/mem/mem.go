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

// Package mem interprets raw bytes at foreign addresses as typed values
// according to a layout descriptor.
//
// Each accessor call issues exactly one remote read for exactly the
// layout-described byte range, decodes it, and never retains the raw bytes.
// There are no retries at this layer; callers own the retry policy.
package mem

import (
	"errors"
	"fmt"

	"github.com/parca-dev/pystack/internal/byteorder"
	"github.com/parca-dev/pystack/pkg/python/layout"
	"github.com/parca-dev/pystack/pkg/remote"
)

// ErrOutOfRange is returned when a decode rule needs more bytes than the
// field provides. Treated as a corrupt field, truncating only the record
// being assembled.
var ErrOutOfRange = errors.New("field narrower than decode rule requires")

// Accessor reads layout-described fields out of a foreign address space.
// It holds no state besides the reader and the active layout, so it is as
// safe for concurrent use as the reader it wraps.
type Accessor struct {
	r remote.MemoryReader
}

func NewAccessor(r remote.MemoryReader) *Accessor {
	return &Accessor{r: r}
}

// Pointer reads a pointer-sized field at base. The result is an opaque
// address in the target; zero means null.
func (a *Accessor) Pointer(base uint64, f layout.Field, name string) (uint64, error) {
	if err := f.Check(name); err != nil {
		return 0, err
	}
	if f.Size != 8 {
		return 0, fmt.Errorf("%s: pointer field of width %d: %w", name, f.Size, ErrOutOfRange)
	}
	buf := make([]byte, 8)
	if err := a.r.ReadMemory(base+uint64(f.Offset), buf); err != nil {
		return 0, fmt.Errorf("%s at 0x%x: %w", name, base+uint64(f.Offset), err)
	}
	return byteorder.Host().Uint64(buf), nil
}

// Uint64 reads an unsigned integer field of width 1, 2, 4 or 8.
func (a *Accessor) Uint64(base uint64, f layout.Field, name string) (uint64, error) {
	if err := f.Check(name); err != nil {
		return 0, err
	}
	buf := make([]byte, f.Size)
	if err := a.r.ReadMemory(base+uint64(f.Offset), buf); err != nil {
		return 0, fmt.Errorf("%s at 0x%x: %w", name, base+uint64(f.Offset), err)
	}
	switch f.Size {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(byteorder.Host().Uint16(buf)), nil
	case 4:
		return uint64(byteorder.Host().Uint32(buf)), nil
	case 8:
		return byteorder.Host().Uint64(buf), nil
	default:
		return 0, fmt.Errorf("%s: integer field of width %d: %w", name, f.Size, ErrOutOfRange)
	}
}

// Int32 reads a signed 32-bit integer field.
func (a *Accessor) Int32(base uint64, f layout.Field, name string) (int32, error) {
	if err := f.Check(name); err != nil {
		return 0, err
	}
	if f.Size != 4 {
		return 0, fmt.Errorf("%s: int32 field of width %d: %w", name, f.Size, ErrOutOfRange)
	}
	buf := make([]byte, 4)
	if err := a.r.ReadMemory(base+uint64(f.Offset), buf); err != nil {
		return 0, fmt.Errorf("%s at 0x%x: %w", name, base+uint64(f.Offset), err)
	}
	return int32(byteorder.Host().Uint32(buf)), nil
}

// Bytes reads length raw bytes starting at the field's offset. Used for
// inline storage (string data, line tables) whose extent is described by a
// sibling length field rather than by the layout.
func (a *Accessor) Bytes(base uint64, f layout.Field, length int64, name string) ([]byte, error) {
	if err := f.Check(name); err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, fmt.Errorf("%s: negative length %d: %w", name, length, ErrOutOfRange)
	}
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := a.r.ReadMemory(base+uint64(f.Offset), buf); err != nil {
		return nil, fmt.Errorf("%s at 0x%x: %w", name, base+uint64(f.Offset), err)
	}
	return buf, nil
}

// BytesAt reads length raw bytes at an absolute address, for data behind a
// pointer the caller already resolved.
func (a *Accessor) BytesAt(addr uint64, length int64, name string) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("%s: negative length %d: %w", name, length, ErrOutOfRange)
	}
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := a.r.ReadMemory(addr, buf); err != nil {
		return nil, fmt.Errorf("%s at 0x%x: %w", name, addr, err)
	}
	return buf, nil
}
