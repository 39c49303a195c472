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

package remote

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

type iovec struct {
	Base *byte
	Len  uint64
}

// ProcessReader reads the virtual memory of a live process, preferring
// process_vm_readv and falling back to /proc/<pid>/mem when the syscall is
// unavailable or denied.
type ProcessReader struct {
	pid int

	// Lazily opened on the first fallback read and reused afterwards.
	procMem *os.File
}

func NewProcessReader(pid int) *ProcessReader {
	return &ProcessReader{pid: pid}
}

func (r *ProcessReader) ReadMemory(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	localIOV := iovec{
		Base: &buf[0],
		Len:  uint64(len(buf)),
	}
	remoteIOV := iovec{
		Base: (*byte)(unsafe.Pointer(uintptr(addr))),
		Len:  uint64(len(buf)),
	}

	result, _, errno := syscall.Syscall6(unix.SYS_PROCESS_VM_READV, uintptr(r.pid),
		uintptr(unsafe.Pointer(&localIOV)), uintptr(1),
		uintptr(unsafe.Pointer(&remoteIOV)), uintptr(1),
		uintptr(0))

	if result == ^uintptr(0) { // -1 in unsigned representation
		//nolint:exhaustive
		switch errno {
		case syscall.ENOSYS, syscall.EPERM:
			return r.readProcMem(addr, buf)
		case syscall.EFAULT, syscall.EIO:
			return fmt.Errorf("read %d bytes at 0x%x: %w", len(buf), addr, ErrUnmapped)
		case syscall.ESRCH:
			return fmt.Errorf("pid %d: %w", r.pid, os.ErrProcessDone)
		default:
			return errno
		}
	}

	// process_vm_readv stops at the first unmapped page, so a partial
	// transfer means the tail of the range is not readable.
	if uint64(result) < uint64(len(buf)) {
		return fmt.Errorf("read %d of %d bytes at 0x%x: %w", result, len(buf), addr, ErrShortRead)
	}

	return nil
}

func (r *ProcessReader) readProcMem(addr uint64, buf []byte) error {
	if r.procMem == nil {
		f, err := os.Open(fmt.Sprintf("/proc/%d/mem", r.pid))
		if err != nil {
			return err
		}
		r.procMem = f
	}

	n, err := r.procMem.ReadAt(buf, int64(addr))
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, syscall.EFAULT) {
			return fmt.Errorf("read %d bytes at 0x%x: %w", len(buf), addr, ErrUnmapped)
		}
		return err
	}
	if n < len(buf) {
		return fmt.Errorf("read %d of %d bytes at 0x%x: %w", n, len(buf), addr, ErrShortRead)
	}
	return nil
}

func (r *ProcessReader) Close() error {
	if r.procMem != nil {
		return r.procMem.Close()
	}
	return nil
}
