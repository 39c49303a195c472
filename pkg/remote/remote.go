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

// Package remote reads raw bytes out of another process's address space.
//
// Everything read through this package is a snapshot of memory the target
// may be mutating concurrently. Callers must treat every read as possibly
// stale or torn and must never read the same address twice expecting
// identical contents.
package remote

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrUnmapped is returned when the requested address is not backed by
	// any mapped page in the target. Expected under races with the target's
	// own allocator, not fatal to a profiling session.
	ErrUnmapped = errors.New("address not mapped in target process")

	// ErrShortRead is returned when fewer bytes than requested could be
	// read. The bytes that were read are not returned.
	ErrShortRead = errors.New("short read from target process")
)

// MemoryReader reads len(buf) bytes at addr in a foreign address space.
//
// Implementations are not required to be safe for concurrent use; wrap them
// with Serialized when reads may be issued from multiple goroutines.
type MemoryReader interface {
	ReadMemory(addr uint64, buf []byte) error
}

type serializedReader struct {
	mtx sync.Mutex
	r   MemoryReader
}

// Serialized wraps r so that all reads against the target are issued one at
// a time. The remote-read primitives we use are plain syscalls and are
// reentrant, but serializing keeps the read pattern predictable and lets
// per-thread walks run in parallel goroutines above a single reader.
func Serialized(r MemoryReader) MemoryReader {
	return &serializedReader{r: r}
}

func (s *serializedReader) ReadMemory(addr uint64, buf []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.r.ReadMemory(addr, buf)
}

type countingReader struct {
	r MemoryReader

	reads     prometheus.Counter
	bytesRead prometheus.Counter
	failures  *prometheus.CounterVec
}

// Counted wraps r with Prometheus counters for reads, bytes and failures.
func Counted(reg prometheus.Registerer, r MemoryReader) MemoryReader {
	return &countingReader{
		r: r,
		reads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "remote_memory_reads_total",
			Help: "Total number of reads issued against the target process.",
		}),
		bytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "remote_memory_read_bytes_total",
			Help: "Total number of bytes read from the target process.",
		}),
		failures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "remote_memory_read_failures_total",
			Help: "Total number of failed reads against the target process.",
		}, []string{"reason"}),
	}
}

func (c *countingReader) ReadMemory(addr uint64, buf []byte) error {
	c.reads.Inc()
	err := c.r.ReadMemory(addr, buf)
	switch {
	case err == nil:
		c.bytesRead.Add(float64(len(buf)))
	case errors.Is(err, ErrUnmapped):
		c.failures.WithLabelValues("unmapped").Inc()
	case errors.Is(err, ErrShortRead):
		c.failures.WithLabelValues("short").Inc()
	default:
		c.failures.WithLabelValues("other").Inc()
	}
	return err
}
