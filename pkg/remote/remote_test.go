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
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type stubReader struct {
	fill byte
	err  error
}

func (s *stubReader) ReadMemory(_ uint64, buf []byte) error {
	if s.err != nil {
		return s.err
	}
	for i := range buf {
		buf[i] = s.fill
	}
	return nil
}

func TestCountedReader(t *testing.T) {
	reg := prometheus.NewRegistry()
	stub := &stubReader{fill: 0xab}
	r := Counted(reg, stub)

	buf := make([]byte, 16)
	require.NoError(t, r.ReadMemory(0x1000, buf))
	require.Equal(t, byte(0xab), buf[0])

	stub.err = ErrUnmapped
	require.ErrorIs(t, r.ReadMemory(0x2000, buf), ErrUnmapped)
	stub.err = ErrShortRead
	require.ErrorIs(t, r.ReadMemory(0x3000, buf), ErrShortRead)

	c := r.(*countingReader)
	require.Equal(t, 3.0, testutil.ToFloat64(c.reads))
	require.Equal(t, 16.0, testutil.ToFloat64(c.bytesRead))
	require.Equal(t, 1.0, testutil.ToFloat64(c.failures.WithLabelValues("unmapped")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.failures.WithLabelValues("short")))
}

func TestSerializedReader(t *testing.T) {
	r := Serialized(&stubReader{fill: 0x5a})

	// Hammer the reader from many goroutines; the race detector flags any
	// unsynchronized path.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 8)
			for j := 0; j < 100; j++ {
				if err := r.ReadMemory(uint64(j), buf); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
