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

// Package sampler ties discovery, layout selection and the stack walker
// into profiling sessions against one target process.
package sampler

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/procfs"
	"golang.org/x/sync/errgroup"

	"github.com/parca-dev/pystack/internal/byteorder"
	"github.com/parca-dev/pystack/pkg/cache"
	"github.com/parca-dev/pystack/pkg/python/discover"
	"github.com/parca-dev/pystack/pkg/python/layout"
	"github.com/parca-dev/pystack/pkg/python/walker"
	"github.com/parca-dev/pystack/pkg/remote"
)

const (
	// locationCacheSize bounds the per-session memo of decoded locations.
	locationCacheSize = 8192

	// walkConcurrency bounds parallel per-thread walks. Reads against the
	// target are serialized underneath, so this only overlaps decoding.
	walkConcurrency = 4
)

// Snapshot is the result of one sample: every thread's call stack at one
// point in time.
type Snapshot struct {
	Timestamp time.Time
	PID       int
	Stacks    []walker.CallStack
	// Partial marks a snapshot whose thread enumeration ended early.
	Partial bool
}

type metrics struct {
	samples      *prometheus.CounterVec
	threads      prometheus.Counter
	sampleTiming prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		samples: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pystack_samples_total",
			Help: "Total number of samples taken, by enumeration outcome.",
		}, []string{"outcome"}),
		threads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pystack_threads_walked_total",
			Help: "Total number of thread stacks walked.",
		}),
		sampleTiming: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "pystack_sample_duration_seconds",
			Help:    "Wall time per sample.",
			Buckets: prometheus.ExponentialBuckets(100e-6, 2, 14),
		}),
	}
}

// Session is one attachment to one target process with one selected
// layout. Profiling an interpreter of a different version requires a new
// session.
type Session struct {
	logger  log.Logger
	metrics *metrics

	pid     int
	version *semver.Version
	layout  *layout.Layout
	walker  *walker.Walker

	proc *remote.ProcessReader
	// reader is proc behind the serialized and counted wrappers; every
	// read of the target goes through it.
	reader remote.MemoryReader

	// interpHeadPtrAddr is the address of the pointer to the first
	// interpreter state. Re-read every sample: interpreters can be
	// created and torn down while we watch.
	interpHeadPtrAddr uint64

	// currentPtrAddr is the address of the pointer to the thread state
	// holding the GIL, zero when neither the runtime struct nor the
	// _PyThreadState_Current symbol exposes one.
	currentPtrAddr uint64

	locations *cache.LRU[walker.LocationKey, walker.Frame]
}

// Attach discovers the interpreter in pid, selects the layout for its
// build, and prepares a session. Discovery is retried briefly: a freshly
// exec'd interpreter takes a moment to write its version banner.
func Attach(ctx context.Context, logger log.Logger, reg prometheus.Registerer, pid int) (*Session, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return nil, fmt.Errorf("pid %d: %w", pid, err)
	}

	var interp *discover.Interpreter
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err = backoff.Retry(func() error {
		var err error
		interp, err = discover.Discover(proc)
		return err
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("discover interpreter in pid %d: %w", pid, err)
	}

	l, err := layout.ForVersion(interp.Version)
	if err != nil {
		return nil, err
	}

	var headPtrAddr uint64
	if l.PyRuntime.InterpHead.Valid() {
		headPtrAddr = interp.RuntimeAddr + uint64(l.PyRuntime.InterpHead.Offset)
	} else {
		headPtrAddr = interp.InterpHeadAddr
	}
	if headPtrAddr == 0 {
		return nil, fmt.Errorf("pid %d: no interpreter state anchor found", pid)
	}

	// The GIL holder: behind _PyRuntime.gilstate on 3.7+, behind the
	// _PyThreadState_Current variable before that.
	var currentPtrAddr uint64
	if l.PyRuntime.TStateCurrent.Valid() {
		currentPtrAddr = interp.RuntimeAddr + uint64(l.PyRuntime.TStateCurrent.Offset)
	} else {
		currentPtrAddr = interp.CurrentThreadAddr
	}

	level.Info(logger).Log(
		"msg", "attached to interpreter",
		"pid", pid,
		"version", interp.Version.String(),
		"version_source", interp.VersionSource,
		"layout", l.Version,
	)

	procMem := remote.NewProcessReader(pid)
	locations := cache.NewLRU[walker.LocationKey, walker.Frame](
		prometheus.WrapRegistererWithPrefix("pystack_locations_", reg), locationCacheSize)
	counted := remote.Counted(reg, remote.Serialized(procMem))

	return &Session{
		logger:  logger,
		metrics: newMetrics(reg),

		pid:     pid,
		version: interp.Version,
		layout:  l,
		walker:  walker.New(logger, counted, l, locations),

		proc:              procMem,
		reader:            counted,
		interpHeadPtrAddr: headPtrAddr,
		currentPtrAddr:    currentPtrAddr,
		locations:         locations,
	}, nil
}

func (s *Session) Version() *semver.Version { return s.version }

// Sample takes one snapshot of every thread's call stack. Transient read
// failures degrade the snapshot to partial; only a layout mismatch is
// returned as an error, and it invalidates the session.
func (s *Session) Sample(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	defer func() { s.metrics.sampleTiming.Observe(time.Since(start).Seconds()) }()

	snap := &Snapshot{Timestamp: start, PID: s.pid}

	interpStateAddr, err := s.readPointer(s.interpHeadPtrAddr)
	if err != nil {
		s.metrics.samples.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("read interpreter head pointer: %w", err)
	}
	if interpStateAddr == 0 {
		// Interpreter not initialized yet, or already torn down. An empty
		// snapshot, not an error.
		s.metrics.samples.WithLabelValues("empty").Inc()
		return snap, nil
	}

	threads, partial, err := s.walker.EnumerateThreads(ctx, interpStateAddr)
	if err != nil {
		s.metrics.samples.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("enumerate threads: %w", err)
	}
	snap.Partial = partial

	// Which thread holds the GIL right now. Best effort: a failed read
	// only loses the active flag, not the sample.
	var current uint64
	if s.currentPtrAddr != 0 {
		if addr, err := s.readPointer(s.currentPtrAddr); err == nil {
			current = addr
		}
	}

	snap.Stacks = make([]walker.CallStack, len(threads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(walkConcurrency)
	for i, ts := range threads {
		i, ts := i, ts
		g.Go(func() error {
			stack, err := s.walker.Walk(gctx, ts)
			if err != nil {
				return err
			}
			snap.Stacks[i] = stack
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.metrics.samples.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("walk threads: %w", err)
	}

	for i := range threads {
		if current != 0 && threads[i].Addr == current {
			snap.Stacks[i].Active = true
		}
	}

	s.metrics.threads.Add(float64(len(threads)))
	if partial {
		s.metrics.samples.WithLabelValues("partial").Inc()
	} else {
		s.metrics.samples.WithLabelValues("complete").Inc()
	}
	return snap, nil
}

func (s *Session) Close() error {
	if s.locations != nil {
		if err := s.locations.Close(); err != nil {
			level.Warn(s.logger).Log("msg", "closing location cache", "err", err)
		}
	}
	if s.proc == nil {
		return nil
	}
	return s.proc.Close()
}

// readPointer reads one pointer-sized anchor through the session's
// counted reader. Anchors move as the target creates and tears down
// interpreters and trades the GIL, so they are re-read every sample.
func (s *Session) readPointer(addr uint64) (uint64, error) {
	buf := make([]byte, 8)
	if err := s.reader.ReadMemory(addr, buf); err != nil {
		return 0, err
	}
	return byteorder.Host().Uint64(buf), nil
}
