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

package sampler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/pystack/pkg/python/layout"
	"github.com/parca-dev/pystack/pkg/python/walker"
)

// DefaultFrequency is samples per second. Prime, so the sampling clock
// does not phase-lock with periodic work in the target.
const DefaultFrequency = 19

// StackKey aggregates identical stacks across samples.
type StackKey struct {
	ThreadID uint64
	Frames   string // frames joined innermost-last, ';'-separated
}

// Aggregate accumulates how often each distinct stack was observed.
type Aggregate struct {
	PID     int
	Start   time.Time
	End     time.Time
	Period  time.Duration
	Samples map[StackKey]*StackCount
}

// StackCount is one distinct stack with its observation count. Frames are
// kept in walk order, innermost first. Active counts how often this stack
// belonged to the thread holding the GIL.
type StackCount struct {
	Frames []walker.Frame
	Count  int64
	Active int64
}

// Profiler repeatedly samples one session at a fixed frequency and folds
// the snapshots into an aggregate.
type Profiler struct {
	logger    log.Logger
	session   *Session
	frequency int
}

func NewProfiler(logger log.Logger, session *Session, frequency int) *Profiler {
	if frequency <= 0 {
		frequency = DefaultFrequency
	}
	return &Profiler{logger: logger, session: session, frequency: frequency}
}

// Run samples until the duration elapses or ctx is canceled, whichever
// comes first. A zero duration runs until cancellation. The aggregate
// collected so far is returned even when the target exits mid-run.
func (p *Profiler) Run(ctx context.Context, duration time.Duration) (*Aggregate, error) {
	period := time.Second / time.Duration(p.frequency)
	agg := &Aggregate{
		PID:     p.session.pid,
		Start:   time.Now(),
		Period:  period,
		Samples: map[StackKey]*StackCount{},
	}
	defer func() { agg.End = time.Now() }()

	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		snap, err := p.session.Sample(ctx)
		switch {
		case err == nil:
			p.fold(agg, snap)
		case errors.Is(err, layout.ErrUnsupportedVersion), errors.Is(err, layout.ErrUnsupportedField):
			// The field tables are wrong for this target; every further
			// sample would dereference garbage.
			return agg, fmt.Errorf("sample: %w", err)
		case errors.Is(err, os.ErrProcessDone):
			level.Info(p.logger).Log("msg", "target exited", "pid", p.session.pid)
			return agg, nil
		case ctx.Err() != nil:
			return agg, nil
		default:
			// One bad sample does not end the run; the next tick may land
			// on a consistent target state.
			level.Debug(p.logger).Log("msg", "sample failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return agg, nil
		case <-ticker.C:
		}
	}
}

func (p *Profiler) fold(agg *Aggregate, snap *Snapshot) {
	for _, stack := range snap.Stacks {
		if len(stack.Frames) == 0 {
			continue
		}
		key := StackKey{ThreadID: stack.ThreadID, Frames: foldFrames(stack.Frames)}
		sc, ok := agg.Samples[key]
		if !ok {
			frames := make([]walker.Frame, len(stack.Frames))
			copy(frames, stack.Frames)
			sc = &StackCount{Frames: frames}
			agg.Samples[key] = sc
		}
		sc.Count++
		if stack.Active {
			sc.Active++
		}
	}
}

func foldFrames(frames []walker.Frame) string {
	var sb strings.Builder
	for i, f := range frames {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(f.File)
		sb.WriteByte(':')
		sb.WriteString(f.Function)
	}
	return sb.String()
}
