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
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/parca-dev/pystack/pkg/python/walker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFoldAggregatesIdenticalStacks(t *testing.T) {
	p := NewProfiler(log.NewNopLogger(), nil, 0)
	agg := &Aggregate{Samples: map[StackKey]*StackCount{}}

	stack := walker.CallStack{
		ThreadID: 9,
		Frames: []walker.Frame{
			{Function: "bar", File: "app.py", Line: 6},
			{Function: "main", File: "app.py", Line: 1, Depth: 1},
		},
	}
	snap := &Snapshot{Timestamp: time.Now(), PID: 1, Stacks: []walker.CallStack{stack}}

	p.fold(agg, snap)
	p.fold(agg, snap)

	require.Len(t, agg.Samples, 1)
	for _, sc := range agg.Samples {
		require.Equal(t, int64(2), sc.Count)
		require.Len(t, sc.Frames, 2)
	}
}

func TestFoldSeparatesThreads(t *testing.T) {
	p := NewProfiler(log.NewNopLogger(), nil, 0)
	agg := &Aggregate{Samples: map[StackKey]*StackCount{}}

	frames := []walker.Frame{{Function: "main", File: "app.py", Line: 1}}
	snap := &Snapshot{
		Stacks: []walker.CallStack{
			{ThreadID: 1, Frames: frames},
			{ThreadID: 2, Frames: frames},
			// Idle threads contribute nothing.
			{ThreadID: 3},
		},
	}
	p.fold(agg, snap)

	require.Len(t, agg.Samples, 2)
}

func TestFoldCountsActiveObservations(t *testing.T) {
	p := NewProfiler(log.NewNopLogger(), nil, 0)
	agg := &Aggregate{Samples: map[StackKey]*StackCount{}}

	frames := []walker.Frame{{Function: "main", File: "app.py", Line: 1}}
	active := &Snapshot{Stacks: []walker.CallStack{{ThreadID: 1, Frames: frames, Active: true}}}
	idle := &Snapshot{Stacks: []walker.CallStack{{ThreadID: 1, Frames: frames}}}

	p.fold(agg, active)
	p.fold(agg, active)
	p.fold(agg, idle)

	require.Len(t, agg.Samples, 1)
	for _, sc := range agg.Samples {
		require.Equal(t, int64(3), sc.Count)
		require.Equal(t, int64(2), sc.Active)
	}
}

func TestFoldFrames(t *testing.T) {
	frames := []walker.Frame{
		{Function: "bar", File: "app.py", Line: 6},
		{Function: "main", File: "app.py", Line: 1},
	}
	require.Equal(t, "app.py:bar;app.py:main", foldFrames(frames))
}

func TestNewProfilerDefaultFrequency(t *testing.T) {
	p := NewProfiler(log.NewNopLogger(), nil, -5)
	require.Equal(t, DefaultFrequency, p.frequency)
}
