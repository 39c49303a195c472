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

package convert

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/pystack/pkg/python/walker"
	"github.com/parca-dev/pystack/pkg/sampler"
)

func testAggregate() *sampler.Aggregate {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &sampler.Aggregate{
		PID:    1234,
		Start:  start,
		End:    start.Add(10 * time.Second),
		Period: time.Second / 19,
		Samples: map[sampler.StackKey]*sampler.StackCount{
			{ThreadID: 1, Frames: "app.py:bar"}: {
				Frames: []walker.Frame{
					{Function: "bar", File: "app.py", Line: 6, Depth: 0},
					{Function: "foo", File: "app.py", Line: 20, Depth: 1},
					{Function: "main", File: "app.py", Line: 1, Depth: 2},
				},
				Count:  7,
				Active: 5,
			},
			{ThreadID: 1, Frames: "app.py:main"}: {
				Frames: []walker.Frame{
					{Function: "main", File: "app.py", Line: 2, Depth: 0},
				},
				Count: 3,
			},
		},
	}
}

func TestAggregateToCollapsed(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, AggregateToCollapsed(&buf, testAggregate()))

	expected := strings.Join([]string{
		"main (app.py:1);foo (app.py:20);bar (app.py:6) 7",
		"main (app.py:2) 3",
	}, "\n") + "\n"
	require.Equal(t, expected, buf.String())
}

func TestAggregateToCollapsedEmpty(t *testing.T) {
	var buf bytes.Buffer
	agg := testAggregate()
	agg.Samples = map[sampler.StackKey]*sampler.StackCount{}
	require.NoError(t, AggregateToCollapsed(&buf, agg))
	require.Empty(t, buf.String())
}

func TestAggregateToPprof(t *testing.T) {
	prof, err := AggregateToPprof(testAggregate())
	require.NoError(t, err)
	require.NoError(t, prof.CheckValid())

	require.Len(t, prof.Sample, 2)
	require.Equal(t, "samples", prof.SampleType[0].Type)
	require.Equal(t, "active", prof.SampleType[1].Type)

	var total, active int64
	for _, s := range prof.Sample {
		total += s.Value[0]
		active += s.Value[1]
	}
	require.Equal(t, int64(10), total)
	require.Equal(t, int64(5), active)

	// main appears at two lines but is a single function per file.
	names := map[string]int{}
	for _, f := range prof.Function {
		names[f.Name]++
	}
	require.Equal(t, map[string]int{"bar": 1, "foo": 1, "main": 1}, names)
	// Distinct lines get distinct locations.
	require.Len(t, prof.Location, 4)
}
