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
	"fmt"

	"github.com/google/pprof/profile"

	"github.com/parca-dev/pystack/pkg/python/walker"
	"github.com/parca-dev/pystack/pkg/sampler"
)

// AggregateToPprof converts an aggregate into a pprof profile with two
// sample types: samples/count for every observation and active/count for
// the subset where the stack's thread held the GIL. Each distinct
// (function, file, line) becomes one location; pprof wants leaf-first
// location lists, which matches the walker's innermost-first frame order.
func AggregateToPprof(agg *sampler.Aggregate) (*profile.Profile, error) {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{
			Type: "samples",
			Unit: "count",
		}, {
			Type: "active",
			Unit: "count",
		}},
		TimeNanos:     agg.Start.UnixNano(),
		DurationNanos: int64(agg.End.Sub(agg.Start)),
		PeriodType: &profile.ValueType{
			Type: "cpu",
			Unit: "nanoseconds",
		},
		Period: int64(agg.Period),
	}

	var (
		functions = map[string]*profile.Function{}
		locations = map[walkerLocation]*profile.Location{}
	)
	function := func(f walker.Frame) *profile.Function {
		key := f.File + "\x00" + f.Function
		if fn, ok := functions[key]; ok {
			return fn
		}
		fn := &profile.Function{
			ID:       uint64(len(prof.Function)) + 1,
			Name:     f.Function,
			Filename: f.File,
		}
		functions[key] = fn
		prof.Function = append(prof.Function, fn)
		return fn
	}
	location := func(f walker.Frame) *profile.Location {
		key := walkerLocation{file: f.File, function: f.Function, line: f.Line}
		if loc, ok := locations[key]; ok {
			return loc
		}
		loc := &profile.Location{
			ID: uint64(len(prof.Location)) + 1,
			Line: []profile.Line{{
				Function: function(f),
				Line:     int64(f.Line),
			}},
		}
		locations[key] = loc
		prof.Location = append(prof.Location, loc)
		return loc
	}

	for _, sc := range agg.Samples {
		locs := make([]*profile.Location, 0, len(sc.Frames))
		for _, f := range sc.Frames {
			locs = append(locs, location(f))
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{sc.Count, sc.Active},
		})
	}

	if err := prof.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return prof, nil
}

type walkerLocation struct {
	file     string
	function string
	line     int32
}
