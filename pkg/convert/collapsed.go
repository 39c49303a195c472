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

// Package convert renders aggregated stack samples as collapsed folded
// lines or as a pprof profile.
package convert

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/parca-dev/pystack/pkg/sampler"
)

// AggregateToCollapsed writes one folded line per distinct stack:
// semicolon-separated frames outermost first, then a space and the count.
// Lines are sorted for stable output.
func AggregateToCollapsed(w io.Writer, agg *sampler.Aggregate) error {
	lines := make([]string, 0, len(agg.Samples))
	for _, sc := range agg.Samples {
		var sb strings.Builder
		// Collapsed format wants root first; stacks are walked innermost
		// first.
		for i := len(sc.Frames) - 1; i >= 0; i-- {
			f := sc.Frames[i]
			sb.WriteString(f.Function)
			sb.WriteString(" (")
			sb.WriteString(f.File)
			sb.WriteByte(':')
			fmt.Fprintf(&sb, "%d", f.Line)
			sb.WriteByte(')')
			if i > 0 {
				sb.WriteByte(';')
			}
		}
		fmt.Fprintf(&sb, " %d", sc.Count)
		lines = append(lines, sb.String())
	}
	sort.Strings(lines)

	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return fmt.Errorf("write collapsed output: %w", err)
		}
	}
	return nil
}
