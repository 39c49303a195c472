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

package layout

import (
	"errors"
	"testing"

	"github.com/Masterminds/semver/v3"
)

func Test_ForVersion(t *testing.T) {
	tests := []struct {
		version  string
		expected string
		err      error
	}{
		{version: "2.7.0", expected: "2.7.x"},
		{version: "2.7.18", expected: "2.7.x"},
		{version: "3.3.7", expected: "3.3.x - 3.5.x"},
		{version: "3.4.10", expected: "3.3.x - 3.5.x"},
		{version: "3.5.9", expected: "3.3.x - 3.5.x"},
		{version: "3.6.15", expected: "3.6.x"},
		{version: "3.7.0", expected: "3.7.0 - 3.7.3"},
		{version: "3.7.3", expected: "3.7.0 - 3.7.3"},
		{version: "3.7.4", expected: "3.7.x"},
		{version: "3.7.17", expected: "3.7.x"},
		{version: "3.8.0", expected: "3.8.x"},
		{version: "3.8.18", expected: "3.8.x"},
		{version: "3.9.0", expected: "3.9.x"},
		{version: "3.10.0", expected: "3.10.x"},
		{version: "3.10.0rc1", expected: "3.10.x"},
		{version: "3.10.13", expected: "3.10.x"},
		{version: "2.6.9", err: ErrUnsupportedVersion},
		{version: "3.2.6", err: ErrUnsupportedVersion},
		{version: "3.11.0", err: ErrUnsupportedVersion},
		{version: "3.12.1", err: ErrUnsupportedVersion},
		{version: "4.0.0", err: ErrUnsupportedVersion},
	}

	for _, test := range tests {
		l, err := ForVersion(semver.MustParse(test.version))

		if test.err != nil {
			if !errors.Is(err, test.err) {
				t.Errorf("Expected error %v for version %s; got %v", test.err, test.version, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Unexpected error for version %s: %v", test.version, err)
			continue
		}
		if l.Version != test.expected {
			t.Errorf("Expected layout %q for version %s; got %q", test.expected, test.version, l.Version)
		}
	}
}

func Test_ForVersion_runtimeAnchors(t *testing.T) {
	tests := []struct {
		version       string
		interpHead    int64
		tstateCurrent int64
	}{
		{version: "3.7.0", interpHead: 24, tstateCurrent: 1392},
		{version: "3.7.3", interpHead: 24, tstateCurrent: 1392},
		{version: "3.7.4", interpHead: 24, tstateCurrent: 1480},
		{version: "3.8.2", interpHead: 32, tstateCurrent: 1368},
		{version: "3.9.1", interpHead: 32, tstateCurrent: 568},
		{version: "3.10.2", interpHead: 32, tstateCurrent: 568},
	}

	for _, test := range tests {
		l, err := ForVersion(semver.MustParse(test.version))
		if err != nil {
			t.Fatalf("Unexpected error for version %s: %v", test.version, err)
		}
		if l.PyRuntime.InterpHead.Offset != test.interpHead {
			t.Errorf("Expected interpreters.head offset %d for version %s; got %d",
				test.interpHead, test.version, l.PyRuntime.InterpHead.Offset)
		}
		if l.PyRuntime.TStateCurrent.Offset != test.tstateCurrent {
			t.Errorf("Expected tstate_current offset %d for version %s; got %d",
				test.tstateCurrent, test.version, l.PyRuntime.TStateCurrent.Offset)
		}
	}

	// Pre-3.7 builds have no _PyRuntime at all.
	l, err := ForVersion(semver.MustParse("3.6.8"))
	if err != nil {
		t.Fatal(err)
	}
	if l.PyRuntime.InterpHead.Valid() {
		t.Error("Expected no interpreters.head before 3.7")
	}
}

func Test_Field_Check(t *testing.T) {
	if err := field(8, 8).Check("present"); err != nil {
		t.Errorf("Unexpected error for present field: %v", err)
	}
	err := absent().Check("missing")
	if !errors.Is(err, ErrUnsupportedField) {
		t.Errorf("Expected ErrUnsupportedField; got %v", err)
	}
}

func Test_BitField_Extract(t *testing.T) {
	// The 3.x unicode state byte: interned=1, kind=1, compact, ascii,
	// ready.
	state := uint64(1 | 1<<2 | 1<<5 | 1<<6 | 1<<7)

	tests := []struct {
		name     string
		bf       BitField
		expected uint64
	}{
		{"interned", unicode3.Interned, 1},
		{"kind", unicode3.UnitKind, 1},
		{"compact", unicode3.Compact, 1},
		{"ascii", unicode3.Ascii, 1},
		{"ready", unicode3.Ready, 1},
	}
	for _, test := range tests {
		if got := test.bf.Extract(state); got != test.expected {
			t.Errorf("Expected %s=%d; got %d", test.name, test.expected, got)
		}
	}

	// A UCS4 legacy string: kind=4, nothing else set.
	if got := unicode3.UnitKind.Extract(4 << 2); got != 4 {
		t.Errorf("Expected kind=4; got %d", got)
	}
	if got := unicode3.Compact.Extract(4 << 2); got != 0 {
		t.Errorf("Expected compact=0; got %d", got)
	}
}
