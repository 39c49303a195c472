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

// Package buildinfo recovers version information for binaries built
// without linker-injected version variables, e.g. plain `go install`.
package buildinfo

import (
	"errors"
	"runtime/debug"
)

type BuildInfo struct {
	GoArch, GoOS, VcsRevision, VcsTime string
	VcsModified                        bool
}

// Version renders the VCS state as a version string.
func (b *BuildInfo) Version() string {
	if b.VcsRevision == "" {
		return "unknown"
	}
	v := b.VcsRevision
	if len(v) > 12 {
		v = v[:12]
	}
	if b.VcsModified {
		v += "-dirty"
	}
	return v
}

func FetchBuildInfo() (*BuildInfo, error) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return nil, errors.New("can't read the build info")
	}

	buildInfo := BuildInfo{}
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "GOARCH":
			buildInfo.GoArch = setting.Value
		case "GOOS":
			buildInfo.GoOS = setting.Value
		case "vcs.revision":
			buildInfo.VcsRevision = setting.Value
		case "vcs.time":
			buildInfo.VcsTime = setting.Value
		case "vcs.modified":
			buildInfo.VcsModified = setting.Value == "true"
		}
	}

	return &buildInfo, nil
}
