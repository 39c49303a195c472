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

package discover

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/Masterminds/semver/v3"

	"github.com/parca-dev/pystack/pkg/remote"
)

const (
	// VersionSourceMemory: the version banner was found in the live .bss.
	VersionSourceMemory = "memory"
	// VersionSourcePath: the version was parsed from the binary path. The
	// patch level is unknown and reported as zero.
	VersionSourcePath = "path"
)

var (
	versionBytesRegex = regexp.MustCompile(`((2|3)\.(3|4|5|6|7|8|9|10|11|12)\.(\d{1,2}))((a|b|c|rc)\d{1,2})?\+? (.{1,64})`)
	versionPathRegex  = regexp.MustCompile(`python(2|3)\.(\d+)\b`) // python2.x, python3.x
)

// detectVersion finds the interpreter version, preferring the exact banner
// written into the .bss over the coarse version in the path.
func detectVersion(exe, lib *executableFile) (*semver.Version, string, error) {
	sources := []*executableFile{exe, lib}

	for _, source := range sources {
		if source == nil {
			continue
		}
		r := remote.NewProcessReader(source.pid)
		data, err := source.readBSS(r)
		_ = r.Close()
		if err != nil {
			continue
		}
		if versionString, err := scanVersionBytes(data); err == nil {
			version, err := semver.NewVersion(versionString)
			if err != nil {
				return nil, "", fmt.Errorf("parse version %q: %w", versionString, err)
			}
			return version, VersionSourceMemory, nil
		}
	}

	for _, source := range sources {
		if source == nil {
			continue
		}
		if versionString, err := scanVersionPath([]byte(source.Name())); err == nil {
			version, err := semver.NewVersion(versionString)
			if err != nil {
				return nil, "", fmt.Errorf("parse version %q: %w", versionString, err)
			}
			return version, VersionSourcePath, nil
		}
	}

	return nil, "", errors.New("interpreter version not found")
}

func scanVersionBytes(data []byte) (string, error) {
	match := versionBytesRegex.FindSubmatch(data)
	if match == nil {
		return "", errors.New("failed to find version string")
	}

	major, err := strconv.ParseUint(string(match[2]), 10, 64)
	if err != nil {
		return "", fmt.Errorf("parse major version: %w", err)
	}
	minor, err := strconv.ParseUint(string(match[3]), 10, 64)
	if err != nil {
		return "", fmt.Errorf("parse minor version: %w", err)
	}
	patch, err := strconv.ParseUint(string(match[4]), 10, 64)
	if err != nil {
		return "", fmt.Errorf("parse patch version: %w", err)
	}

	release := ""
	if len(match) > 5 && match[5] != nil {
		release = string(match[5])
	}

	return fmt.Sprintf("%d.%d.%d%s", major, minor, patch, release), nil
}

func scanVersionPath(data []byte) (string, error) {
	match := versionPathRegex.FindSubmatch(data)
	if match == nil {
		return "", errors.New("failed to find version string")
	}

	major, err := strconv.ParseUint(string(match[1]), 10, 64)
	if err != nil {
		return "", fmt.Errorf("parse major version: %w", err)
	}
	minor, err := strconv.ParseUint(string(match[2]), 10, 64)
	if err != nil {
		return "", fmt.Errorf("parse minor version: %w", err)
	}

	return fmt.Sprintf("%d.%d.0", major, minor), nil
}
