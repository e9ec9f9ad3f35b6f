//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package version

import (
	"fmt"
	"regexp"
	"runtime"
	"time"

	"github.com/mongoose-os/mbdeploy/cli/ourutil"
)

// Set at link time: -ldflags "-X github.com/mongoose-os/mbdeploy/version.Version=..."
var (
	Version        = "latest"
	BuildId        = ""
	BuildTimestamp = ""
)

const (
	LatestVersionName = "latest"
)

var (
	regexpVersionNumber = regexp.MustCompile(`^\d+\.[0-9.]*$`)
	regexpBuildId       = regexp.MustCompile(`^(?P<timestamp>\d{14})/(?P<branch>[^@]+)@(?P<hash>[0-9a-f]+)(?P<dirty>\+?)$`)
)

// GetVersion returns this binary's version, or "latest" if it's not a release build.
func GetVersion() string {
	if LooksLikeVersionNumber(Version) {
		return Version
	}
	return LatestVersionName
}

func LooksLikeVersionNumber(s string) bool {
	return regexpVersionNumber.MatchString(s)
}

// BuildInfo is what a build id like "20190801120000/master@0123abcd+" says about the build.
type BuildInfo struct {
	Timestamp time.Time
	Branch    string
	Hash      string
	Dirty     bool
}

func ParseBuildId(s string) (*BuildInfo, bool) {
	parts := ourutil.FindNamedSubmatches(regexpBuildId, s)
	if parts == nil {
		return nil, false
	}
	ts, err := time.Parse("20060102150405", parts["timestamp"])
	if err != nil {
		return nil, false
	}
	return &BuildInfo{
		Timestamp: ts,
		Branch:    parts["branch"],
		Hash:      parts["hash"],
		Dirty:     parts["dirty"] != "",
	}, true
}

// String is what --version prints.
func String() string {
	s := fmt.Sprintf("Version: %s\n", GetVersion())
	if bi, ok := ParseBuildId(BuildId); ok {
		s += fmt.Sprintf("Build: %s@%s, %s", bi.Branch, bi.Hash, bi.Timestamp.Format(time.RFC3339))
		if bi.Dirty {
			s += " (modified)"
		}
		s += "\n"
	} else if BuildId != "" {
		s += fmt.Sprintf("Build ID: %s\n", BuildId)
	}
	return s + fmt.Sprintf("Go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
