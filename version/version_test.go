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
	"strings"
	"testing"
)

func TestParseBuildId(t *testing.T) {
	bi, ok := ParseBuildId("20190801120000/master@0123abcd+")
	if !ok {
		t.Fatalf("failed to parse")
	}
	if bi.Branch != "master" || bi.Hash != "0123abcd" || !bi.Dirty || bi.Timestamp.Year() != 2019 {
		t.Errorf("got: %+v", bi)
	}
	for _, s := range []string{"", "1.2.3", "2019/master@0123", "20190801120000/master@xyz"} {
		if _, ok := ParseBuildId(s); ok {
			t.Errorf("%q: expected no match", s)
		}
	}
}

func TestString(t *testing.T) {
	defer func(v, b string) { Version, BuildId = v, b }(Version, BuildId)
	Version, BuildId = "1.4", "20190801120000/release@cafe"
	s := String()
	if !strings.Contains(s, "Version: 1.4\n") || !strings.Contains(s, "release@cafe") || strings.Contains(s, "modified") {
		t.Errorf("got: %q", s)
	}
	Version = "dev"
	if got, want := GetVersion(), LatestVersionName; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
}
