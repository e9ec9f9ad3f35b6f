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
package ourutil

import (
	"regexp"
	"testing"
)

func TestFindNamedSubmatches(t *testing.T) {
	r := regexp.MustCompile(`^(?P<page>\d+)@(0x)?(?P<addr>[0-9a-f]+)$`)
	m := FindNamedSubmatches(r, "3@0xc00")
	if len(m) != 2 || m["page"] != "3" || m["addr"] != "c00" {
		t.Errorf("got: %v", m)
	}
	if m := FindNamedSubmatches(r, "c00"); m != nil {
		t.Errorf("got: %v, want: nil", m)
	}
}
