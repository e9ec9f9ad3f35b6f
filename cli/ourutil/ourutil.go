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
	"fmt"
	"os"
	"regexp"

	"github.com/fatih/color"
	"github.com/golang/glog"
	isatty "github.com/mattn/go-isatty"
)

// Reportf prints a message for the user and logs it.
func Reportf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	glog.Infof(f, args...)
}

// Warnf is Reportf in yellow, for things the user needs to act upon.
func Warnf(f string, args ...interface{}) {
	color.New(color.FgYellow).Fprintf(os.Stderr, f+"\n", args...)
	glog.Warningf(f, args...)
}

// Progress reports done out of total on a single line of a terminal,
// and only every 10% otherwise.
type Progress struct {
	Prefix  string
	last    int
	started bool
}

func (p *Progress) Update(done, total int, detail string) {
	if total <= 0 {
		return
	}
	pct := done * 100 / total
	if isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(os.Stderr, "\r%s %d/%d (%d%%) %s ", p.Prefix, done, total, pct, detail)
		if done == total {
			fmt.Fprintf(os.Stderr, "\n")
		}
	} else if !p.started || pct/10 != p.last/10 || done == total {
		fmt.Fprintf(os.Stderr, "%s %d/%d (%d%%)\n", p.Prefix, done, total, pct)
	}
	p.started = true
	p.last = pct
	glog.V(1).Infof("%s %d/%d %s", p.Prefix, done, total, detail)
}

// FindNamedSubmatches maps capture group names of r to what they matched in s.
// Returns nil if s does not match.
func FindNamedSubmatches(r *regexp.Regexp, s string) map[string]string {
	matches := r.FindStringSubmatch(s)
	if matches == nil {
		return nil
	}
	result := make(map[string]string)
	for i, name := range r.SubexpNames() {
		if i > 0 && name != "" {
			result[name] = matches[i]
		}
	}
	return result
}
