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
package pflagenv

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestParseFlagSet(t *testing.T) {
	fs := pflag.NewFlagSet("pflagenv-test", pflag.ContinueOnError)

	var port, fallbackDir, targetFile, uf2Family string
	var pageTimeout time.Duration
	fs.StringVar(&port, "port", "", "")
	fs.StringVar(&fallbackDir, "fallback-dir", "def2", "")
	fs.StringVar(&targetFile, "target-file", "def3", "")
	fs.StringVar(&uf2Family, "uf2-family", "def4", "")
	fs.DurationVar(&pageTimeout, "page-timeout", 500*time.Millisecond, "")
	fs.Parse([]string{"--port=/dev/ttyACM0", "--fallback-dir="})

	os.Setenv("MBDEPLOY_TEST_PORT", "env1")
	os.Setenv("MBDEPLOY_TEST_FALLBACK_DIR", "env2")
	os.Setenv("MBDEPLOY_TEST_TARGET_FILE", "env3")
	os.Setenv("MBDEPLOY_TEST_PAGE_TIMEOUT", "2s")
	defer func() {
		for _, v := range []string{"PORT", "FALLBACK_DIR", "TARGET_FILE", "PAGE_TIMEOUT"} {
			os.Unsetenv("MBDEPLOY_TEST_" + v)
		}
	}()
	if err := ParseFlagSet(fs, "MBDEPLOY_TEST_"); err != nil {
		t.Fatal(err)
	}

	for i, c := range []struct{ got, want string }{
		{port, "/dev/ttyACM0"},
		{fallbackDir, ""},
		{targetFile, "env3"},
		{uf2Family, "def4"},
	} {
		if c.got != c.want {
			t.Errorf("%d: got: %q, want: %q", i, c.got, c.want)
		}
	}
	if got, want := pageTimeout, 2*time.Second; got != want {
		t.Errorf("got: %s, want: %s", got, want)
	}
}

func TestParseFlagSetErrors(t *testing.T) {
	fs := pflag.NewFlagSet("pflagenv-test", pflag.ContinueOnError)
	var a, b time.Duration
	var skipped string
	fs.DurationVar(&a, "checksum-timeout", time.Second, "")
	fs.DurationVar(&b, "page-timeout", time.Second, "")
	fs.StringVar(&skipped, "version", "", "")
	fs.Parse(nil)

	os.Setenv("MBDEPLOY_TEST_CHECKSUM_TIMEOUT", "soon")
	os.Setenv("MBDEPLOY_TEST_PAGE_TIMEOUT", "later")
	os.Setenv("MBDEPLOY_TEST_VERSION", "yes")
	defer func() {
		for _, v := range []string{"CHECKSUM_TIMEOUT", "PAGE_TIMEOUT", "VERSION"} {
			os.Unsetenv("MBDEPLOY_TEST_" + v)
		}
	}()
	if err := ParseFlagSet(fs, "MBDEPLOY_TEST_", "version"); err == nil {
		t.Errorf("expected an error")
	}
	if skipped != "" {
		t.Errorf("got: %q, want: skipped flag untouched", skipped)
	}
}

func TestEnvName(t *testing.T) {
	if got, want := EnvName("quick-page-write", "MBDEPLOY_"), "MBDEPLOY_QUICK_PAGE_WRITE"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
}
