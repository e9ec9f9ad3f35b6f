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
	"sort"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/spf13/pflag"

	"github.com/mongoose-os/mbdeploy/common/multierror"
)

// ParseFlagSet sets every flag of fs that was not given on the command line
// from the environment variable envPrefix + NAME, if that is set and not empty.
// NAME is the flag name uppercased, with dashes replaced by underscores.
// Flags listed in skip are left alone.
//
// It should be called after fs.Parse. All values that fail to parse are reported together.
func ParseFlagSet(fs *pflag.FlagSet, envPrefix string, skip ...string) error {
	// pflag does not distinguish a flag set to its default from one not set at all,
	// but Changed is only true for the latter.
	skipped := map[string]bool{}
	for _, s := range skip {
		skipped[s] = true
	}
	var names []string
	fs.VisitAll(func(f *pflag.Flag) {
		if !f.Changed && !skipped[f.Name] {
			names = append(names, f.Name)
		}
	})
	sort.Strings(names)
	var errs error
	for _, name := range names {
		envName := EnvName(name, envPrefix)
		v := os.Getenv(envName)
		if v == "" {
			continue
		}
		if err := fs.Set(name, v); err != nil {
			errs = multierror.Append(errs, errors.Annotatef(err, "%s", envName))
			continue
		}
		glog.V(1).Infof("--%s from %s", name, envName)
	}
	return errs
}

// Parse is ParseFlagSet for pflag.CommandLine.
func Parse(envPrefix string, skip ...string) error {
	return ParseFlagSet(pflag.CommandLine, envPrefix, skip...)
}

func EnvName(flagName, envPrefix string) string {
	return envPrefix + strings.Replace(strings.ToUpper(flagName), "-", "_", -1)
}
