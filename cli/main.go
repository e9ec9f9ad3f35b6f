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
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/mbdeploy/cli/flags"
	"github.com/mongoose-os/mbdeploy/common/pflagenv"
	"github.com/mongoose-os/mbdeploy/version"
)

const (
	envPrefix = "MBDEPLOY_"
)

var (
	verbose     = flag.Bool("verbose", false, "Verbose output")
	versionFlag = flag.Bool("version", false, "Print version and exit")
	helpFull    = flag.Bool("helpfull", false, "Show full help, including advanced flags")
)

var (
	commands = []command{
		{"deploy", deploy, `Write the changed pages of a .hex file to the device`, nil, []string{"port", "target-file", "fallback-dir", "page-timeout", "quick-page-write"}, false},
		{"diff", diff, `List pages of a .hex file that differ from the device`, nil, []string{"port", "target-file"}, false},
		{"checksums", checksums, `Print the device's page checksums`, nil, []string{"port", "target-file", "output"}, false},
		{"convert", convert, `Convert between .hex and .uf2`, nil, []string{"uf2-family", "target-file"}, false},
		{"probes", probes, `List attached micro:bit probes`, nil, []string{"probe-serial"}, false},
		{"version", showVersion, `Show version`, nil, nil, true},
	}
)

type command struct {
	name     string
	handler  handler
	short    string
	required []string
	optional []string
	extended bool
}

type handler func(ctx context.Context) error

func showVersion(ctx context.Context) error {
	fmt.Printf("The micro:bit deployment tool\n%s", version.String())
	return nil
}

func run(ctx context.Context) error {
	if flag.Arg(0) == "help" {
		usage()
		return nil
	}
	for _, c := range commands {
		if c.name == flag.Arg(0) {
			if err := checkFlags(c.required); err != nil {
				return errors.Trace(err)
			}
			return errors.Trace(c.handler(ctx))
		}
	}
	usage()
	return errors.Errorf("unknown command %q", flag.Arg(0))
}

func main() {
	initFlags()
	flag.Parse()
	if err := pflagenv.Parse(envPrefix, "version", "helpfull"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	if *verbose {
		flag.Set("logtostderr", "true")
		flag.Set("v", "1")
	}

	if *helpFull {
		setFlagsHidden(false)
		usage()
		return
	} else if *versionFlag {
		showVersion(context.Background())
		return
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *flags.Timeout)
	defer cancel()
	if err := run(ctx); err != nil {
		glog.Infof("Error: %s", errors.ErrorStack(err))
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
