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
	goflag "flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/mbdeploy/common/multierror"
	"github.com/mongoose-os/mbdeploy/version"
)

// glog flags, shown only by --helpfull.
var hiddenFlags = []string{
	"alsologtostderr",
	"log_backtrace_at",
	"log_dir",
	"logtostderr",
	"stderrthreshold",
	"v",
	"vmodule",
}

var globalFlags = []string{"verbose", "timeout", "port"}

func initFlags() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	setFlagsHidden(true)
	flag.Usage = usage
}

func setFlagsHidden(hidden bool) {
	for _, name := range hiddenFlags {
		if f := flag.Lookup(name); f != nil {
			f.Hidden = hidden
		}
	}
}

// checkFlags returns an error listing all of the names that were not set on the command line.
func checkFlags(names []string) error {
	var errs error
	for _, name := range names {
		f := flag.Lookup(name)
		switch {
		case f == nil:
			errs = multierror.Append(errs, errors.NotFoundf("flag --%s", name))
		case !f.Changed:
			errs = multierror.Append(errs, errors.Errorf("--%s is required (%s)", f.Name, f.Usage))
		}
	}
	return errs
}

func printFlag(w io.Writer, name string, required bool) {
	f := flag.Lookup(name)
	if f == nil {
		return
	}
	arg := ""
	if f.Value.Type() != "bool" {
		arg = "<" + f.Value.Type() + ">"
	}
	var note string
	switch {
	case required:
		note = "required"
	case f.DefValue != "" && f.DefValue != "false":
		note = "default " + f.DefValue
	}
	if f.Shorthand != "" {
		fmt.Fprintf(w, "  -%s, --%s %s\t%s\t%s\n", f.Shorthand, name, arg, f.Usage, note)
	} else {
		fmt.Fprintf(w, "      --%s %s\t%s\t%s\n", name, arg, f.Usage, note)
	}
}

// commandUsage prints the flags of the named command. Returns false if there is no such command.
func commandUsage(w io.Writer, name string) bool {
	for _, c := range commands {
		if c.name != name {
			continue
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "Usage: %s %s [flags]\n  %s\n\nFlags:\n", os.Args[0], c.name, c.short)
		for _, f := range c.required {
			printFlag(tw, f, true)
		}
		for _, f := range c.optional {
			printFlag(tw, f, false)
		}
		tw.Flush()
		return true
	}
	return false
}

func usage() {
	w := tabwriter.NewWriter(os.Stderr, 0, 0, 2, ' ', 0)
	if len(os.Args) == 3 && os.Args[1] == "help" && commandUsage(os.Stderr, os.Args[2]) {
		return
	}

	fmt.Fprintf(w, "The micro:bit deployment tool %s.\n", version.GetVersion())
	if version.GetVersion() == version.LatestVersionName {
		color.New(color.FgYellow).Fprintf(w, "This is a development build.\n")
	}
	fmt.Fprintf(w, "\nUsage: %s <command> [flags]\n\nCommands:\n", os.Args[0])
	for _, c := range commands {
		if c.extended && !*helpFull {
			continue
		}
		fmt.Fprintf(w, "  %s\t%s\n", c.name, c.short)
	}
	fmt.Fprintf(w, "\nRun \"%s help <command>\" for the flags of a command.\n\nGlobal flags:\n", os.Args[0])
	w.Flush()
	if *helpFull {
		fmt.Fprintf(os.Stderr, "%s", flag.CommandLine.FlagUsages())
		return
	}
	for _, f := range globalFlags {
		printFlag(w, f, false)
	}
	w.Flush()
}
