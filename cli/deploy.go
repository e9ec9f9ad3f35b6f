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
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/mbdeploy/cli/flags"
	"github.com/mongoose-os/mbdeploy/cli/flash/microbit"
	"github.com/mongoose-os/mbdeploy/cli/ourutil"
	"github.com/mongoose-os/mbdeploy/common/ourio"
	"github.com/mongoose-os/mbdeploy/common/pagesum"
	"github.com/mongoose-os/mbdeploy/common/uf2"
)

// readImage reads a .hex or .uf2 file as compile results.
func readImage(fname string) (*microbit.CompileResult, error) {
	data, err := ioutil.ReadFile(fname)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read image")
	}
	img := string(data)
	if strings.ToLower(filepath.Ext(fname)) == ".uf2" {
		blocks, err := uf2.Parse(data)
		if err != nil {
			return nil, errors.Annotatef(err, "%s", fname)
		}
		var buf bytes.Buffer
		if err := uf2.ToHex(&buf, uf2.MainFlash(blocks)); err != nil {
			return nil, errors.Annotatef(err, "%s", fname)
		}
		img = buf.String()
	}
	return &microbit.CompileResult{Outfiles: map[string]string{microbit.ImageFileName: img}}, nil
}

func imageArg(cmd string) (*microbit.CompileResult, error) {
	if flag.NArg() != 2 {
		return nil, errors.Errorf("usage: %s %s <file.hex|file.uf2>", os.Args[0], cmd)
	}
	return readImage(flag.Arg(1))
}

func newDeployer() (*microbit.Deployer, *microbit.SessionManager, error) {
	tgt, err := flags.Target()
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	sm := flags.SessionManager()
	saver := &microbit.FileSaver{
		Dir: *flags.FallbackDir,
		OnSaved: func(fname string) {
			ourutil.Warnf("Saved %s, copy it onto the MICROBIT drive to update the device.", fname)
		},
	}
	d := microbit.NewDeployer(sm, saver, tgt, flags.DeployOpts())
	d.OnIncompatible = func(msg string) {
		ourutil.Warnf("%s", msg)
	}
	return d, sm, nil
}

func deploy(ctx context.Context) error {
	res, err := imageArg("deploy")
	if err != nil {
		return errors.Trace(err)
	}
	d, sm, err := newDeployer()
	if err != nil {
		return errors.Trace(err)
	}
	defer sm.Close(context.Background())
	pb := &ourutil.Progress{Prefix: "Writing pages:"}
	d.Opts.Progress = func(done, total int, addr uint32) {
		pb.Update(done, total, fmt.Sprintf("0x%05x", addr))
	}
	rep, err := d.Deploy(ctx, res)
	if err != nil {
		return errors.Trace(err)
	}
	if rep.Kind == microbit.DeviceNotFound {
		ourutil.Warnf("No micro:bit found, connect one and try again.")
		return nil
	}
	ourutil.Reportf("Done in %.3fs: %d pages, %d changed, %d written, %d protected.",
		rep.Elapsed.Seconds(), rep.PagesTotal, rep.PagesChanged, rep.PagesWritten, rep.PagesSkipped)
	return nil
}

func diff(ctx context.Context) error {
	res, err := imageArg("diff")
	if err != nil {
		return errors.Trace(err)
	}
	d, sm, err := newDeployer()
	if err != nil {
		return errors.Trace(err)
	}
	defer sm.Close(context.Background())
	d.Opts.DryRun = true
	rep, err := d.Deploy(ctx, res)
	if err != nil {
		return errors.Trace(err)
	}
	if rep.Kind == microbit.DeviceNotFound {
		return errors.NotFoundf("micro:bit")
	}
	for _, addr := range rep.Changed {
		fmt.Printf("0x%05x\n", addr)
	}
	ourutil.Reportf("%d of %d pages differ.", rep.PagesChanged, rep.PagesTotal)
	return nil
}

type pageChecksum struct {
	Page int    `yaml:"page"`
	Addr uint32 `yaml:"addr"`
	Sum  string `yaml:"sum"`
}

func readChecksums(ctx context.Context, tgt *microbit.Target) (pagesum.Table, error) {
	sm := flags.SessionManager()
	defer sm.Close(context.Background())
	dev, err := sm.Acquire(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	table, err := func() (pagesum.Table, error) {
		if err := dev.Reset(ctx, true); err != nil {
			return nil, errors.Annotatef(err, "failed to halt the device")
		}
		table, err := microbit.NewExecutor(dev, tgt).ReadChecksums(ctx, *flags.ChecksumTimeout)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return table, errors.Annotatef(dev.Reset(ctx, false), "failed to restart the device")
	}()
	sm.Release(ctx, dev, err != nil)
	return table, err
}

func checksums(ctx context.Context) error {
	tgt, err := flags.Target()
	if err != nil {
		return errors.Trace(err)
	}
	table, err := readChecksums(ctx, tgt)
	if err != nil {
		return errors.Trace(err)
	}
	var sums []pageChecksum
	for i := 0; i < table.Len(); i++ {
		s, _ := table.Entry(i)
		sums = append(sums, pageChecksum{Page: i, Addr: uint32(i * tgt.PageSize), Sum: s.String()})
	}
	if *flags.Output != "" {
		if _, err := ourio.WriteYAMLFileIfDifferent(*flags.Output, sums, 0644); err != nil {
			return errors.Annotatef(err, "failed to write %s", *flags.Output)
		}
		ourutil.Reportf("Wrote %d checksums to %s", len(sums), *flags.Output)
		return nil
	}
	for _, s := range sums {
		fmt.Printf("%3d 0x%05x %s\n", s.Page, s.Addr, s.Sum)
	}
	return nil
}
