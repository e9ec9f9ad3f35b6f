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
package microbit

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/mbdeploy/common/multierror"
	"github.com/mongoose-os/mbdeploy/common/pagesum"
	"github.com/mongoose-os/mbdeploy/common/uf2"
)

type State int

const (
	StateInit State = iota
	StateEnsureSession
	StateSanityCheck
	StateFetchChecksums
	StateUploadStub
	StateDiff
	StateWritePages
	StateFinalReset
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateEnsureSession:
		return "EnsureSession"
	case StateSanityCheck:
		return "SanityCheck"
	case StateFetchChecksums:
		return "FetchChecksums"
	case StateUploadStub:
		return "UploadStub"
	case StateDiff:
		return "Diff"
	case StateWritePages:
		return "WritePages"
	case StateFinalReset:
		return "FinalReset"
	case StateDone:
		return "Done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const (
	DefaultPageTimeout     = 500 * time.Millisecond
	DefaultChecksumTimeout = 5 * time.Second
)

type DeployOpts struct {
	// Time allowed for one page write. Exceeding it fails the attempt.
	PageTimeout     time.Duration
	ChecksumTimeout time.Duration
	Progress        ProgressFunc
	// Stop after finding the changed pages. Failures are not handed to the fallback.
	DryRun bool
}

// Timing is the time since the start of the attempt at which a state was entered.
type Timing struct {
	State   State
	Elapsed time.Duration
}

// Report describes how far a deployment attempt got.
type Report struct {
	// Last state entered.
	State State
	// Zero if the attempt succeeded.
	Kind ErrorKind
	// Pages in the image, pages that differ from the device, pages written and protected pages skipped.
	PagesTotal   int
	PagesChanged int
	PagesWritten int
	PagesSkipped int
	// Addresses of the changed pages.
	Changed []uint32
	// Set if the image was handed to the fallback saver.
	FellBack bool
	Timings  []Timing
	Elapsed  time.Duration
}

// Deployer updates a device in place, writing only the pages that changed.
type Deployer struct {
	Devices  DeviceProvider
	Fallback ArtifactSaver
	Target   *Target
	Opts     DeployOpts
	// Called with a user-facing explanation when the device needs a manual update first.
	OnIncompatible func(msg string)
}

func NewDeployer(devices DeviceProvider, fallback ArtifactSaver, tgt *Target, opts DeployOpts) *Deployer {
	if opts.PageTimeout == 0 {
		opts.PageTimeout = DefaultPageTimeout
	}
	if opts.ChecksumTimeout == 0 {
		opts.ChecksumTimeout = DefaultChecksumTimeout
	}
	return &Deployer{Devices: devices, Fallback: fallback, Target: tgt, Opts: opts}
}

type attempt struct {
	d      *Deployer
	start  time.Time
	report *Report
	dev    Device
}

func (a *attempt) logf(format string, args ...interface{}) {
	glog.Infof("HID %05d: %s", time.Since(a.start)/time.Millisecond, fmt.Sprintf(format, args...))
}

func (a *attempt) enter(s State) {
	a.report.State = s
	a.report.Timings = append(a.report.Timings, Timing{State: s, Elapsed: time.Since(a.start)})
	a.logf("%s", s)
}

func (a *attempt) fail(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, State: a.report.State, Err: err}
}

// Deploy runs one deployment attempt for the image in res.
//
// If the device is not found, the report is returned with no error.
// A malformed image is returned as an error. On any other failure the image is
// passed to the fallback saver and the error is returned along with the report.
func (d *Deployer) Deploy(ctx context.Context, res *CompileResult) (*Report, error) {
	a := &attempt{d: d, start: time.Now(), report: &Report{}}
	a.enter(StateInit)
	derr := a.run(ctx, res)
	a.report.Elapsed = time.Since(a.start)
	if derr == nil {
		a.enter(StateDone)
		return a.report, nil
	}
	a.report.Kind = derr.Kind
	a.logf("failed: %s", derr)
	switch derr.Kind {
	case DeviceNotFound:
		return a.report, nil
	case MalformedContainer:
		return a.report, derr
	case TransportUnavailable, HandshakeFailure, IncompatibleDevice, ProtocolTimeout, DeviceError:
	}
	if d.Opts.DryRun {
		return a.report, derr
	}
	if derr.Kind == IncompatibleDevice && d.OnIncompatible != nil {
		d.OnIncompatible(derr.Err.Error())
	}
	a.report.FellBack = true
	if err := d.Fallback.SaveArtifact(ctx, res); err != nil {
		return a.report, multierror.Append(derr, errors.Annotatef(err, "failed to save the image"))
	}
	return a.report, derr
}

func (a *attempt) run(ctx context.Context, res *CompileResult) *Error {
	a.enter(StateEnsureSession)
	dev, err := a.d.Devices.Acquire(ctx)
	if err != nil {
		return a.fail(classify(err, TransportUnavailable), err)
	}
	a.dev = dev
	derr := a.runWithDevice(ctx, res)
	switch {
	case derr == nil:
		a.d.Devices.Release(ctx, dev, false)
	case derr.Kind == MalformedContainer:
		// The device is fine, let it run whatever it has.
		if err := dev.Reset(ctx, false); err != nil {
			glog.Warningf("failed to restart the device: %s", err)
			a.d.Devices.Release(ctx, dev, true)
		} else {
			a.d.Devices.Release(ctx, dev, false)
		}
	default:
		a.d.Devices.Release(ctx, dev, true)
	}
	return derr
}

func (a *attempt) runWithDevice(ctx context.Context, res *CompileResult) *Error {
	tgt := a.d.Target
	dev := a.dev

	a.enter(StateSanityCheck)
	if err := dev.Reset(ctx, true); err != nil {
		a.logf("reset failed (%s), reconnecting", err)
		if err := dev.Reconnect(ctx); err != nil {
			return a.fail(classify(err, HandshakeFailure), err)
		}
		if err := dev.Reset(ctx, true); err != nil {
			return a.fail(classify(err, HandshakeFailure), errors.Annotatef(err, "reset failed after reconnect"))
		}
	}
	words, err := dev.ReadMemory(ctx, tgt.UICRCheckAddr, 1)
	if err != nil {
		return a.fail(classify(err, DeviceError), err)
	}
	if words[0] != tgt.UICRMagic {
		return a.fail(IncompatibleDevice, errors.Errorf(
			"the device has not been prepared for in-place updates (0x%08x @ 0x%08x, want 0x%08x); "+
				"copy %s onto its drive once, later updates will be incremental",
			words[0], tgt.UICRCheckAddr, tgt.UICRMagic, ImageFileName))
	}

	e := NewExecutor(dev, tgt)
	a.enter(StateFetchChecksums)
	table, err := e.ReadChecksums(ctx, a.d.Opts.ChecksumTimeout)
	if err != nil {
		return a.fail(classifyRun(err), err)
	}
	a.logf("got %d checksums", table.Len())

	a.enter(StateUploadStub)
	if err := e.LoadPageWriter(ctx); err != nil {
		return a.fail(classify(err, DeviceError), err)
	}

	a.enter(StateDiff)
	pages, err := a.changedPages(res, table)
	if err != nil {
		return a.fail(classify(err, MalformedContainer), err)
	}

	if a.d.Opts.DryRun {
		a.enter(StateFinalReset)
		if err := dev.Reset(ctx, false); err != nil {
			return a.fail(classify(err, DeviceError), err)
		}
		return nil
	}

	a.enter(StateWritePages)
	written, skipped, err := e.WritePages(ctx, pages, a.d.Opts.PageTimeout, a.d.Opts.Progress)
	a.report.PagesWritten, a.report.PagesSkipped = written, skipped
	if err != nil {
		return a.fail(classifyRun(err), err)
	}
	a.logf("wrote %d pages, skipped %d", written, skipped)

	a.enter(StateFinalReset)
	if err := dev.Reset(ctx, false); err != nil {
		return a.fail(classify(err, DeviceError), err)
	}
	return nil
}

func (a *attempt) changedPages(res *CompileResult, table pagesum.Table) ([]*uf2.Block, error) {
	tgt := a.d.Target
	img, ok := res.Image()
	if !ok {
		return nil, errors.Annotatef(uf2.ErrMalformedContainer, "no %s in compile results", ImageFileName)
	}
	data, err := uf2.FromHex(img, tgt.FamilyID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	blocks, err := uf2.Parse(data)
	if err != nil {
		return nil, errors.Trace(err)
	}
	pages, err := uf2.PageAlign(uf2.MainFlash(blocks), tgt.PageSize)
	if err != nil {
		return nil, errors.Wrapf(err, uf2.ErrMalformedContainer, "%s", err)
	}
	changed, err := pagesum.OnlyChanged(pages, table, tgt.PageSize)
	if err != nil {
		return nil, errors.Wrapf(err, uf2.ErrMalformedContainer, "%s", err)
	}
	a.report.PagesTotal, a.report.PagesChanged = len(pages), len(changed)
	for _, p := range changed {
		a.report.Changed = append(a.report.Changed, p.TargetAddr)
	}
	a.logf("%d pages, %d changed", len(pages), len(changed))
	return changed, nil
}
