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
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"

	"github.com/mongoose-os/mbdeploy/cli/flash/common/transport"
)

type deployTest struct {
	b     *board
	pp    *probeProvider
	sm    *SessionManager
	saver *savedArtifacts
	d     *Deployer
}

func newDeployTest(t *testing.T, prepared bool) *deployTest {
	t.Helper()
	tgt := Microbit
	dt := &deployTest{b: newBoard(&tgt, prepared), saver: &savedArtifacts{}}
	dt.pp = &probeProvider{b: dt.b}
	dt.sm = NewSessionManager(dt.pp)
	dt.d = NewDeployer(dt.sm, dt.saver, &tgt, DeployOpts{PageTimeout: 50 * time.Millisecond})
	return dt
}

func (dt *deployTest) deploy(t *testing.T, res *CompileResult) (*Report, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return dt.d.Deploy(ctx, res)
}

func TestDeployTwice(t *testing.T) {
	dt := newDeployTest(t, true)
	a, b := fill(1024, 1), fill(1024, 2)
	res := hexImage(t, page(0, a), page(0x400, b))

	rep, err := dt.deploy(t, res)
	if err != nil {
		t.Fatalf("deploy failed: %s", err)
	}
	if rep.State != StateDone || rep.Kind != 0 || rep.FellBack {
		t.Errorf("got: %+v", rep)
	}
	if rep.PagesTotal != 2 || rep.PagesChanged != 2 || rep.PagesWritten != 2 {
		t.Errorf("got: %d/%d/%d pages, want: 2/2/2", rep.PagesTotal, rep.PagesChanged, rep.PagesWritten)
	}
	if !bytes.Equal(dt.b.ReadMem(0, 1024), a) || !bytes.Equal(dt.b.ReadMem(0x400, 1024), b) {
		t.Errorf("flash contents do not match the image")
	}
	if dt.b.Halted() || dt.b.DebugEnabled() {
		t.Errorf("device must be running with debug disabled after deployment")
	}

	rep, err = dt.deploy(t, res)
	if err != nil {
		t.Fatalf("second deploy failed: %s", err)
	}
	if rep.PagesChanged != 0 || rep.PagesWritten != 0 {
		t.Errorf("second deploy: got %d changed, %d written, want none", rep.PagesChanged, rep.PagesWritten)
	}
	if got, want := len(dt.b.pageWrites), 2; got != want {
		t.Errorf("got: %d page writes, want: %d", got, want)
	}
	if got, want := dt.b.checksumRuns, 2; got != want {
		t.Errorf("got: %d checksum runs, want: %d", got, want)
	}
	// The session is reused: the probe is opened once and reconnected for the second attempt.
	if got, want := dt.pp.calls, 1; got != want {
		t.Errorf("got: %d opens, want: %d", got, want)
	}
	if got, want := dt.b.Reconnects(), 1; got != want {
		t.Errorf("got: %d reconnects, want: %d", got, want)
	}
	if dt.b.strayRuns != 0 || len(dt.saver.saved) != 0 {
		t.Errorf("got: %d stray runs, %d saved artifacts", dt.b.strayRuns, len(dt.saver.saved))
	}
}

func TestDeployIncremental(t *testing.T) {
	dt := newDeployTest(t, true)
	a, b := fill(1024, 1), fill(1024, 2)
	dt.b.WriteMem(0, a)

	rep, err := dt.deploy(t, hexImage(t, page(0, a), page(0x400, b)))
	if err != nil {
		t.Fatalf("deploy failed: %s", err)
	}
	if rep.PagesChanged != 1 || rep.PagesWritten != 1 {
		t.Errorf("got: %d changed, %d written, want: 1, 1", rep.PagesChanged, rep.PagesWritten)
	}
	if len(dt.b.pageWrites) != 1 || dt.b.pageWrites[0] != 0x400 {
		t.Errorf("got: page writes %x, want: [400]", dt.b.pageWrites)
	}
}

func TestDeploySkipsProtectedPages(t *testing.T) {
	dt := newDeployTest(t, true)
	var progress []uint32
	dt.d.Opts.Progress = func(done, total int, addr uint32) {
		progress = append(progress, addr)
	}
	rep, err := dt.deploy(t, hexImage(t, page(0x800, fill(300, 3)), page(0x10001000, fill(8, 4))))
	if err != nil {
		t.Fatalf("deploy failed: %s", err)
	}
	if rep.PagesWritten != 1 || rep.PagesSkipped != 1 {
		t.Errorf("got: %d written, %d skipped, want: 1, 1", rep.PagesWritten, rep.PagesSkipped)
	}
	if len(progress) != 1 || progress[0] != 0x800 {
		t.Errorf("got: progress %x, want: [800]", progress)
	}
	// The page is padded with zeroes.
	want := append(fill(300, 3), make([]byte, 724)...)
	if !bytes.Equal(dt.b.ReadMem(0x800, 1024), want) {
		t.Errorf("page contents do not match")
	}
}

func TestDeployIncompatibleDevice(t *testing.T) {
	dt := newDeployTest(t, false)
	var msg string
	dt.d.OnIncompatible = func(m string) { msg = m }
	res := hexImage(t, page(0, fill(1024, 1)))

	rep, err := dt.deploy(t, res)
	if KindOf(err) != IncompatibleDevice {
		t.Fatalf("got: %v, want: IncompatibleDevice", err)
	}
	if rep.Kind != IncompatibleDevice || rep.State != StateSanityCheck || !rep.FellBack {
		t.Errorf("got: %+v", rep)
	}
	if len(dt.saver.saved) != 1 || dt.saver.saved[0] != res {
		t.Errorf("the image was not handed to the fallback")
	}
	if dt.b.checksumRuns != 0 || dt.b.Runs() != 0 {
		t.Errorf("got: %d checksum runs, %d runs, want none", dt.b.checksumRuns, dt.b.Runs())
	}
	if !strings.Contains(msg, ImageFileName) {
		t.Errorf("got: %q, want: instructions mentioning %s", msg, ImageFileName)
	}
}

func TestDeployPageWriteTimeout(t *testing.T) {
	dt := newDeployTest(t, true)
	dt.b.hangPageWrites = true
	res := hexImage(t, page(0, fill(1024, 1)), page(0x400, fill(1024, 2)), page(0x800, fill(1024, 3)))

	rep, err := dt.deploy(t, res)
	if KindOf(err) != ProtocolTimeout {
		t.Fatalf("got: %v, want: ProtocolTimeout", err)
	}
	if rep.State != StateWritePages || rep.PagesWritten != 0 || !rep.FellBack {
		t.Errorf("got: %+v", rep)
	}
	if got, want := len(dt.b.pageWrites), 1; got != want {
		t.Errorf("got: %d page writes attempted, want: %d", got, want)
	}
	if len(dt.saver.saved) != 1 {
		t.Errorf("the image was not handed to the fallback")
	}
	// The session is torn down.
	if !dt.b.Closed() {
		t.Errorf("probe is still open")
	}
}

func TestDeployFallbackFails(t *testing.T) {
	dt := newDeployTest(t, false)
	dt.saver.err = errors.New("disk full")
	_, err := dt.deploy(t, hexImage(t, page(0, fill(1024, 1))))
	if KindOf(err) != IncompatibleDevice {
		t.Fatalf("got: %v, want: IncompatibleDevice", err)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("got: %q, want: the fallback error included", err)
	}
}

func TestDeployResetRetry(t *testing.T) {
	dt := newDeployTest(t, true)
	dt.b.FailResets(1)
	rep, err := dt.deploy(t, hexImage(t, page(0, fill(1024, 1))))
	if err != nil {
		t.Fatalf("deploy failed: %s", err)
	}
	if rep.PagesWritten != 1 {
		t.Errorf("got: %d pages written, want: 1", rep.PagesWritten)
	}
	if got, want := dt.b.Reconnects(), 1; got != want {
		t.Errorf("got: %d reconnects, want: %d", got, want)
	}
}

func TestDeployHandshakeFailure(t *testing.T) {
	dt := newDeployTest(t, true)
	dt.b.FailResets(2)
	rep, err := dt.deploy(t, hexImage(t, page(0, fill(1024, 1))))
	if KindOf(err) != HandshakeFailure {
		t.Fatalf("got: %v, want: HandshakeFailure", err)
	}
	if !rep.FellBack || len(dt.saver.saved) != 1 {
		t.Errorf("the image was not handed to the fallback")
	}
	if dt.b.checksumRuns != 0 {
		t.Errorf("checksums must not be fetched")
	}
}

func TestDeployDeviceNotFound(t *testing.T) {
	dt := newDeployTest(t, true)
	dt.pp.err = transport.NewErrorf(transport.KindDeviceNotFound, "no probe matching %s", transport.MicrobitFilter)
	rep, err := dt.deploy(t, hexImage(t, page(0, fill(1024, 1))))
	if err != nil {
		t.Fatalf("got: %v, want: no error", err)
	}
	if rep.Kind != DeviceNotFound || rep.FellBack || len(dt.saver.saved) != 0 {
		t.Errorf("got: %+v", rep)
	}
}

func TestDeployTransportUnavailable(t *testing.T) {
	dt := newDeployTest(t, true)
	dt.pp.err = transport.NewErrorf(transport.KindTransportUnavailable, "no HID support")
	rep, err := dt.deploy(t, hexImage(t, page(0, fill(1024, 1))))
	if KindOf(err) != TransportUnavailable {
		t.Fatalf("got: %v, want: TransportUnavailable", err)
	}
	if !rep.FellBack || len(dt.saver.saved) != 1 {
		t.Errorf("the image was not handed to the fallback")
	}
}

func TestDeployMalformedContainer(t *testing.T) {
	for _, res := range []*CompileResult{
		{Outfiles: map[string]string{ImageFileName: "this is not a hex file"}},
		{Outfiles: map[string]string{"main.ts": "basic.showString('hi')"}},
	} {
		dt := newDeployTest(t, true)
		rep, err := dt.deploy(t, res)
		if KindOf(err) != MalformedContainer {
			t.Fatalf("got: %v, want: MalformedContainer", err)
		}
		if rep.FellBack || len(dt.saver.saved) != 0 {
			t.Errorf("a malformed image must not be handed to the fallback")
		}
		if len(dt.b.pageWrites) != 0 {
			t.Errorf("got: %d page writes, want none", len(dt.b.pageWrites))
		}
		if dt.b.Halted() {
			t.Errorf("device must be let run")
		}
	}
}

func TestDeployDryRun(t *testing.T) {
	dt := newDeployTest(t, true)
	dt.d.Opts.DryRun = true
	a := fill(1024, 1)
	dt.b.WriteMem(0x400, a)
	rep, err := dt.deploy(t, hexImage(t, page(0, fill(1024, 2)), page(0x400, a), page(0xc00, fill(1024, 3))))
	if err != nil {
		t.Fatalf("dry run failed: %s", err)
	}
	if len(rep.Changed) != 2 || rep.Changed[0] != 0 || rep.Changed[1] != 0xc00 {
		t.Errorf("got: changed %x, want: [0 c00]", rep.Changed)
	}
	if len(dt.b.pageWrites) != 0 || dt.b.Halted() {
		t.Errorf("dry run must not write and must let the device run")
	}

	dt = newDeployTest(t, false)
	dt.d.Opts.DryRun = true
	if _, err := dt.deploy(t, hexImage(t, page(0, a))); KindOf(err) != IncompatibleDevice {
		t.Errorf("got: %v, want: IncompatibleDevice", err)
	}
	if len(dt.saver.saved) != 0 {
		t.Errorf("dry run must not use the fallback")
	}
}
