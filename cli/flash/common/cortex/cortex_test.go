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
package cortex_test

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"

	"github.com/mongoose-os/mbdeploy/cli/flash/common/cmsis-dap/daptest"
	"github.com/mongoose-os/mbdeploy/cli/flash/common/cortex"
)

func attach(t *testing.T) (*daptest.Probe, *cortex.CortexM) {
	t.Helper()
	p := daptest.NewProbe()
	_, mapc, err := daptest.Attach(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	cm := cortex.NewCortexM(mapc)
	if err := cm.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return p, cm
}

func TestTargetName(t *testing.T) {
	if got, want := cortex.TargetName(daptest.CPUID, 0), "ARM Cortex-M0 r0p0"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
	if got, want := cortex.TargetName(0x410FC241, 0xc), "ARM Cortex-M4F r0p1"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
}

func TestResetAndRegs(t *testing.T) {
	ctx := context.Background()
	p, cm := attach(t)
	if err := cm.Reset(ctx, true); err != nil {
		t.Fatal(err)
	}
	if !p.Halted() {
		t.Fatalf("core is not halted after reset")
	}
	if got, want := p.Resets(), 1; got != want {
		t.Errorf("got: %d resets, want: %d", got, want)
	}
	if err := cm.SetReg(ctx, cortex.SP, 0x20001000); err != nil {
		t.Fatal(err)
	}
	v, err := cm.GetReg(ctx, cortex.SP)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x20001000 {
		t.Errorf("got: 0x%x, want: 0x20001000", v)
	}
	if err := cm.ResetRun(ctx); err != nil {
		t.Fatal(err)
	}
	if p.Halted() || p.DebugEnabled() {
		t.Errorf("core must run with debug disabled after ResetRun")
	}
	if got, want := p.Resets(), 2; got != want {
		t.Errorf("got: %d resets, want: %d", got, want)
	}
}

func TestCommand(t *testing.T) {
	ctx := context.Background()
	p, cm := attach(t)
	var seen [3]uint32
	p.OnRun(func(c *daptest.Core) bool {
		seen = [3]uint32{c.Regs[0], c.Regs[1], c.Regs[cortex.PC]}
		return true
	})
	cmd := cortex.NewCommand().Halt().
		WriteCoreRegister(cortex.PC, 0x20000005).
		WriteCoreRegister(0, 0x400).
		WriteCoreRegister(1, 0x20002000).
		Go()
	if got, want := cmd.Len(), 8; got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
	if err := cm.Exec(ctx, cmd); err != nil {
		t.Fatal(err)
	}
	if err := cm.WaitForHalt(ctx, 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if got, want := seen, [3]uint32{0x400, 0x20002000, 0x20000005}; got != want {
		t.Errorf("got: %x, want: %x", got, want)
	}
	if got, want := p.Runs(), 1; got != want {
		t.Errorf("got: %d runs, want: %d", got, want)
	}
}

func TestWaitForHaltTimeout(t *testing.T) {
	ctx := context.Background()
	p, cm := attach(t)
	p.OnRun(func(c *daptest.Core) bool { return false })
	if err := cm.Halt(ctx); err != nil {
		t.Fatal(err)
	}
	if err := cm.DebugEnable(ctx); err != nil {
		t.Fatal(err)
	}
	err := cm.WaitForHalt(ctx, 20*time.Millisecond)
	if errors.Cause(err) != cortex.ErrHaltTimeout {
		t.Errorf("got: %v, want: %v", err, cortex.ErrHaltTimeout)
	}
}
