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
package cortex

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/mbdeploy/cli/flash/common/cmsis-dap/memap"
)

// Doc: ARM v6-M and v7-M Architecture Reference Manuals, debug chapters.

const resetHaltTimeout = 1 * time.Second

var _ CortexDebug = (*CortexM)(nil)

func NewCortexM(mapc memap.MemAPClient) *CortexM {
	return &CortexM{mapc: mapc}
}

type CortexM struct {
	mapc memap.MemAPClient
}

func (cm *CortexM) Init(ctx context.Context) error {
	cpuid, err := cm.mapc.ReadTargetReg(ctx, regCPUID)
	if err != nil {
		return errors.Annotatef(err, "failed to get CPUID")
	}
	// Implementer ARM, part number 0xCxx is the Cortex-M family.
	if cpuid>>24 != 0x41 || (cpuid>>4)&0xf00 != 0xc00 {
		return errors.Errorf("target is not a Cortex-M (CPUID 0x%08x)", cpuid)
	}
	return nil
}

func (cm *CortexM) writeDHCSR(ctx context.Context, bits uint32) error {
	return errors.Annotatef(cm.mapc.WriteTargetReg(ctx, regDHCSR, regDHCSRKey|bits), "failed to set DHCSR")
}

func (cm *CortexM) IsHalted(ctx context.Context) (bool, error) {
	dhcsr, err := cm.mapc.ReadTargetReg(ctx, regDHCSR)
	if err != nil {
		return false, errors.Annotatef(err, "failed to get DHCSR")
	}
	glog.V(4).Infof("DHCSR 0x%08x", dhcsr)
	return dhcsr&DHCSR_S_HALT != 0, nil
}

func (cm *CortexM) Halt(ctx context.Context) error {
	halted, err := cm.IsHalted(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if halted {
		return nil
	}
	if err := cm.writeDHCSR(ctx, DHCSR_C_DEBUGEN|DHCSR_C_HALT); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(cm.WaitForHalt(ctx, resetHaltTimeout))
}

func (cm *CortexM) DebugEnable(ctx context.Context) error {
	return errors.Trace(cm.writeDHCSR(ctx, DHCSR_C_DEBUGEN))
}

func (cm *CortexM) softReset(ctx context.Context) error {
	return errors.Annotatef(
		cm.mapc.WriteTargetReg(ctx, regAIRCR, regAIRCRKey|AIRCR_SYSRESETREQ), "failed to set AIRCR")
}

func (cm *CortexM) Reset(ctx context.Context, halt bool) error {
	glog.V(3).Infof("Reset(%t)", halt)
	demcr, err := cm.mapc.ReadTargetReg(ctx, regDEMCR)
	if err != nil {
		return errors.Annotatef(err, "failed to get DEMCR")
	}
	if !halt {
		if err := cm.mapc.WriteTargetReg(ctx, regDEMCR, demcr&^DEMCR_VC_CORERESET); err != nil {
			return errors.Annotatef(err, "failed to set DEMCR")
		}
		return errors.Trace(cm.softReset(ctx))
	}
	if err := cm.Halt(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := cm.mapc.WriteTargetReg(ctx, regDEMCR, demcr|DEMCR_VC_CORERESET); err != nil {
		return errors.Annotatef(err, "failed to set DEMCR")
	}
	if err := cm.softReset(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := cm.WaitForHalt(ctx, resetHaltTimeout); err != nil {
		return errors.Annotatef(err, "core did not stop after reset")
	}
	// Leave vector catch as it was.
	return errors.Annotatef(cm.mapc.WriteTargetReg(ctx, regDEMCR, demcr), "failed to restore DEMCR")
}

func (cm *CortexM) ResetRun(ctx context.Context) error {
	// Reset with debug disabled.
	if err := cm.Reset(ctx, false); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(cm.writeDHCSR(ctx, 0))
}

func (cm *CortexM) WaitHalt(ctx context.Context) error {
	for {
		halted, err := cm.IsHalted(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if halted {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return errors.Annotatef(err, "waiting for halt")
		}
	}
}

func (cm *CortexM) WaitForHalt(ctx context.Context, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := cm.WaitHalt(wctx)
	if err != nil && wctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return errors.Annotatef(ErrHaltTimeout, "%s", timeout)
	}
	return errors.Trace(err)
}

func (cm *CortexM) waitRegReady(ctx context.Context) error {
	for {
		dhcsr, err := cm.mapc.ReadTargetReg(ctx, regDHCSR)
		if err != nil {
			return errors.Annotatef(err, "failed to get DHCSR")
		}
		if dhcsr&DHCSR_S_REGRDY != 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return errors.Annotatef(err, "waiting for register transfer")
		}
	}
}

func (cm *CortexM) SetReg(ctx context.Context, reg int, value uint32) error {
	glog.V(4).Infof("SetReg(%d, 0x%x)", reg, value)
	if err := cm.mapc.WriteTargetReg(ctx, regDCRDR, value); err != nil {
		return errors.Annotatef(err, "failed to set DCRDR")
	}
	if err := cm.mapc.WriteTargetReg(ctx, regDCRSR, DCRSR_REGWnR|uint32(reg)); err != nil {
		return errors.Annotatef(err, "failed to set DCRSR")
	}
	return errors.Trace(cm.waitRegReady(ctx))
}

func (cm *CortexM) GetReg(ctx context.Context, reg int) (uint32, error) {
	if err := cm.mapc.WriteTargetReg(ctx, regDCRSR, uint32(reg)); err != nil {
		return 0, errors.Annotatef(err, "failed to set DCRSR")
	}
	if err := cm.waitRegReady(ctx); err != nil {
		return 0, errors.Annotatef(err, "failed to wait for reg read")
	}
	value, err := cm.mapc.ReadTargetReg(ctx, regDCRDR)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read DCRDR")
	}
	glog.V(4).Infof("GetReg(%d) == 0x%x", reg, value)
	return value, nil
}

func (cm *CortexM) Exec(ctx context.Context, cmd *Command) error {
	glog.V(3).Infof("Exec(%s)", cmd)
	b := cm.mapc.NewBatch()
	for _, w := range cmd.writes {
		b.WriteTargetReg(w.addr, w.value)
	}
	_, err := b.Run(ctx)
	return errors.Annotatef(err, "failed to execute command (%d writes)", cmd.Len())
}
