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
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/mbdeploy/cli/flash/common/cmsis-dap/memap"
)

type CortexDebug interface {
	Init(ctx context.Context) error
	// Halt stops the core and waits for it to acknowledge.
	Halt(ctx context.Context) error
	// Reset performs a system reset. With halt set, the core is caught at the reset vector.
	Reset(ctx context.Context, halt bool) error
	// ResetRun resets the system and lets it run with debug disabled.
	ResetRun(ctx context.Context) error
	// GetReg retrieves current value of a core register.
	GetReg(ctx context.Context, reg int) (uint32, error)
	// SetReg sets value of a core register.
	SetReg(ctx context.Context, reg int, value uint32) error
	// DebugEnable sets C_DEBUGEN without halting. A halted core resumes.
	DebugEnable(ctx context.Context) error
	IsHalted(ctx context.Context) (bool, error)
	// WaitHalt waits for core to halt, for as long as ctx allows.
	WaitHalt(ctx context.Context) error
	// WaitForHalt waits for core to halt, at most timeout. Returns ErrHaltTimeout if it does not.
	WaitForHalt(ctx context.Context, timeout time.Duration) error
	// Exec submits a prepared command as a single batch.
	Exec(ctx context.Context, cmd *Command) error
}

var ErrHaltTimeout = errors.New("timed out waiting for the core to halt")

const (
	regCPUID    uint32 = 0xE000ED00
	regAIRCR    uint32 = 0xE000ED0C
	regAIRCRKey uint32 = 0x05FA0000

	regDHCSR    uint32 = 0xE000EDF0
	regDHCSRKey uint32 = 0xA05F0000
	regDCRSR    uint32 = 0xE000EDF4
	regDCRDR    uint32 = 0xE000EDF8
	regDEMCR    uint32 = 0xE000EDFC
	regPID0     uint32 = 0xE000EFE0
)

// Exported for use by probe emulators.
const (
	RegCPUID = regCPUID
	RegAIRCR = regAIRCR
	RegDHCSR = regDHCSR
	RegDCRSR = regDCRSR
	RegDCRDR = regDCRDR
	RegDEMCR = regDEMCR
	RegPID0  = regPID0
)

const (
	DHCSR_C_DEBUGEN = 1 << 0
	DHCSR_C_HALT    = 1 << 1
	DHCSR_S_REGRDY  = 1 << 16
	DHCSR_S_HALT    = 1 << 17

	DCRSR_REGWnR = 1 << 16

	DEMCR_VC_CORERESET = 1 << 0

	AIRCR_SYSRESETREQ = 1 << 2
)

const SP = 13 // SP is an alias for R13
const LR = 14 // LR is an alias for R14
const PC = 15 // PC is an alias for R15

func TargetName(cpuid, pid0 uint32) string {
	glog.V(1).Infof("CPUID: 0x%08x, PID0: 0x%08x", cpuid, pid0)
	vendorno := cpuid >> 24
	vendor := ""
	switch vendorno {
	case 0x41:
		vendor = "ARM"
	}
	patch := cpuid & 0xf
	partno := (cpuid >> 4) & 0xfff
	rev := (cpuid >> 20) & 0xf
	part := ""
	switch partno {
	case 0xc20:
		part = "Cortex-M0"
	case 0xc60:
		part = "Cortex-M0+"
	case 0xc21:
		part = "Cortex-M1"
	case 0xc23:
		part = "Cortex-M3"
	case 0xc24:
		part = "Cortex-M4"
	case 0xc27:
		part = "Cortex-M7"
	default:
		part = fmt.Sprintf("part 0x%03x", partno)
	}
	fpu := ""
	if pid0 == 0xc {
		fpu = "F"
	}
	return fmt.Sprintf("%s %s%s r%dp%d", vendor, part, fpu, rev, patch)
}

// GetTargetName reads CPUID and PID0 in one batch and describes the core.
func GetTargetName(ctx context.Context, mapc memap.MemAPClient) (string, error) {
	ids, err := mapc.NewBatch().ReadTargetReg(regCPUID).ReadTargetReg(regPID0).Run(ctx)
	if err != nil {
		return "", errors.Annotatef(err, "failed to get CPUID and PID0")
	}
	if len(ids) != 2 {
		return "", errors.Errorf("expected 2 values, got %d", len(ids))
	}
	return TargetName(ids[0], ids[1]), nil
}
