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
package memap

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/mbdeploy/cli/flash/common/cmsis-dap/dp"
)

type MemAPReg uint8

const (
	CSW  MemAPReg = 0x00
	TAR  MemAPReg = 0x04
	DRW  MemAPReg = 0x0c
	BD0  MemAPReg = 0x10
	BD1  MemAPReg = 0x14
	BD2  MemAPReg = 0x18
	BD3  MemAPReg = 0x1c
	BASE MemAPReg = 0xf8
	IDR  MemAPReg = 0xfc
)

const (
	CSW_DeviceEn = 0x40
	// Basic mode, word access, increment single.
	cswWordAutoInc = 0x23000052

	// TAR auto-increment is only guaranteed within a 1 KiB window.
	autoIncWindow = 0x400
)

type TargetMemReader interface {
	// ReadTargetReg reads a single 32-bit word from the target (handy for reading registers).
	ReadTargetReg(ctx context.Context, addr uint32) (uint32, error)
	// ReadTargetMem reads length words at the specified address in the target's memory.
	// addr must be word-aligned.
	ReadTargetMem(ctx context.Context, addr uint32, length int) ([]uint32, error)
}

type TargetMemWriter interface {
	// WriteTargetReg writes a single 32-bit word to the target.
	WriteTargetReg(ctx context.Context, addr uint32, value uint32) error
	// WriteTargetMem writes data at the specified address to the target's memory.
	// addr must be word-aligned.
	WriteTargetMem(ctx context.Context, addr uint32, data []uint32) error
}

type TargetMemReaderWriter interface {
	TargetMemReader
	TargetMemWriter
}

type MemAPClient interface {
	TargetMemReaderWriter

	Init(ctx context.Context) error
	ReadReg(ctx context.Context, reg MemAPReg) (uint32, error)
	WriteReg(ctx context.Context, reg MemAPReg, value uint32) error
	// NewBatch starts a sequence of register accesses that is sent to the probe in one go.
	NewBatch() *Batch
}

type memAPClient struct {
	dpc   dp.DPClient
	apSel uint8
}

func NewMemAPClient(dpc dp.DPClient, apSel uint8) MemAPClient {
	return &memAPClient{dpc: dpc, apSel: apSel}
}

func (mapc *memAPClient) ReadReg(ctx context.Context, reg MemAPReg) (uint32, error) {
	value, err := mapc.dpc.ReadAPReg(ctx, mapc.apSel, uint8(reg))
	glog.V(4).Infof("%s == 0x%08x", reg, value)
	return value, err
}

func (mapc *memAPClient) WriteReg(ctx context.Context, reg MemAPReg, value uint32) error {
	glog.V(4).Infof("%s = 0x%08x", reg, value)
	return mapc.dpc.WriteAPReg(ctx, mapc.apSel, uint8(reg), value)
}

func (mapc *memAPClient) Init(ctx context.Context) error {
	csw, err := mapc.ReadReg(ctx, CSW)
	if err != nil {
		return errors.Trace(err)
	}
	if csw&CSW_DeviceEn == 0 {
		return errors.Errorf("MEM-AP is disabled")
	}
	return errors.Trace(mapc.WriteReg(ctx, CSW, cswWordAutoInc))
}

func (mapc *memAPClient) ReadTargetReg(ctx context.Context, addr uint32) (uint32, error) {
	if err := mapc.WriteReg(ctx, TAR, addr); err != nil {
		return 0, errors.Trace(err)
	}
	value, err := mapc.ReadReg(ctx, DRW)
	glog.V(4).Infof("ReadTargetReg(0x%08x) == 0x%08x", addr, value)
	return value, errors.Trace(err)
}

// windowLen returns the number of words that can be accessed from addr before TAR needs reloading.
func windowLen(addr uint32, remaining int) int {
	cl := int((autoIncWindow - addr&(autoIncWindow-1)) / 4)
	if cl > remaining {
		cl = remaining
	}
	return cl
}

func (mapc *memAPClient) ReadTargetMem(ctx context.Context, addr uint32, length int) ([]uint32, error) {
	glog.V(4).Infof("ReadTargetMem(0x%08x, %d)", addr, length)
	if addr%4 != 0 {
		return nil, errors.Errorf("addr must be word-aligned, got 0x%x", addr)
	}
	res := make([]uint32, 0, length)
	for i := 0; i < length; {
		if err := mapc.WriteReg(ctx, TAR, addr); err != nil {
			return nil, errors.Trace(err)
		}
		cl := windowLen(addr, length-i)
		values, err := mapc.dpc.ReadAPRegMulti(ctx, mapc.apSel, uint8(DRW), cl)
		if err != nil {
			return nil, errors.Trace(err)
		}
		res = append(res, values...)
		addr += uint32(cl * 4)
		i += cl
	}
	return res, nil
}

func (mapc *memAPClient) WriteTargetReg(ctx context.Context, addr uint32, value uint32) error {
	if err := mapc.WriteReg(ctx, TAR, addr); err != nil {
		return errors.Trace(err)
	}
	glog.V(4).Infof("WriteTargetReg(0x%08x, 0x%08x)", addr, value)
	return mapc.WriteReg(ctx, DRW, value)
}

func (mapc *memAPClient) WriteTargetMem(ctx context.Context, addr uint32, data []uint32) error {
	glog.V(4).Infof("WriteTargetMem(0x%08x, %d)", addr, len(data))
	if addr%4 != 0 {
		return errors.Errorf("addr must be word-aligned, got 0x%x", addr)
	}
	for i := 0; i < len(data); {
		if err := mapc.WriteReg(ctx, TAR, addr); err != nil {
			return errors.Trace(err)
		}
		cl := windowLen(addr, len(data)-i)
		if err := mapc.dpc.WriteAPRegMulti(ctx, mapc.apSel, uint8(DRW), data[i:i+cl]); err != nil {
			return errors.Trace(err)
		}
		addr += uint32(cl * 4)
		i += cl
	}
	return nil
}

func (mapc *memAPClient) NewBatch() *Batch {
	return &Batch{mapc: mapc}
}

// Batch accumulates target register accesses.
type Batch struct {
	mapc *memAPClient
	reqs []dp.APRequest
}

func (b *Batch) WriteTargetReg(addr uint32, value uint32) *Batch {
	b.reqs = append(b.reqs,
		dp.APRequest{Write: true, Reg: uint8(TAR), Data: addr},
		dp.APRequest{Write: true, Reg: uint8(DRW), Data: value})
	return b
}

func (b *Batch) ReadTargetReg(addr uint32) *Batch {
	b.reqs = append(b.reqs,
		dp.APRequest{Write: true, Reg: uint8(TAR), Data: addr},
		dp.APRequest{Reg: uint8(DRW)})
	return b
}

func (b *Batch) Len() int {
	return len(b.reqs)
}

// Run sends the accumulated accesses and returns the values read, in order.
func (b *Batch) Run(ctx context.Context) ([]uint32, error) {
	if len(b.reqs) == 0 {
		return nil, nil
	}
	glog.V(4).Infof("Batch.Run(%d)", len(b.reqs))
	res, err := b.mapc.dpc.TransferAP(ctx, b.mapc.apSel, b.reqs)
	return res, errors.Trace(err)
}

func (r MemAPReg) String() string {
	switch r {
	case CSW:
		return "CSW"
	case TAR:
		return "TAR"
	case DRW:
		return "DRW"
	case BD0:
		return "BD0"
	case BD1:
		return "BD1"
	case BD2:
		return "BD2"
	case BD3:
		return "BD3"
	case BASE:
		return "BASE"
	case IDR:
		return "IDR"
	}
	return fmt.Sprintf("0x%x", uint8(r))
}
