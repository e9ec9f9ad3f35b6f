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
package dp

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/mbdeploy/cli/flash/common/cmsis-dap/dap"
)

type DPReg uint8

const (
	DPIDR      DPReg = 0x00
	DPCTRLSTAT DPReg = 0x04
	DPSELECT   DPReg = 0x08
)

const (
	ctrlStatCDbgPwrUpReq = 0x10000000
	ctrlStatCDbgPwrUpAck = 0x20000000
	ctrlStatCSysPwrUpReq = 0x40000000
	ctrlStatCSysPwrUpAck = 0x80000000
	ctrlStatCDbgRstReq   = 0x04000000
	ctrlStatCDbgRstAck   = 0x08000000
	// Clears STICKYORUN, STICKYCMP, STICKYERR and WDATAERR along with the power-up requests.
	ctrlStatClearErrors = 0x50000f00
)

// APRequest is a single AP register access. Reg is the full register address, bank included.
type APRequest struct {
	Write bool
	Reg   uint8
	Data  uint32
}

type DPClient interface {
	Init(ctx context.Context) error
	GetIDR(ctx context.Context) (DPIDRValue, error)
	DbgReset(ctx context.Context) error
	SetDbgPower(ctx context.Context, dbg, sys bool) error
	ReadDPReg(ctx context.Context, reg DPReg) (uint32, error)
	WriteDPReg(ctx context.Context, reg DPReg, value uint32) error
	ReadAPReg(ctx context.Context, apSel, apReg uint8) (uint32, error)
	ReadAPRegMulti(ctx context.Context, apSel, apReg uint8, length int) ([]uint32, error)
	WriteAPReg(ctx context.Context, apSel, apReg uint8, value uint32) error
	WriteAPRegMulti(ctx context.Context, apSel, apReg uint8, values []uint32) error
	// TransferAP performs a sequence of AP accesses in as few probe round trips as possible.
	// Results of reads are returned in order.
	TransferAP(ctx context.Context, apSel uint8, reqs []APRequest) ([]uint32, error)
}

func NewDPClient(dapc dap.DAPClient) DPClient {
	return &dpClient{dapc: dapc}
}

type dpClient struct {
	dapc dap.DAPClient

	selectValue uint32
}

func (dpc *dpClient) readReg(ctx context.Context, reg uint8, ap bool) (uint32, error) {
	_, data, err := dpc.dapc.Transfer(ctx, 0, []dap.TransferRequest{
		{Op: dap.OpRead, AP: ap, Reg: reg},
	})
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read reg 0x%x (ap %t)", reg, ap)
	}
	if len(data) != 1 {
		return 0, errors.Errorf("reg 0x%x: expected 1 value, got %d", reg, len(data))
	}
	return data[0], nil
}

func (dpc *dpClient) readRegMulti(ctx context.Context, reg uint8, ap bool, length int) ([]uint32, error) {
	maxChunkSize := dpc.dapc.GetTransferBlockMaxSize()
	var res []uint32
	for length > 0 {
		chunkSize := length
		if chunkSize > maxChunkSize {
			chunkSize = maxChunkSize
		}
		chunk, err := dpc.dapc.TransferBlockRead(ctx, 0, ap, reg, chunkSize)
		if err != nil {
			return nil, errors.Trace(err)
		}
		res = append(res, chunk...)
		length -= chunkSize
	}
	return res, nil
}

func (dpc *dpClient) writeReg(ctx context.Context, reg uint8, ap bool, value uint32) error {
	_, _, err := dpc.dapc.Transfer(ctx, 0, []dap.TransferRequest{
		{Op: dap.OpWrite, AP: ap, Reg: reg, Data: value},
	})
	return errors.Trace(err)
}

func (dpc *dpClient) writeRegMulti(ctx context.Context, reg uint8, ap bool, values []uint32) error {
	offset := 0
	maxChunkSize := dpc.dapc.GetTransferBlockMaxSize()
	for offset < len(values) {
		chunk := values[offset:]
		if len(chunk) > maxChunkSize {
			chunk = chunk[:maxChunkSize]
		}
		if err := dpc.dapc.TransferBlockWrite(ctx, 0, ap, reg, chunk); err != nil {
			return errors.Trace(err)
		}
		offset += len(chunk)
	}
	return nil
}

func (dpc *dpClient) ReadDPReg(ctx context.Context, reg DPReg) (uint32, error) {
	value, err := dpc.readReg(ctx, uint8(reg), false /* ap */)
	glog.V(4).Infof("%s == 0x%08x", reg, value)
	return value, err
}

func (dpc *dpClient) WriteDPReg(ctx context.Context, reg DPReg, value uint32) error {
	glog.V(4).Infof("%s = 0x%08x", reg, value)
	return errors.Trace(dpc.writeReg(ctx, uint8(reg), false /* ap */, value))
}

func (dpc *dpClient) Init(ctx context.Context) error {
	idr, err := dpc.GetIDR(ctx)
	if err != nil {
		return errors.Annotatef(err, "failed to read DP ID")
	}
	glog.V(1).Infof("DPIDR: 0x%08x (designer %s, version %d)", uint32(idr), idr.Designer(), idr.Version())
	if err := dpc.WriteDPReg(ctx, DPSELECT, 0); err != nil {
		return errors.Trace(err)
	}
	dpc.selectValue = 0
	if err := dpc.SetDbgPower(ctx, true, true); err != nil {
		return errors.Trace(err)
	}
	if err := dpc.WriteDPReg(ctx, DPCTRLSTAT, ctrlStatClearErrors); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (dpc *dpClient) GetIDR(ctx context.Context) (DPIDRValue, error) {
	v, err := dpc.ReadDPReg(ctx, DPIDR)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read DPIDR")
	}
	return DPIDRValue(v), nil
}

func (dpc *dpClient) SetDbgPower(ctx context.Context, dbg, sys bool) error {
	var reqMask, ackMask uint32
	if dbg {
		reqMask |= ctrlStatCDbgPwrUpReq
		ackMask |= ctrlStatCDbgPwrUpAck
	}
	if sys {
		reqMask |= ctrlStatCSysPwrUpReq
		ackMask |= ctrlStatCSysPwrUpAck
	}
	for {
		if err := ctx.Err(); err != nil {
			return errors.Annotatef(err, "waiting for power up")
		}
		statValue, err := dpc.ReadDPReg(ctx, DPCTRLSTAT)
		if err != nil {
			return errors.Annotatef(err, "failed to read DPCTRLSTAT")
		}
		if statValue&0xf0000000 == (reqMask | ackMask) {
			break
		}
		ctrlValue := (statValue & 0x07ffffff) | reqMask
		if err := dpc.WriteDPReg(ctx, DPCTRLSTAT, ctrlValue); err != nil {
			return errors.Annotatef(err, "failed to write DPCTRLSTAT")
		}
	}
	return nil
}

func (dpc *dpClient) waitCtrlStat(ctx context.Context, mask uint32, set bool) (uint32, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, errors.Trace(err)
		}
		statValue, err := dpc.ReadDPReg(ctx, DPCTRLSTAT)
		if err != nil {
			return 0, errors.Annotatef(err, "failed to read DPCTRLSTAT")
		}
		if (statValue&mask != 0) == set {
			return statValue, nil
		}
	}
}

func (dpc *dpClient) DbgReset(ctx context.Context) error {
	statValue, err := dpc.ReadDPReg(ctx, DPCTRLSTAT)
	if err != nil {
		return errors.Annotatef(err, "failed to read DPCTRLSTAT")
	}
	ctrlValue := (statValue & 0xf3ffffff) | ctrlStatCDbgRstReq
	if err := dpc.WriteDPReg(ctx, DPCTRLSTAT, ctrlValue); err != nil {
		return errors.Annotatef(err, "failed to write DPCTRLSTAT")
	}
	if statValue, err = dpc.waitCtrlStat(ctx, ctrlStatCDbgRstAck, true); err != nil {
		return errors.Trace(err)
	}
	ctrlValue = (statValue & 0xf3ffffff)
	if err := dpc.WriteDPReg(ctx, DPCTRLSTAT, ctrlValue); err != nil {
		return errors.Annotatef(err, "failed to write DPCTRLSTAT")
	}
	_, err = dpc.waitCtrlStat(ctx, ctrlStatCDbgRstAck, false)
	return errors.Trace(err)
}

func selectValueFor(cur uint32, apSel, apBank uint8) uint32 {
	return (cur & 0x00ffff0f) | (uint32(apSel) << 24) | ((uint32(apBank) & 0xf) << 4)
}

func (dpc *dpClient) selectAP(ctx context.Context, apSel, apBank uint8) error {
	sv := selectValueFor(dpc.selectValue, apSel, apBank)
	if sv == dpc.selectValue {
		return nil
	}
	if err := dpc.WriteDPReg(ctx, DPSELECT, sv); err != nil {
		return errors.Annotatef(err, "failed to select AP %d bank %d", apSel, apBank)
	}
	dpc.selectValue = sv
	return nil
}

func (dpc *dpClient) ReadAPReg(ctx context.Context, apSel, apReg uint8) (uint32, error) {
	if err := dpc.selectAP(ctx, apSel, apReg/16); err != nil {
		return 0, errors.Trace(err)
	}
	return dpc.readReg(ctx, apReg%16, true /* ap */)
}

func (dpc *dpClient) ReadAPRegMulti(ctx context.Context, apSel, apReg uint8, length int) ([]uint32, error) {
	if err := dpc.selectAP(ctx, apSel, apReg/16); err != nil {
		return nil, errors.Trace(err)
	}
	return dpc.readRegMulti(ctx, apReg%16, true /* ap */, length)
}

func (dpc *dpClient) WriteAPReg(ctx context.Context, apSel, apReg uint8, value uint32) error {
	if err := dpc.selectAP(ctx, apSel, apReg/16); err != nil {
		return errors.Trace(err)
	}
	return dpc.writeReg(ctx, apReg%16, true /* ap */, value)
}

func (dpc *dpClient) WriteAPRegMulti(ctx context.Context, apSel, apReg uint8, values []uint32) error {
	if err := dpc.selectAP(ctx, apSel, apReg/16); err != nil {
		return errors.Trace(err)
	}
	return dpc.writeRegMulti(ctx, apReg%16, true /* ap */, values)
}

func (dpc *dpClient) TransferAP(ctx context.Context, apSel uint8, reqs []APRequest) ([]uint32, error) {
	// Bank switches become DP SELECT writes inlined into the same transfer.
	sv := dpc.selectValue
	treqs := make([]dap.TransferRequest, 0, len(reqs)+1)
	for _, req := range reqs {
		if nsv := selectValueFor(sv, apSel, req.Reg/16); nsv != sv {
			treqs = append(treqs, dap.TransferRequest{Op: dap.OpWrite, Reg: uint8(DPSELECT), Data: nsv})
			sv = nsv
		}
		tr := dap.TransferRequest{Op: dap.OpRead, AP: true, Reg: req.Reg % 16}
		if req.Write {
			tr.Op = dap.OpWrite
			tr.Data = req.Data
		}
		treqs = append(treqs, tr)
	}
	_, data, err := dpc.dapc.Transfer(ctx, 0, treqs)
	if err != nil {
		// SELECT state is unknown now, force a rewrite next time.
		dpc.selectValue = 0xffffffff
		return nil, errors.Annotatef(err, "AP %d transfer (%d ops)", apSel, len(reqs))
	}
	dpc.selectValue = sv
	return data, nil
}

type DPIDRValue uint32

type DPDesigner uint16

func (v DPIDRValue) Designer() DPDesigner {
	return DPDesigner(v & 0xfff)
}

func (v DPIDRValue) Version() uint8 {
	return uint8((v >> 12) & 0xf)
}

func (v DPIDRValue) Minimal() bool {
	return (v>>16)&1 != 0
}

func (v DPIDRValue) PartNumber() uint8 {
	return uint8((v >> 20) & 0xff)
}

func (v DPIDRValue) Revision() uint8 {
	return uint8((v >> 28) & 0xf)
}

func (v DPDesigner) String() string {
	if v == 0x477 {
		return "ARM"
	}
	return fmt.Sprintf("0x%03x", uint16(v))
}

func (r DPReg) String() string {
	switch r {
	case DPIDR:
		return "DPIDR"
	case DPCTRLSTAT:
		return "DPCTRLSTAT"
	case DPSELECT:
		return "DPSELECT"
	}
	return fmt.Sprintf("0x%x", uint8(r))
}
