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
package dap

// This package implements (a subset of) the CMSIS-DAP probe interface
// https://arm-software.github.io/CMSIS_5/DAP/html/group__DAP__Commands__gr.html

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/mbdeploy/cli/flash/common/transport"
)

type Cmd uint8

const (
	CmdInfo              Cmd = 0x00
	CmdSetHostStatus     Cmd = 0x01
	CmdConnect           Cmd = 0x02
	CmdDisconnect        Cmd = 0x03
	CmdTransferConfigure Cmd = 0x04
	CmdTransfer          Cmd = 0x05
	CmdTransferBlock     Cmd = 0x06
	CmdSWJClock          Cmd = 0x11
	CmdSWJSequence       Cmd = 0x12
	CmdSWDConfigure      Cmd = 0x13
)

const (
	// op, dap index, transfer count
	transferHeaderLen = 3
	// op, transfer count, status
	transferRespLen  = 3
	maxTransferWaits = 5
)

type dapClient struct {
	ch transport.PacketChannel
	q  *transport.PacketQueue

	// One request in flight at a time; responses carry no tag besides the command byte.
	lock          sync.Mutex
	maxPacketSize int
}

// NewClient starts talking CMSIS-DAP over ch and queries the probe's packet size.
func NewClient(ctx context.Context, ch transport.PacketChannel) (DAPClient, error) {
	dapc := &dapClient{
		ch:            ch,
		q:             transport.NewPacketQueue(transport.DefaultQueueSize),
		maxPacketSize: 8, // Start with a conservative guess
	}
	ch.OnData(func(data []byte) {
		dapc.q.Push(data)
	})
	resp, err := dapc.GetInfo(ctx, InfoPacketSize)
	if err != nil {
		dapc.Close(ctx)
		return nil, errors.Annotatef(err, "failed to get max packet size")
	}
	var rl uint8
	var mps uint16
	if binary.Read(resp, binary.LittleEndian, &rl) != nil || rl != 2 ||
		binary.Read(resp, binary.LittleEndian, &mps) != nil {
		dapc.Close(ctx)
		return nil, errors.Errorf("invalid packet size response")
	}
	dapc.maxPacketSize = int(mps)
	if chMax := ch.MaxPacketSize(); chMax > 0 && chMax < dapc.maxPacketSize {
		dapc.maxPacketSize = chMax
	}
	glog.V(2).Infof("max packet size: %d", dapc.maxPacketSize)
	return dapc, nil
}

func newCmd(cmd Cmd) *bytes.Buffer {
	return bytes.NewBuffer([]uint8{uint8(cmd)})
}

func (dapc *dapClient) exec(ctx context.Context, args *bytes.Buffer) (*bytes.Buffer, error) {
	dapc.lock.Lock()
	defer dapc.lock.Unlock()
	req := args.Bytes()
	glog.V(4).Infof(" => %s", hex.EncodeToString(req))
	if len(req) > dapc.maxPacketSize {
		return nil, errors.Errorf("packet too long (max %d, got %d)", dapc.maxPacketSize, len(req))
	}
	// Anything queued now is a late response to a request that has already failed.
	if n := dapc.q.Drain(); n > 0 {
		glog.V(1).Infof("dropped %d stale packets", n)
	}
	if err := dapc.ch.SendPacket(ctx, req); err != nil {
		return nil, errors.Annotatef(err, "device write failed")
	}
	resp, err := dapc.q.Pop(ctx)
	if err != nil {
		return nil, errors.Annotatef(err, "DAP exec")
	}
	glog.V(4).Infof("<=  %s", hex.EncodeToString(resp))
	if len(resp) == 0 || resp[0] != req[0] {
		got := -1
		if len(resp) > 0 {
			got = int(resp[0])
		}
		return nil, errors.Errorf("Response to wrong command (want 0x%02x, got 0x%02x)", req[0], got)
	}
	return bytes.NewBuffer(resp[1:]), nil
}

func (dapc *dapClient) execCheckStatus(ctx context.Context, args *bytes.Buffer) error {
	cmd := args.Bytes()[0]
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	status, err := resp.ReadByte()
	if err != nil {
		return errors.Errorf("Command 0x%02x: response is too short", cmd)
	}
	if status != 0 {
		return errors.Errorf("Command 0x%02x returned error (0x%02x)", cmd, status)
	}
	return nil
}

func (dapc *dapClient) GetInfo(ctx context.Context, info InfoID) (*bytes.Buffer, error) {
	glog.V(3).Infof("GetInfo(%d)", info)
	args := newCmd(CmdInfo)
	args.WriteByte(uint8(info))
	resp, err := dapc.exec(ctx, args)
	return resp, errors.Annotatef(err, "failed to get info 0x%02x", info)
}

func (dapc *dapClient) GetInfoString(ctx context.Context, info InfoID) (string, error) {
	resp, err := dapc.GetInfo(ctx, info)
	if err != nil {
		return "", errors.Trace(err)
	}
	sl, err := resp.ReadByte()
	if err != nil {
		return "", errors.Errorf("info 0x%02x: response is too short", info)
	}
	s := make([]uint8, sl)
	resp.Read(s)
	// Strings may be NUL-terminated.
	return string(bytes.TrimRight(s, "\x00")), nil
}

func (dapc *dapClient) SetHostStatus(ctx context.Context, st StatusType, value bool) error {
	args := newCmd(CmdSetHostStatus)
	args.WriteByte(uint8(st))
	if value {
		args.WriteByte(1)
	} else {
		args.WriteByte(0)
	}
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *dapClient) Connect(ctx context.Context, mode ConnectMode) error {
	glog.V(3).Infof("Connect(%d)", mode)
	args := newCmd(CmdConnect)
	args.WriteByte(uint8(mode))
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	if port, err := resp.ReadByte(); err != nil || port == 0 {
		return errors.Errorf("connect error")
	}
	return nil
}

func (dapc *dapClient) Disconnect(ctx context.Context) error {
	return errors.Trace(dapc.execCheckStatus(ctx, newCmd(CmdDisconnect)))
}

func (dapc *dapClient) TransferConfigure(ctx context.Context, idleCycles uint8, waitRetry uint16, matchRetry uint16) error {
	glog.V(3).Infof("TransferConfigure(%d, %d, %d)", idleCycles, waitRetry, matchRetry)
	args := newCmd(CmdTransferConfigure)
	binary.Write(args, binary.LittleEndian, idleCycles)
	binary.Write(args, binary.LittleEndian, waitRetry)
	binary.Write(args, binary.LittleEndian, matchRetry)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

// doTransfer runs reqs as one Transfer command. It returns the number of requests
// completed and the values read by them, also when the transfer fails part way.
func (dapc *dapClient) doTransfer(ctx context.Context, dapIndex uint8, reqs []TransferRequest) (int, TransferStatus, []uint32, error) {
	args := newCmd(CmdTransfer)
	args.WriteByte(dapIndex)
	args.WriteByte(uint8(len(reqs)))
	for i, req := range reqs {
		if req.Reg&3 != 0 {
			return 0, 0, nil, errors.Errorf("treq %d invalid reg 0x%x", i, req.Reg)
		}
		treq := (req.Reg & 0xc)
		if req.AP {
			treq |= 1 << 0
		}
		switch req.Op {
		case OpRead:
			treq |= 1 << 1
		case OpReadMatch:
			treq |= 1<<1 | 1<<4
		case OpWrite:
			// Nothing
		case OpWriteMatch:
			treq |= 1 << 5
		}
		args.WriteByte(treq)
		if req.hasData() {
			binary.Write(args, binary.LittleEndian, req.Data)
		}
	}
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return 0, 0, nil, errors.Trace(err)
	}
	var tc uint8
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return 0, st, nil, errors.Errorf("response is too short")
	}
	n := int(tc)
	if n > len(reqs) {
		return 0, st, nil, errors.Errorf("bogus transfer count %d/%d", n, len(reqs))
	}
	var data []uint32
	for _, req := range reqs[:n] {
		if req.Op != OpRead {
			continue
		}
		var d uint32
		if binary.Read(resp, binary.LittleEndian, &d) != nil {
			return 0, st, nil, errors.Errorf("response is too short")
		}
		data = append(data, d)
	}
	if !st.Ok() {
		return n, st, data, errors.Errorf("transfer failed (tc %d/%d st 0x%02x)", n, len(reqs), st)
	}
	if n != len(reqs) {
		return n, st, data, errors.Errorf("not all transfers completed (%d/%d)", n, len(reqs))
	}
	return n, st, data, nil
}

// splitTransfer cuts reqs into runs that fit one request and one response packet each.
func (dapc *dapClient) splitTransfer(reqs []TransferRequest) [][]TransferRequest {
	var res [][]TransferRequest
	start, reqLen, respLen := 0, transferHeaderLen, transferRespLen
	for i, req := range reqs {
		rl, rsl := 1, 0
		if req.hasData() {
			rl += 4
		} else {
			rsl += 4
		}
		if i > start && (reqLen+rl > dapc.maxPacketSize || respLen+rsl > dapc.maxPacketSize || i-start == 255) {
			res = append(res, reqs[start:i])
			start, reqLen, respLen = i, transferHeaderLen, transferRespLen
		}
		reqLen += rl
		respLen += rsl
	}
	if start < len(reqs) {
		res = append(res, reqs[start:])
	}
	return res
}

// Transfer runs reqs, splitting them to fit packets. After a WAIT the transfer is resumed
// from the first request that did not complete.
func (dapc *dapClient) Transfer(ctx context.Context, dapIndex uint8, reqs []TransferRequest) (TransferStatus, []uint32, error) {
	var res []uint32
	st := TransferStatusOK
	for _, chunk := range dapc.splitTransfer(reqs) {
		for waits := 0; len(chunk) > 0; {
			n, cst, data, err := dapc.doTransfer(ctx, dapIndex, chunk)
			st = cst
			res = append(res, data...)
			chunk = chunk[n:]
			if err == nil {
				break
			}
			if st != TransferStatusWait {
				return st, nil, errors.Trace(err)
			}
			if waits++; waits > maxTransferWaits {
				return st, nil, errors.Errorf("transfer timeout")
			}
			glog.V(2).Infof("WAIT after %d requests, %d left", n, len(chunk))
		}
	}
	return st, res, nil
}

func (dapc *dapClient) GetTransferBlockMaxSize() int {
	headerLen := 1 /* op */ + 1 /* dap index */ + 2 /* transfer count */ + 1 /* request */
	return (dapc.maxPacketSize - headerLen) / 4
}

func (dapc *dapClient) transferBlockHeader(cmd Cmd, dapIndex uint8, ap bool, reg uint8, length int, read bool) (*bytes.Buffer, error) {
	if reg&3 != 0 {
		return nil, errors.Errorf("invalid reg 0x%x", reg)
	}
	args := newCmd(cmd)
	args.WriteByte(dapIndex)
	binary.Write(args, binary.LittleEndian, uint16(length))
	treq := uint8(reg & 0xc)
	if read {
		treq |= 2
	}
	if ap {
		treq |= 1 << 0
	}
	args.WriteByte(treq)
	return args, nil
}

func (dapc *dapClient) checkBlockResponse(resp *bytes.Buffer, length int) error {
	var tc uint16
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return errors.Errorf("response is too short")
	}
	if !st.Ok() {
		return errors.Errorf("transfer failed (tc %d/%d st 0x%02x)", tc, length, st)
	}
	if int(tc) != length {
		return errors.Errorf("not all transfers completed (%d/%d)", tc, length)
	}
	return nil
}

func (dapc *dapClient) TransferBlockRead(ctx context.Context, dapIndex uint8, ap bool, reg uint8, length int) ([]uint32, error) {
	glog.V(3).Infof("TransferBlockRead(%d, %t, 0x%x, %d)", dapIndex, ap, reg, length)
	if length > dapc.GetTransferBlockMaxSize() {
		return nil, errors.Errorf("request too big (max %d, got %d)", dapc.GetTransferBlockMaxSize(), length)
	}
	args, err := dapc.transferBlockHeader(CmdTransferBlock, dapIndex, ap, reg, length, true /* read */)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := dapc.checkBlockResponse(resp, length); err != nil {
		return nil, errors.Trace(err)
	}
	res := make([]uint32, length)
	if binary.Read(resp, binary.LittleEndian, res) != nil {
		return nil, errors.Errorf("response is too short")
	}
	return res, nil
}

func (dapc *dapClient) TransferBlockWrite(ctx context.Context, dapIndex uint8, ap bool, reg uint8, data []uint32) error {
	glog.V(3).Infof("TransferBlockWrite(%d, %t, 0x%x, %d)", dapIndex, ap, reg, len(data))
	if len(data) > dapc.GetTransferBlockMaxSize() {
		return errors.Errorf("request too big (max %d, got %d)", dapc.GetTransferBlockMaxSize(), len(data))
	}
	args, err := dapc.transferBlockHeader(CmdTransferBlock, dapIndex, ap, reg, len(data), false /* read */)
	if err != nil {
		return errors.Trace(err)
	}
	binary.Write(args, binary.LittleEndian, data)
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(dapc.checkBlockResponse(resp, len(data)))
}

func (dapc *dapClient) SWJClock(ctx context.Context, clockHz uint32) error {
	glog.V(3).Infof("SWJClock(%d)", clockHz)
	args := newCmd(CmdSWJClock)
	binary.Write(args, binary.LittleEndian, clockHz)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *dapClient) SWJSequence(ctx context.Context, numBits int, data []uint8) error {
	glog.V(3).Infof("SWJSequence(%d, %v)", numBits, data)
	if numBits < 1 || numBits > 256 {
		return errors.Errorf("length must be between 1 and 256 (got %d)", numBits)
	}
	args := newCmd(CmdSWJSequence)
	// 256 bits is encoded as 0.
	args.WriteByte(uint8(numBits))
	args.Write(data)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *dapClient) SWDConfigure(ctx context.Context, config uint8) error {
	glog.V(3).Infof("SWDConfigure(0x%02x)", config)
	args := newCmd(CmdSWDConfigure)
	args.WriteByte(config)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *dapClient) Close(ctx context.Context) error {
	dapc.ch.OnData(nil)
	dapc.q.Close()
	return nil
}
