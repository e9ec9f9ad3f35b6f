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

// Package daptest provides an in-memory CMSIS-DAP probe attached to an emulated Cortex-M target.
// The core does not execute code; instead, a hook is invoked every time the core is let run.
package daptest

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/mbdeploy/cli/flash/common/cmsis-dap/dap"
	"github.com/mongoose-os/mbdeploy/cli/flash/common/cortex"
	"github.com/mongoose-os/mbdeploy/cli/flash/common/transport"
)

const (
	DefaultPacketSize = 64

	IDR       = 0x0BB11477
	APIDR     = 0x04770021
	CPUID     = 0x410CC200
	cswDevEn  = 0x40
	dhcsrKey  = 0xA05F0000
	aircrKey  = 0x05FA0000
	statFault = 0x04
)

// Core is the emulated CPU state visible to run hooks.
type Core struct {
	Regs [0x13]uint32
	Mem  map[uint32]uint32
}

// Word returns the word at addr, 0 if it has never been written.
func (c *Core) Word(addr uint32) uint32 {
	return c.Mem[addr&^3]
}

func (c *Core) SetWord(addr, value uint32) {
	c.Mem[addr&^3] = value
}

// ReadBytes returns n bytes starting at word-aligned addr.
func (c *Core) ReadBytes(addr uint32, n int) []byte {
	res := make([]byte, (n+3)&^3)
	for i := 0; i < len(res); i += 4 {
		binary.LittleEndian.PutUint32(res[i:], c.Word(addr+uint32(i)))
	}
	return res[:n]
}

// WriteBytes stores data at word-aligned addr. A trailing partial word is zero-padded.
func (c *Core) WriteBytes(addr uint32, data []byte) {
	for i := 0; i < len(data); i += 4 {
		var w [4]byte
		copy(w[:], data[i:])
		c.SetWord(addr+uint32(i), binary.LittleEndian.Uint32(w[:]))
	}
}

// RunFunc is called when the core is let run. It returns true if the core halted again
// (e.g. hit a breakpoint) and false if it keeps running.
type RunFunc func(c *Core) bool

// Probe implements transport.PacketChannel.
type Probe struct {
	PacketSize int

	mu   sync.Mutex
	cb   func(data []byte)
	core Core

	onRun      RunFunc
	connected  bool
	closed     bool
	sendErr    error
	failResets int
	// Transfer requests executed, and how many to execute before the next WAIT (0: never).
	transferReqs int
	waitAfter    int

	ctrlStat uint32
	sel      uint32
	csw      uint32
	tar      uint32

	dhcsrCtl uint32
	dcrdr    uint32
	demcr    uint32
	halted   bool
	pending  bool

	runs       int
	resets     int
	reconnects int
	packets    int
}

func NewProbe() *Probe {
	return &Probe{
		PacketSize: DefaultPacketSize,
		core:       Core{Mem: map[uint32]uint32{}},
	}
}

// OnRun sets the hook invoked every time the core is resumed.
func (p *Probe) OnRun(f RunFunc) {
	p.mu.Lock()
	p.onRun = f
	p.mu.Unlock()
}

// FailResets makes the next n system reset requests fail with a FAULT response.
func (p *Probe) FailResets(n int) {
	p.mu.Lock()
	p.failResets = n
	p.mu.Unlock()
}

// WaitAfter makes the next Transfer command stop with a WAIT response after n requests.
func (p *Probe) WaitAfter(n int) {
	p.mu.Lock()
	p.waitAfter = n + 1
	p.mu.Unlock()
}

// TransferRequests returns the number of Transfer requests executed so far.
func (p *Probe) TransferRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transferReqs
}

// FailSends makes every subsequent SendPacket return err (nil to stop).
func (p *Probe) FailSends(err error) {
	p.mu.Lock()
	p.sendErr = err
	p.mu.Unlock()
}

func (p *Probe) WriteMem(addr uint32, data []byte) {
	p.mu.Lock()
	p.core.WriteBytes(addr, data)
	p.mu.Unlock()
}

func (p *Probe) ReadMem(addr uint32, n int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.core.ReadBytes(addr, n)
}

func (p *Probe) SetWord(addr, value uint32) {
	p.mu.Lock()
	p.core.SetWord(addr, value)
	p.mu.Unlock()
}

func (p *Probe) Word(addr uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.core.Word(addr)
}

func (p *Probe) Reg(reg int) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.core.Regs[reg]
}

func (p *Probe) Halted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

// DebugEnabled reports whether C_DEBUGEN is set in DHCSR.
func (p *Probe) DebugEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dhcsrCtl&cortex.DHCSR_C_DEBUGEN != 0
}

// Runs returns the number of times the core was resumed.
func (p *Probe) Runs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs
}

// Resets returns the number of system resets performed.
func (p *Probe) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

func (p *Probe) Reconnects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reconnects
}

func (p *Probe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Probe) SendPacket(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	p.mu.Lock()
	if p.sendErr != nil {
		err := p.sendErr
		p.mu.Unlock()
		return err
	}
	if p.closed {
		p.mu.Unlock()
		return transport.NewErrorf(transport.KindDisconnected, "probe is closed")
	}
	if len(data) == 0 || len(data) > p.PacketSize {
		p.mu.Unlock()
		return errors.Errorf("invalid packet length %d", len(data))
	}
	p.packets++
	resp := p.handleLocked(data)
	cb := p.cb
	p.mu.Unlock()
	if resp != nil && cb != nil {
		cb(resp)
	}
	return nil
}

func (p *Probe) OnData(cb func(data []byte)) {
	p.mu.Lock()
	p.cb = cb
	p.mu.Unlock()
}

func (p *Probe) Reconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.reconnects++
	p.closed = false
	p.connected = false
	return nil
}

func (p *Probe) Disconnect() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *Probe) MaxPacketSize() int {
	return p.PacketSize
}

func status(cmd dap.Cmd, st uint8) []byte {
	return []byte{uint8(cmd), st}
}

func (p *Probe) handleLocked(req []byte) []byte {
	cmd := dap.Cmd(req[0])
	args := req[1:]
	switch cmd {
	case dap.CmdInfo:
		if len(args) < 1 {
			return nil
		}
		return append([]byte{uint8(cmd)}, p.info(dap.InfoID(args[0]))...)
	case dap.CmdConnect:
		p.connected = true
		return []byte{uint8(cmd), uint8(dap.ConnectModeSWD)}
	case dap.CmdDisconnect:
		p.connected = false
		return status(cmd, 0)
	case dap.CmdSetHostStatus, dap.CmdTransferConfigure, dap.CmdSWJClock,
		dap.CmdSWJSequence, dap.CmdSWDConfigure:
		return status(cmd, 0)
	case dap.CmdTransfer:
		return p.transfer(args)
	case dap.CmdTransferBlock:
		return p.transferBlock(args)
	}
	glog.Errorf("daptest: unsupported command 0x%02x", req[0])
	return []byte{0xff}
}

func (p *Probe) info(id dap.InfoID) []byte {
	str := func(s string) []byte {
		return append([]byte{uint8(len(s))}, s...)
	}
	switch id {
	case dap.InfoVendorID:
		return str("ARM")
	case dap.InfoProductID:
		return str("DAPLink CMSIS-DAP")
	case dap.InfoSerialNumber:
		return str("9900000000000000000000000000000000000000")
	case dap.InfoFirmwareVersion:
		return str("1.0")
	case dap.InfoPacketCount:
		return []byte{1, 1}
	case dap.InfoPacketSize:
		return []byte{2, uint8(p.PacketSize), uint8(p.PacketSize >> 8)}
	}
	return []byte{0}
}

func (p *Probe) transfer(args []byte) []byte {
	buf := bytes.NewBuffer(args)
	var idx, count uint8
	binary.Read(buf, binary.LittleEndian, &idx)
	binary.Read(buf, binary.LittleEndian, &count)
	var data bytes.Buffer
	done := uint8(0)
	st := uint8(dap.TransferStatusOK)
	for ; done < count; done++ {
		if p.waitAfter > 0 && int(done) == p.waitAfter-1 {
			p.waitAfter = 0
			st = uint8(dap.TransferStatusWait)
			break
		}
		treq, err := buf.ReadByte()
		if err != nil {
			st = statFault
			break
		}
		p.transferReqs++
		ap, read, reg := treq&1 != 0, treq&2 != 0, treq&0xc
		if read {
			v, ok := p.regRead(ap, reg)
			if !ok {
				st = statFault
				break
			}
			binary.Write(&data, binary.LittleEndian, v)
		} else {
			var v uint32
			if binary.Read(buf, binary.LittleEndian, &v) != nil {
				st = statFault
				break
			}
			if !p.regWrite(ap, reg, v) {
				st = statFault
				break
			}
		}
	}
	return append([]byte{uint8(dap.CmdTransfer), done, st}, data.Bytes()...)
}

func (p *Probe) transferBlock(args []byte) []byte {
	buf := bytes.NewBuffer(args)
	var idx, treq uint8
	var count uint16
	binary.Read(buf, binary.LittleEndian, &idx)
	binary.Read(buf, binary.LittleEndian, &count)
	binary.Read(buf, binary.LittleEndian, &treq)
	ap, read, reg := treq&1 != 0, treq&2 != 0, treq&0xc
	var data bytes.Buffer
	done := uint16(0)
	st := uint8(dap.TransferStatusOK)
	for ; done < count; done++ {
		if read {
			v, ok := p.regRead(ap, reg)
			if !ok {
				st = statFault
				break
			}
			binary.Write(&data, binary.LittleEndian, v)
		} else {
			var v uint32
			if binary.Read(buf, binary.LittleEndian, &v) != nil || !p.regWrite(ap, reg, v) {
				st = statFault
				break
			}
		}
	}
	resp := []byte{uint8(dap.CmdTransferBlock), uint8(done), uint8(done >> 8), st}
	return append(resp, data.Bytes()...)
}

func (p *Probe) regRead(ap bool, reg uint8) (uint32, bool) {
	if !p.connected {
		return 0, false
	}
	if !ap {
		switch reg {
		case 0x0:
			return IDR, true
		case 0x4:
			// Every request bit is acknowledged immediately.
			return p.ctrlStat | (p.ctrlStat&0x54000000)<<1, true
		case 0x8:
			return p.sel, true
		}
		return 0, true
	}
	if p.sel>>24 != 0 {
		return 0, false
	}
	switch (p.sel & 0xf0) | uint32(reg) {
	case 0x00:
		return p.csw | cswDevEn, true
	case 0x04:
		return p.tar, true
	case 0x0c:
		v := p.busRead(p.tar)
		p.incTAR()
		return v, true
	case 0xfc:
		return APIDR, true
	}
	return 0, true
}

func (p *Probe) regWrite(ap bool, reg uint8, v uint32) bool {
	if !p.connected {
		return false
	}
	if !ap {
		switch reg {
		case 0x4:
			p.ctrlStat = v
		case 0x8:
			p.sel = v
		}
		return true
	}
	if p.sel>>24 != 0 {
		return false
	}
	switch (p.sel & 0xf0) | uint32(reg) {
	case 0x00:
		p.csw = v
	case 0x04:
		p.tar = v
	case 0x0c:
		if !p.busWrite(p.tar, v) {
			return false
		}
		p.incTAR()
	}
	return true
}

// incTAR mimics auto-increment, which wraps within a 1 KiB window.
func (p *Probe) incTAR() {
	p.tar = (p.tar &^ 0x3ff) | ((p.tar + 4) & 0x3ff)
}

func (p *Probe) completeRun() {
	if !p.pending {
		return
	}
	p.pending = false
	if p.onRun != nil && p.onRun(&p.core) {
		p.halted = true
	}
}

func (p *Probe) busRead(addr uint32) uint32 {
	switch addr {
	case cortex.RegDHCSR:
		p.completeRun()
		v := p.dhcsrCtl | cortex.DHCSR_S_REGRDY
		if p.halted {
			v |= cortex.DHCSR_S_HALT
		}
		return v
	case cortex.RegDCRDR:
		return p.dcrdr
	case cortex.RegDEMCR:
		return p.demcr
	case cortex.RegCPUID:
		return CPUID
	case cortex.RegPID0:
		return 0
	}
	return p.core.Word(addr)
}

func (p *Probe) busWrite(addr, v uint32) bool {
	switch addr {
	case cortex.RegDHCSR:
		if v&0xffff0000 != dhcsrKey {
			return true
		}
		p.dhcsrCtl = v & (cortex.DHCSR_C_DEBUGEN | cortex.DHCSR_C_HALT)
		if v&cortex.DHCSR_C_HALT != 0 {
			p.completeRun()
			p.halted = true
			p.pending = false
		} else if p.halted {
			p.halted = false
			p.pending = true
			p.runs++
		}
	case cortex.RegDCRSR:
		reg := int(v & 0x7f)
		if reg < len(p.core.Regs) {
			if v&cortex.DCRSR_REGWnR != 0 {
				p.core.Regs[reg] = p.dcrdr
			} else {
				p.dcrdr = p.core.Regs[reg]
			}
		}
	case cortex.RegDCRDR:
		p.dcrdr = v
	case cortex.RegDEMCR:
		p.demcr = v
	case cortex.RegAIRCR:
		if v != aircrKey|cortex.AIRCR_SYSRESETREQ {
			return true
		}
		if p.failResets > 0 {
			p.failResets--
			return false
		}
		p.resets++
		p.pending = false
		p.core.Regs = [0x13]uint32{}
		p.halted = p.demcr&cortex.DEMCR_VC_CORERESET != 0 && p.dhcsrCtl&cortex.DHCSR_C_DEBUGEN != 0
	default:
		p.core.SetWord(addr, v)
	}
	return true
}
