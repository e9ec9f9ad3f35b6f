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
	"encoding/binary"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/mbdeploy/cli/flash/common/cortex"
	"github.com/mongoose-os/mbdeploy/common/pagesum"
	"github.com/mongoose-os/mbdeploy/common/uf2"
)

// Executor runs the flash stubs on a halted device.
type Executor struct {
	Dev    Device
	Target *Target
}

func NewExecutor(dev Device, tgt *Target) *Executor {
	return &Executor{Dev: dev, Target: tgt}
}

// RunCode uploads code to addr (if not nil), points the core at pc with the given
// return address, stack and arguments (R0, R1, ...), lets it run and waits for it to halt.
func (e *Executor) RunCode(ctx context.Context, code []uint32, addr, pc, lr, sp uint32, timeout time.Duration, args ...uint32) error {
	if len(args) > 4 {
		return errors.Errorf("too many arguments (%d)", len(args))
	}
	if code != nil {
		if err := e.Dev.WriteMemory(ctx, addr, code); err != nil {
			return errors.Annotatef(err, "failed to upload code")
		}
	}
	cmd := e.Dev.PrepareCommand().Halt()
	for i, arg := range args {
		cmd.WriteCoreRegister(i, arg)
	}
	cmd.WriteCoreRegister(cortex.SP, sp).
		WriteCoreRegister(cortex.LR, lr).
		WriteCoreRegister(cortex.PC, pc).
		Go()
	if err := e.Dev.Submit(ctx, cmd); err != nil {
		return errors.Annotatef(err, "failed to start code @ 0x%08x", pc)
	}
	return errors.Annotatef(e.Dev.WaitForHalt(ctx, timeout), "code @ 0x%08x", pc)
}

// ReadChecksums runs the checksum routine over all of flash and returns the table it produced.
// The routine overwrites the page writer, LoadPageWriter must be called again afterwards.
func (e *Executor) ReadChecksums(ctx context.Context, timeout time.Duration) (pagesum.Table, error) {
	t := e.Target
	if err := e.RunCode(ctx, computeChecksums2, t.LoadAddr, t.LoadAddr+1, 0xffffffff, t.StackAddr, timeout,
		t.DataAddr, 0, uint32(t.PageSize), uint32(t.NumPages)); err != nil {
		return nil, errors.Annotatef(err, "checksum routine failed")
	}
	words, err := e.Dev.ReadMemory(ctx, t.DataAddr, t.NumPages*2)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read checksums")
	}
	return pagesum.TableFromWords(words), nil
}

// LoadPageWriter uploads the page writer routine.
func (e *Executor) LoadPageWriter(ctx context.Context) error {
	code := e.Target.pageWriter()
	glog.V(3).Infof("Uploading page writer (%d words) @ 0x%08x", len(code), e.Target.LoadAddr)
	return errors.Annotatef(e.Dev.WriteMemory(ctx, e.Target.LoadAddr, code), "failed to upload page writer")
}

// ProgressFunc is called after each page is written.
type ProgressFunc func(done, total int, addr uint32)

// WritePages writes pages using the page writer, which must already be loaded.
// Pages at or above FlashLimit are skipped. While the device writes one page,
// the next one is staged into the other buffer.
func (e *Executor) WritePages(ctx context.Context, pages []*uf2.Block, timeout time.Duration, progress ProgressFunc) (written, skipped int, err error) {
	t := e.Target
	var todo []*uf2.Block
	for _, p := range pages {
		if p.TargetAddr >= t.FlashLimit {
			glog.V(2).Infof("Skipping protected page @ 0x%08x", p.TargetAddr)
			skipped++
			continue
		}
		if int(p.PayloadSize) != t.PageSize || p.TargetAddr%uint32(t.PageSize) != 0 {
			return 0, skipped, errors.Errorf("%s is not a page", p)
		}
		todo = append(todo, p)
	}
	if len(todo) == 0 {
		return 0, skipped, nil
	}
	if err := e.stage(ctx, todo[0], t.StagingBuffer(0)); err != nil {
		return 0, skipped, errors.Trace(err)
	}
	for i, p := range todo {
		buf := t.StagingBuffer(i)
		glog.V(2).Infof("Writing page @ 0x%08x from 0x%08x", p.TargetAddr, buf)
		cmd := e.Dev.PrepareCommand().
			Halt().
			WriteCoreRegister(cortex.PC, t.PageWriterEntry()).
			WriteCoreRegister(cortex.LR, t.ReturnAddr()).
			WriteCoreRegister(cortex.SP, t.StackAddr).
			WriteCoreRegister(0, p.TargetAddr).
			WriteCoreRegister(1, buf).
			Go()
		if err := e.Dev.Submit(ctx, cmd); err != nil {
			return written, skipped, errors.Annotatef(err, "failed to start page write @ 0x%08x", p.TargetAddr)
		}
		if err := e.Dev.DebugEnable(ctx); err != nil {
			return written, skipped, errors.Trace(err)
		}
		if i+1 < len(todo) {
			if err := e.stage(ctx, todo[i+1], t.StagingBuffer(i+1)); err != nil {
				return written, skipped, errors.Trace(err)
			}
		}
		if err := e.Dev.WaitForHalt(ctx, timeout); err != nil {
			return written, skipped, errors.Annotatef(err, "page write @ 0x%08x", p.TargetAddr)
		}
		written++
		if progress != nil {
			progress(written, len(todo), p.TargetAddr)
		}
	}
	return written, skipped, nil
}

func (e *Executor) stage(ctx context.Context, p *uf2.Block, buf uint32) error {
	return errors.Annotatef(e.Dev.WriteMemory(ctx, buf, toWords(p.Data)), "failed to stage page @ 0x%08x", p.TargetAddr)
}

func toWords(data []byte) []uint32 {
	var w uint32
	var dataWords []uint32
	if len(data)%4 != 0 {
		data2 := make([]byte, (len(data)+3)&^3)
		copy(data2, data)
		data = data2
	}
	fb := bytes.NewBuffer(data)
	for binary.Read(fb, binary.LittleEndian, &w) == nil {
		dataWords = append(dataWords, w)
	}
	return dataWords
}
