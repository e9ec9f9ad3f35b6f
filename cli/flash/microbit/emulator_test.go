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
	"testing"

	"github.com/mongoose-os/mbdeploy/cli/flash/common/cmsis-dap/daptest"
	"github.com/mongoose-os/mbdeploy/cli/flash/common/cortex"
	"github.com/mongoose-os/mbdeploy/cli/flash/common/transport"
	"github.com/mongoose-os/mbdeploy/common/pagesum"
	"github.com/mongoose-os/mbdeploy/common/uf2"
)

// board is a micro:bit emulated on top of daptest.Probe.
// Stubs are recognized by their entry point and checked to be uploaded where they belong.
type board struct {
	*daptest.Probe
	tgt *Target

	// Set to make the page writer never return.
	hangPageWrites bool

	checksumRuns int
	pageWrites   []uint32
	strayRuns    int
}

func newBoard(tgt *Target, prepared bool) *board {
	b := &board{Probe: daptest.NewProbe(), tgt: tgt}
	if prepared {
		b.SetWord(tgt.UICRCheckAddr, tgt.UICRMagic)
	}
	b.OnRun(b.run)
	return b
}

func loaded(c *daptest.Core, addr uint32, code []uint32) bool {
	for i, w := range code {
		if c.Word(addr+uint32(i*4)) != w {
			return false
		}
	}
	return true
}

// run is called with the probe locked, it must only touch c.
func (b *board) run(c *daptest.Core) bool {
	t := b.tgt
	switch pc := c.Regs[cortex.PC]; {
	case pc == t.PageWriterEntry() && loaded(c, t.LoadAddr, t.pageWriter()):
		if c.Regs[cortex.LR] != t.ReturnAddr() {
			b.strayRuns++
			return false
		}
		dst, src := c.Regs[0], c.Regs[1]
		b.pageWrites = append(b.pageWrites, dst)
		if b.hangPageWrites {
			return false
		}
		c.WriteBytes(dst, c.ReadBytes(src, t.PageSize))
		return true
	case pc == t.LoadAddr+1 && loaded(c, t.LoadAddr, computeChecksums2):
		b.checksumRuns++
		dst, ptr, pageSize, numPages := c.Regs[0], c.Regs[1], c.Regs[2], c.Regs[3]
		for i := uint32(0); i < numPages; i++ {
			s := pagesum.Fingerprint(c.ReadBytes(ptr+i*pageSize, int(pageSize)))
			c.SetWord(dst+i*8, s.H0)
			c.SetWord(dst+i*8+4, s.H1)
		}
		return true
	}
	b.strayRuns++
	return false
}

// probeProvider hands out the same probe, re-opening it after a disconnect.
type probeProvider struct {
	b     *board
	err   error
	calls int
}

func (pp *probeProvider) CreateOrReuse(ctx context.Context) (transport.PacketChannel, error) {
	pp.calls++
	if pp.err != nil {
		return nil, pp.err
	}
	if pp.b.Closed() {
		if err := pp.b.Reconnect(ctx); err != nil {
			return nil, err
		}
	}
	return pp.b, nil
}

type savedArtifacts struct {
	saved []*CompileResult
	err   error
}

func (sa *savedArtifacts) SaveArtifact(ctx context.Context, res *CompileResult) error {
	sa.saved = append(sa.saved, res)
	return sa.err
}

func fill(n int, seed byte) []byte {
	res := make([]byte, n)
	for i := range res {
		res[i] = seed + byte(i*7)
	}
	return res
}

func hexImage(t *testing.T, blocks ...*uf2.Block) *CompileResult {
	t.Helper()
	var buf bytes.Buffer
	if err := uf2.ToHex(&buf, blocks); err != nil {
		t.Fatal(err)
	}
	return &CompileResult{Outfiles: map[string]string{ImageFileName: buf.String()}}
}

func page(addr uint32, data []byte) *uf2.Block {
	return &uf2.Block{TargetAddr: addr, PayloadSize: uint32(len(data)), Data: data}
}
