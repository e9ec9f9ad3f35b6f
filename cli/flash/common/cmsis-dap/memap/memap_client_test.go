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
package memap_test

import (
	"context"
	"testing"

	"github.com/mongoose-os/mbdeploy/cli/flash/common/cmsis-dap/daptest"
)

func TestMemAcrossWindows(t *testing.T) {
	ctx := context.Background()
	p := daptest.NewProbe()
	_, mapc, err := daptest.Attach(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	// Starts 16 bytes before a 1 KiB boundary and spans two more.
	addr := uint32(0x200003f0)
	data := make([]uint32, 600)
	for i := range data {
		data[i] = uint32(i)*0x01010101 + 7
	}
	if err := mapc.WriteTargetMem(ctx, addr, data); err != nil {
		t.Fatal(err)
	}
	for _, i := range []int{0, 3, 4, 259, 260, 599} {
		if got, want := p.Word(addr+uint32(i*4)), data[i]; got != want {
			t.Errorf("word %d: got: 0x%08x, want: 0x%08x", i, got, want)
		}
	}
	res, err := mapc.ReadTargetMem(ctx, addr, len(data))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(res), len(data); got != want {
		t.Fatalf("got: %d words, want: %d", got, want)
	}
	for i := range data {
		if res[i] != data[i] {
			t.Fatalf("word %d: got: 0x%08x, want: 0x%08x", i, res[i], data[i])
		}
	}
	if _, err := mapc.ReadTargetMem(ctx, addr+2, 1); err == nil {
		t.Errorf("expected alignment error")
	}
}

func TestBatch(t *testing.T) {
	ctx := context.Background()
	p := daptest.NewProbe()
	_, mapc, err := daptest.Attach(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	p.SetWord(0x20000100, 0xcafe)
	b := mapc.NewBatch()
	for i := uint32(0); i < 20; i++ {
		b.WriteTargetReg(0x20000000+i*4, i+1)
	}
	b.ReadTargetReg(0x20000100)
	if got, want := b.Len(), 42; got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
	res, err := b.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0] != 0xcafe {
		t.Errorf("got: %x, want: [cafe]", res)
	}
	for i := uint32(0); i < 20; i++ {
		if got, want := p.Word(0x20000000+i*4), i+1; got != want {
			t.Errorf("%d: got: %d, want: %d", i, got, want)
		}
	}
	// A plain register access after a batch still lands on the same AP bank.
	v, err := mapc.ReadTargetReg(ctx, 0x20000004)
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Errorf("got: %d, want: 2", v)
	}
}
