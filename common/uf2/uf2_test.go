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
package uf2

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/juju/errors"
)

func mkBlock(addr uint32, size int, fill byte) *Block {
	data := make([]byte, size)
	for i := range data {
		data[i] = fill + byte(i)
	}
	return &Block{TargetAddr: addr, PayloadSize: uint32(size), Data: data}
}

func sameBlocks(t *testing.T, got, want []*Block) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got: %d blocks, want: %d", len(got), len(want))
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.TargetAddr != w.TargetAddr || g.PayloadSize != w.PayloadSize || g.Flags != w.Flags ||
			g.FamilyID != w.FamilyID || !bytes.Equal(g.Data, w.Data) {
			t.Errorf("block %d: got: %s, want: %s", i, g, w)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	blocks := []*Block{
		mkBlock(0x0, 256, 1),
		mkBlock(0x100, 256, 2),
		mkBlock(0x18000, 17, 3),
		{Flags: FlagNotMainFlash, TargetAddr: 0x10001014, PayloadSize: 4, Data: []byte{0, 0xc0, 3, 0}},
	}
	x, err := Serialize(blocks)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(x), 4*RecordSize; got != want {
		t.Fatalf("got: %d bytes, want: %d", got, want)
	}
	p1, err := Parse(x)
	if err != nil {
		t.Fatal(err)
	}
	sameBlocks(t, p1, blocks)
	for i, b := range p1 {
		if b.BlockNo != uint32(i) || b.NumBlocks != 4 {
			t.Errorf("block %d: got: %d/%d", i, b.BlockNo, b.NumBlocks)
		}
	}
	x2, err := Serialize(p1)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := Parse(x2)
	if err != nil {
		t.Fatal(err)
	}
	sameBlocks(t, p2, p1)
	if got, want := len(MainFlash(p2)), 3; got != want {
		t.Errorf("got: %d main flash blocks, want: %d", got, want)
	}
}

func TestParseMalformed(t *testing.T) {
	good, err := Serialize([]*Block{mkBlock(0, 256, 0), mkBlock(0x100, 256, 0)})
	if err != nil {
		t.Fatal(err)
	}
	corrupt := func(off int, v uint32) []byte {
		d := append([]byte(nil), good...)
		binary.LittleEndian.PutUint32(d[off:], v)
		return d
	}
	for i, c := range []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", good[:RecordSize-1]},
		{"magic0", corrupt(0, 0)},
		{"magic1", corrupt(RecordSize+4, 0)},
		{"magicEnd", corrupt(RecordSize-4, 0)},
		{"payload", corrupt(16, 257)},
		{"blockNo", corrupt(20, 2)},
		{"numBlocks", corrupt(RecordSize+24, 3)},
	} {
		blocks, err := Parse(c.data)
		if errors.Cause(err) != ErrMalformedContainer {
			t.Errorf("%d %s: got: %v, want: %v", i, c.name, err, ErrMalformedContainer)
		}
		if blocks != nil {
			t.Errorf("%d %s: partial result", i, c.name)
		}
	}
}

func TestPageAlign(t *testing.T) {
	blocks := []*Block{
		mkBlock(0x100, 256, 1),
		mkBlock(0x300, 256, 2),
		mkBlock(0x400, 256, 3),
		mkBlock(0x1010, 32, 4),
	}
	pages, err := PageAlign(blocks, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(pages), 3; got != want {
		t.Fatalf("got: %d pages, want: %d", got, want)
	}
	for i, want := range []uint32{0, 0x400, 0x1000} {
		if pages[i].TargetAddr != want || len(pages[i].Data) != 1024 || pages[i].PayloadSize != 1024 {
			t.Errorf("page %d: got: %s", i, pages[i])
		}
	}
	if !bytes.Equal(pages[0].Data[:0x100], make([]byte, 0x100)) {
		t.Errorf("gap not zero-filled")
	}
	if !bytes.Equal(pages[0].Data[0x100:0x200], blocks[0].Data) {
		t.Errorf("block 0 data mismatch")
	}
	// Pages own their buffers.
	pages[0].Data[0x100] = 0xff
	if blocks[0].Data[0] == 0xff {
		t.Errorf("page shares data with its source block")
	}
}

func TestPageAlignErrors(t *testing.T) {
	if _, err := PageAlign(nil, 1000); err == nil {
		t.Errorf("expected page size error")
	}
	if _, err := PageAlign([]*Block{mkBlock(0x400, 16, 0), mkBlock(0x100, 16, 0)}, 1024); err == nil {
		t.Errorf("expected ordering error")
	}
	if _, err := PageAlign([]*Block{mkBlock(0x100, 16, 0), mkBlock(0x108, 16, 0)}, 1024); err == nil {
		t.Errorf("expected overlap error")
	}
	if _, err := PageAlign([]*Block{mkBlock(0x3f0, 32, 0)}, 1024); err == nil {
		t.Errorf("expected straddling block error")
	}
}

// Every byte covered by an input block ends up at the same address in exactly one page,
// everything else is zero.
func TestPageAlignCompleteness(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	for iter := 0; iter < 50; iter++ {
		var blocks []*Block
		covered := map[uint32]byte{}
		addr := uint32(rnd.Intn(8)) * 256
		for n := rnd.Intn(20) + 1; n > 0; n-- {
			size := 256
			if rnd.Intn(3) == 0 {
				size = rnd.Intn(256) + 1
			}
			b := mkBlock(addr, size, byte(rnd.Intn(256)))
			blocks = append(blocks, b)
			for i, v := range b.Data {
				covered[addr+uint32(i)] = v
			}
			addr += 256 * uint32(rnd.Intn(5)+1)
		}
		pages, err := PageAlign(blocks, 1024)
		if err != nil {
			t.Fatalf("%d: %s", iter, err)
		}
		seen := map[uint32]bool{}
		for _, p := range pages {
			if p.TargetAddr%1024 != 0 || len(p.Data) != 1024 {
				t.Fatalf("%d: bad page %s", iter, p)
			}
			for i, v := range p.Data {
				a := p.TargetAddr + uint32(i)
				if seen[a] {
					t.Fatalf("%d: address 0x%x in two pages", iter, a)
				}
				seen[a] = true
				if want := covered[a]; v != want {
					t.Fatalf("%d: 0x%x: got: 0x%02x, want: 0x%02x", iter, a, v, want)
				}
			}
		}
		for a := range covered {
			if !seen[a] {
				t.Fatalf("%d: 0x%x not in any page", iter, a)
			}
		}
	}
}

func TestHexConversion(t *testing.T) {
	blocks := []*Block{
		mkBlock(0x0, 256, 1),
		mkBlock(0x100, 256, 2),
		mkBlock(0x18000, 256, 3),
	}
	var hex bytes.Buffer
	if err := ToHex(&hex, blocks); err != nil {
		t.Fatal(err)
	}
	x, err := FromHex(hex.String(), 0x1D5A5B6C)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := Parse(x)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range blocks {
		b.Flags = FlagFamilyIDPresent
		b.FamilyID = 0x1D5A5B6C
	}
	sameBlocks(t, parsed, blocks)
}

func TestHexPartialChunk(t *testing.T) {
	// 4 bytes at 0x104: 01 02 03 04.
	x, err := FromHex(":0401040001020304ED\n:00000001FF\n", 0)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := Parse(x)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed) != 1 || parsed[0].TargetAddr != 0x100 || parsed[0].PayloadSize != 256 {
		t.Fatalf("got: %v", parsed)
	}
	want := make([]byte, 256)
	copy(want[4:], []byte{1, 2, 3, 4})
	if !bytes.Equal(parsed[0].Data, want) {
		t.Errorf("got: %x, want: %x", parsed[0].Data, want)
	}
	if _, err := FromHex(":zz\n", 0); errors.Cause(err) != ErrMalformedContainer {
		t.Errorf("got: %v, want: %v", err, ErrMalformedContainer)
	}
}
