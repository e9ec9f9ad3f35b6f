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

// Package uf2 reads and writes UF2 firmware containers.
// https://github.com/microsoft/uf2
package uf2

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/juju/errors"
)

const (
	RecordSize     = 512
	MaxPayloadSize = 256
	recordDataSize = 476

	Magic0   = 0x0A324655 // "UF2\n"
	Magic1   = 0x9E5D5157
	MagicEnd = 0x0AB16F30
)

const (
	FlagNotMainFlash    = 0x00000001
	FlagFileContainer   = 0x00001000
	FlagFamilyIDPresent = 0x00002000
)

var ErrMalformedContainer = errors.New("malformed UF2 container")

// Block is one record of a container. Data is exactly PayloadSize bytes long.
type Block struct {
	Flags       uint32
	TargetAddr  uint32
	PayloadSize uint32
	BlockNo     uint32
	NumBlocks   uint32
	// FamilyID if FlagFamilyIDPresent is set, file size if FlagFileContainer is set.
	FamilyID uint32
	Data     []byte
}

// End returns the address just past the block's payload.
func (b *Block) End() uint64 {
	return uint64(b.TargetAddr) + uint64(b.PayloadSize)
}

func (b *Block) String() string {
	return fmt.Sprintf("[%d/%d 0x%08x+%d f=0x%x]", b.BlockNo, b.NumBlocks, b.TargetAddr, b.PayloadSize, b.Flags)
}

type record struct {
	Magic0      uint32
	Magic1      uint32
	Flags       uint32
	TargetAddr  uint32
	PayloadSize uint32
	BlockNo     uint32
	NumBlocks   uint32
	FamilyID    uint32
	Data        [recordDataSize]byte
	MagicEnd    uint32
}

func malformedf(format string, args ...interface{}) error {
	return errors.Annotatef(ErrMalformedContainer, format, args...)
}

// Parse decodes a container. Any invalid record fails the whole parse.
func Parse(data []byte) ([]*Block, error) {
	if len(data) == 0 {
		return nil, malformedf("empty")
	}
	if len(data)%RecordSize != 0 {
		return nil, malformedf("length %d is not a multiple of %d", len(data), RecordSize)
	}
	n := len(data) / RecordSize
	res := make([]*Block, 0, n)
	buf := bytes.NewReader(data)
	for i := 0; i < n; i++ {
		var r record
		if err := binary.Read(buf, binary.LittleEndian, &r); err != nil {
			return nil, malformedf("record %d: %s", i, err)
		}
		if r.Magic0 != Magic0 || r.Magic1 != Magic1 || r.MagicEnd != MagicEnd {
			return nil, malformedf("record %d: bad magic (0x%08x 0x%08x 0x%08x)", i, r.Magic0, r.Magic1, r.MagicEnd)
		}
		if r.PayloadSize > MaxPayloadSize {
			return nil, malformedf("record %d: payload size %d", i, r.PayloadSize)
		}
		if r.NumBlocks == 0 || r.BlockNo >= r.NumBlocks {
			return nil, malformedf("record %d: block %d of %d", i, r.BlockNo, r.NumBlocks)
		}
		if i > 0 && r.NumBlocks != res[0].NumBlocks {
			return nil, malformedf("record %d: total blocks %d, expected %d", i, r.NumBlocks, res[0].NumBlocks)
		}
		b := &Block{
			Flags:       r.Flags,
			TargetAddr:  r.TargetAddr,
			PayloadSize: r.PayloadSize,
			BlockNo:     r.BlockNo,
			NumBlocks:   r.NumBlocks,
			FamilyID:    r.FamilyID,
			Data:        make([]byte, r.PayloadSize),
		}
		copy(b.Data, r.Data[:r.PayloadSize])
		res = append(res, b)
	}
	return res, nil
}

// Serialize encodes blocks into a container. Block numbers are reassigned in order.
func Serialize(blocks []*Block) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(blocks) * RecordSize)
	for i, b := range blocks {
		if b.PayloadSize > MaxPayloadSize || int(b.PayloadSize) != len(b.Data) {
			return nil, errors.Errorf("block %d: invalid payload (size %d, %d bytes)", i, b.PayloadSize, len(b.Data))
		}
		r := record{
			Magic0:      Magic0,
			Magic1:      Magic1,
			Flags:       b.Flags,
			TargetAddr:  b.TargetAddr,
			PayloadSize: b.PayloadSize,
			BlockNo:     uint32(i),
			NumBlocks:   uint32(len(blocks)),
			FamilyID:    b.FamilyID,
			MagicEnd:    MagicEnd,
		}
		copy(r.Data[:], b.Data)
		binary.Write(&buf, binary.LittleEndian, &r)
	}
	return buf.Bytes(), nil
}

// MainFlash returns the blocks that are meant to be written to main flash.
func MainFlash(blocks []*Block) []*Block {
	var res []*Block
	for _, b := range blocks {
		if b.Flags&FlagNotMainFlash == 0 {
			res = append(res, b)
		}
	}
	return res
}
