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
	"io"
	"sort"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/marcinbor85/gohex"
)

// HexToBlocks converts Intel HEX text into MaxPayloadSize-long blocks aligned on MaxPayloadSize.
// Bytes of a block not covered by the HEX file are zero.
func HexToBlocks(text string, familyID uint32) ([]*Block, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(strings.NewReader(text)); err != nil {
		return nil, errors.Wrapf(err, ErrMalformedContainer, "invalid hex: %s", err)
	}
	chunks := map[uint32][]byte{}
	for _, seg := range mem.GetDataSegments() {
		addr := seg.Address
		data := seg.Data
		for len(data) > 0 {
			base := addr &^ (MaxPayloadSize - 1)
			off := addr - base
			chunk := chunks[base]
			if chunk == nil {
				chunk = make([]byte, MaxPayloadSize)
				chunks[base] = chunk
			}
			n := copy(chunk[off:], data)
			data = data[n:]
			addr += uint32(n)
		}
	}
	bases := make([]uint32, 0, len(chunks))
	for base := range chunks {
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	var flags uint32
	if familyID != 0 {
		flags |= FlagFamilyIDPresent
	}
	res := make([]*Block, 0, len(bases))
	for i, base := range bases {
		res = append(res, &Block{
			Flags:       flags,
			TargetAddr:  base,
			PayloadSize: MaxPayloadSize,
			BlockNo:     uint32(i),
			NumBlocks:   uint32(len(bases)),
			FamilyID:    familyID,
			Data:        chunks[base],
		})
	}
	glog.V(2).Infof("hex: %d segments, %d blocks", len(mem.GetDataSegments()), len(res))
	return res, nil
}

// FromHex converts Intel HEX text into container bytes.
func FromHex(text string, familyID uint32) ([]byte, error) {
	blocks, err := HexToBlocks(text, familyID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(blocks) == 0 {
		return nil, errors.Annotatef(ErrMalformedContainer, "hex file contains no data")
	}
	return Serialize(blocks)
}

// ToHex writes the payloads of blocks as Intel HEX.
func ToHex(w io.Writer, blocks []*Block) error {
	mem := gohex.NewMemory()
	for _, b := range blocks {
		if err := mem.AddBinary(b.TargetAddr, b.Data[:b.PayloadSize]); err != nil {
			return errors.Annotatef(err, "block %s", b)
		}
	}
	return errors.Trace(mem.DumpIntelHex(w, 16))
}
