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

// Package pagesum computes flash page fingerprints and compares them with a table produced on the device.
// The fingerprint must stay bit-exact with the on-device checksum routine.
package pagesum

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/juju/errors"

	"github.com/mongoose-os/mbdeploy/common/uf2"
)

const (
	seed0 = 0x2F9BE6CC
	seed1 = 0x1EC3A6C8

	c1 = 0xcc9e2d51
	c2 = 0x1b873593
	c3 = 0xe6546b64

	// EntrySize is the size of one table entry: h0 and h1, little-endian.
	EntrySize = 8
)

type Sum struct {
	H0, H1 uint32
}

func (s Sum) String() string {
	return fmt.Sprintf("%08x%08x", s.H0, s.H1)
}

// Fingerprint hashes data as a sequence of little-endian words. A trailing partial word is zero-padded.
func Fingerprint(data []byte) Sum {
	h0, h1 := uint32(seed0), uint32(seed1)
	for i := 0; i < len(data); i += 4 {
		var k uint32
		if i+4 <= len(data) {
			k = binary.LittleEndian.Uint32(data[i:])
		} else {
			var w [4]byte
			copy(w[:], data[i:])
			k = binary.LittleEndian.Uint32(w[:])
		}
		k *= c1
		k = bits.RotateLeft32(k, 15)
		k *= c2

		h0 ^= k
		h1 ^= k
		h0 = bits.RotateLeft32(h0, 13)
		h1 = bits.RotateLeft32(h1, 13)
		h0 = h0*5 + c3
		h1 = h1*5 + c3
	}
	return Sum{H0: h0, H1: h1}
}

// Table is a checksum table as read from the device, indexed by page number.
type Table []byte

// TableFromWords builds a table from words read from device memory (h0, h1 per page).
func TableFromWords(words []uint32) Table {
	t := make(Table, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(t[i*4:], w)
	}
	return t
}

// Len returns the number of complete entries in the table.
func (t Table) Len() int {
	return len(t) / EntrySize
}

// Entry returns the sum for page idx, false if idx is out of range.
func (t Table) Entry(idx int) (Sum, bool) {
	if idx < 0 || idx*EntrySize+EntrySize > len(t) {
		return Sum{}, false
	}
	return Sum{
		H0: binary.LittleEndian.Uint32(t[idx*EntrySize:]),
		H1: binary.LittleEndian.Uint32(t[idx*EntrySize+4:]),
	}, true
}

// OnlyChanged returns the pages whose fingerprint differs from the table entry for their index.
// Pages beyond the end of the table are considered changed. Order is preserved.
func OnlyChanged(pages []*uf2.Block, table Table, pageSize int) ([]*uf2.Block, error) {
	if pageSize <= 0 {
		return nil, errors.Errorf("invalid page size %d", pageSize)
	}
	var res []*uf2.Block
	for _, p := range pages {
		if p.TargetAddr%uint32(pageSize) != 0 {
			return nil, errors.Errorf("page %s is not aligned to %d", p, pageSize)
		}
		if len(p.Data) != pageSize {
			return nil, errors.Errorf("page %s has %d bytes, expected %d", p, len(p.Data), pageSize)
		}
		idx := int(p.TargetAddr / uint32(pageSize))
		if s, ok := table.Entry(idx); ok && s == Fingerprint(p.Data) {
			continue
		}
		res = append(res, p)
	}
	return res, nil
}
