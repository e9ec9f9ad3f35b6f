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
	"github.com/juju/errors"
)

// PageAlign merges blocks into pageSize-long, page-aligned blocks.
// Input must be sorted by address and non-overlapping. Gaps are zero-filled.
// Each output block owns its data.
func PageAlign(blocks []*Block, pageSize int) ([]*Block, error) {
	if pageSize <= 0 || pageSize%256 != 0 {
		return nil, errors.Errorf("page size must be a positive multiple of 256, got %d", pageSize)
	}
	for i := 1; i < len(blocks); i++ {
		if uint64(blocks[i].TargetAddr) < blocks[i-1].End() {
			return nil, errors.Errorf("block %s overlaps or precedes %s", blocks[i], blocks[i-1])
		}
	}
	ps := uint32(pageSize)
	var res []*Block
	for i := 0; i < len(blocks); {
		b0 := blocks[i]
		pageStart := b0.TargetAddr &^ (ps - 1)
		pageEnd := uint64(pageStart) + uint64(ps)
		buf := make([]byte, pageSize)
		start := i
		for ; i < len(blocks); i++ {
			b := blocks[i]
			if b.End() > pageEnd {
				break
			}
			copy(buf[b.TargetAddr-pageStart:], b.Data[:b.PayloadSize])
		}
		if i == start {
			return nil, errors.Errorf("block %s does not fit into a %d byte page", b0, pageSize)
		}
		page := *b0
		page.TargetAddr = pageStart
		page.PayloadSize = ps
		page.Data = buf
		res = append(res, &page)
	}
	return res, nil
}
