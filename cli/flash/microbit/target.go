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
	"io/ioutil"

	"github.com/juju/errors"
	yaml "gopkg.in/yaml.v2"
)

// Target is the memory map the flashing stubs are built for.
// These addresses must match the device exactly.
type Target struct {
	Name string `yaml:"name,omitempty"`
	// Where stubs are uploaded.
	LoadAddr uint32 `yaml:"load_addr"`
	// First of the two page staging buffers, the second one follows immediately.
	DataAddr  uint32 `yaml:"data_addr"`
	StackAddr uint32 `yaml:"stack_addr"`
	// A word that holds UICRMagic on devices prepared for in-place updates.
	UICRCheckAddr uint32 `yaml:"uicr_check_addr"`
	UICRMagic     uint32 `yaml:"uicr_magic"`
	PageSize      int    `yaml:"page_size"`
	NumPages      int    `yaml:"num_pages"`
	// Pages at or above this address are never written.
	FlashLimit uint32 `yaml:"flash_limit"`
	// Use the page writer that skips pages whose contents already match.
	QuickPageWrite bool `yaml:"quick_page_write,omitempty"`
	// UF2 family of containers built for this target.
	FamilyID uint32 `yaml:"family_id,omitempty"`
}

// Microbit is the BBC micro:bit v1 (nRF51822).
var Microbit = Target{
	Name:          "micro:bit",
	LoadAddr:      0x20000000,
	DataAddr:      0x20002000,
	StackAddr:     0x20001000,
	UICRCheckAddr: 0x10001014,
	UICRMagic:     0x3C000,
	PageSize:      1024,
	NumPages:      256,
	FlashLimit:    0x10000000,
	FamilyID:      0x1B57745F,
}

// PageWriterEntry is the Thumb entry point of the page writer.
func (t *Target) PageWriterEntry() uint32 {
	return t.LoadAddr + pageWriterEntryOffset + 1
}

// ReturnAddr is where stubs return to: a breakpoint at the start of the load area.
func (t *Target) ReturnAddr() uint32 {
	return t.LoadAddr + 1
}

// StagingBuffer returns the address of staging buffer i (0 or 1).
func (t *Target) StagingBuffer(i int) uint32 {
	return t.DataAddr + uint32((i&1)*t.PageSize)
}

func (t *Target) pageWriter() []uint32 {
	if t.QuickPageWrite {
		return flashPageBINquick
	}
	return flashPageBIN
}

func overlaps(a, aLen, b, bLen uint32) bool {
	return uint64(a) < uint64(b)+uint64(bLen) && uint64(b) < uint64(a)+uint64(aLen)
}

// Validate checks that the memory map is usable by the stubs.
func (t *Target) Validate() error {
	if t.PageSize <= 0 || t.PageSize%256 != 0 {
		return errors.NotValidf("page size %d (must be a multiple of 256)", t.PageSize)
	}
	if t.NumPages <= 0 {
		return errors.NotValidf("number of pages %d", t.NumPages)
	}
	for _, a := range []uint32{t.LoadAddr, t.DataAddr, t.StackAddr, t.UICRCheckAddr} {
		if a%4 != 0 {
			return errors.NotValidf("address 0x%08x (must be word-aligned)", a)
		}
	}
	stubLen := uint32(len(computeChecksums2) * 4)
	if l := uint32(len(flashPageBINquick) * 4); l > stubLen {
		stubLen = l
	}
	stagingLen := uint32(2 * t.PageSize)
	if overlaps(t.LoadAddr, stubLen, t.DataAddr, stagingLen) {
		return errors.NotValidf("staging buffers at 0x%08x overlapping stubs at 0x%08x", t.DataAddr, t.LoadAddr)
	}
	if t.StackAddr > t.DataAddr && t.StackAddr <= t.DataAddr+stagingLen {
		return errors.NotValidf("stack at 0x%08x inside staging buffers", t.StackAddr)
	}
	// The checksum routine writes its table into the staging area.
	if tl := uint32(t.NumPages * 8); tl > stagingLen {
		return errors.NotValidf("checksum table of %d bytes does not fit into %d bytes of staging", tl, stagingLen)
	}
	return nil
}

// LoadTargetFile reads a YAML target description. Fields not present keep their values from base.
func LoadTargetFile(fname string, base Target) (*Target, error) {
	data, err := ioutil.ReadFile(fname)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read target file")
	}
	t := base
	if err := yaml.UnmarshalStrict(data, &t); err != nil {
		return nil, errors.Annotatef(err, "%s: invalid target description", fname)
	}
	if err := t.Validate(); err != nil {
		return nil, errors.Annotatef(err, "%s", fname)
	}
	return &t, nil
}
