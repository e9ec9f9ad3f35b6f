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
package cortex

import (
	"fmt"
	"strings"
)

type regWrite struct {
	addr  uint32
	value uint32
}

// Command is a sequence of debug register writes that is submitted as one unit.
// The zero value is an empty command.
type Command struct {
	writes []regWrite
}

func NewCommand() *Command {
	return &Command{}
}

// Halt requests the core to stop. Core registers can only be written while halted.
func (c *Command) Halt() *Command {
	c.writes = append(c.writes, regWrite{regDHCSR, regDHCSRKey | DHCSR_C_DEBUGEN | DHCSR_C_HALT})
	return c
}

// WriteCoreRegister sets core register reg (0-15, XPSR, MSP, PSP) to value.
func (c *Command) WriteCoreRegister(reg int, value uint32) *Command {
	c.writes = append(c.writes,
		regWrite{regDCRDR, value},
		regWrite{regDCRSR, DCRSR_REGWnR | uint32(reg)})
	return c
}

// Go lets the core run from the current PC with debug enabled.
func (c *Command) Go() *Command {
	c.writes = append(c.writes, regWrite{regDHCSR, regDHCSRKey | DHCSR_C_DEBUGEN})
	return c
}

// Len returns the number of register writes in the command.
func (c *Command) Len() int {
	return len(c.writes)
}

func (c *Command) String() string {
	parts := make([]string, 0, len(c.writes))
	for _, w := range c.writes {
		parts = append(parts, fmt.Sprintf("0x%08x=0x%08x", w.addr, w.value))
	}
	return "[" + strings.Join(parts, " ") + "]"
}
