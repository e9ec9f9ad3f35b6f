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
package flags

import (
	"os"
	"time"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/mbdeploy/cli/flash/common/transport"
	"github.com/mongoose-os/mbdeploy/cli/flash/microbit"
)

var (
	Port = flag.String("port", "", "Serial port of a SLIP CMSIS-DAP bridge. "+
		"If not set, the micro:bit USB HID interface is used.")
	BaudRate    = flag.Uint("baud-rate", 115200, "Serial port speed")
	HWFC        = flag.Bool("hw-flow-control", false, "Enable hardware flow control (CTS/RTS)")
	ProbeSerial = flag.String("probe-serial", "", "Use only the probe with this serial number")
	LockDir     = flag.String("lock-dir", os.TempDir(), "Directory for the lock files that keep concurrent runs off the same probe. Empty disables locking")

	TargetFile      = flag.String("target-file", "", "YAML file with the target memory map. Fields not set keep their micro:bit values")
	PageTimeout     = flag.Duration("page-timeout", microbit.DefaultPageTimeout, "Time allowed for writing one page")
	ChecksumTimeout = flag.Duration("checksum-timeout", microbit.DefaultChecksumTimeout, "Time allowed for checksumming the flash")
	QuickPageWrite  = flag.Bool("quick-page-write", false, "Use the page writer that leaves matching pages alone")
	FallbackDir     = flag.String("fallback-dir", ".", "Where to save the image if it cannot be deployed in place")
	UF2Family       = flag.Uint32("uf2-family", 0, "UF2 family ID of converted images, 0 - the target's")

	Output  = flag.StringP("output", "o", "", "Output file")
	Timeout = flag.Duration("timeout", 60*time.Second, "Timeout for the whole operation")
)

// Target returns the target memory map: the built-in micro:bit one, adjusted by --target-file and other flags.
func Target() (*microbit.Target, error) {
	tgt := microbit.Microbit
	if *TargetFile != "" {
		t, err := microbit.LoadTargetFile(*TargetFile, tgt)
		if err != nil {
			return nil, errors.Trace(err)
		}
		tgt = *t
	}
	if *QuickPageWrite {
		tgt.QuickPageWrite = true
	}
	if *UF2Family != 0 {
		tgt.FamilyID = *UF2Family
	}
	return &tgt, nil
}

// Transport returns the probe transport selected by flags.
func Transport() transport.Provider {
	if *Port != "" {
		return transport.NewSerialProvider(*Port, transport.SerialOpts{
			BaudRate:            *BaudRate,
			HardwareFlowControl: *HWFC,
		})
	}
	return transport.NewHIDProvider(ProbeFilter())
}

// SessionManager returns a session manager for the probe selected by flags.
func SessionManager() *microbit.SessionManager {
	sm := microbit.NewSessionManager(Transport())
	sm.ProbeSerial = *ProbeSerial
	if *LockDir != "" {
		key := *Port
		if key == "" {
			key = ProbeFilter().String()
		}
		sm.LockFile = microbit.LockFileName(*LockDir, key)
	}
	return sm
}

func ProbeFilter() transport.Filter {
	f := transport.MicrobitFilter
	f.Serial = *ProbeSerial
	return f
}

func DeployOpts() microbit.DeployOpts {
	return microbit.DeployOpts{
		PageTimeout:     *PageTimeout,
		ChecksumTimeout: *ChecksumTimeout,
	}
}
