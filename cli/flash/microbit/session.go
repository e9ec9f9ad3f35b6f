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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flock "github.com/theckman/go-flock"

	"github.com/mongoose-os/mbdeploy/cli/flash/common/cmsis-dap/dap"
	"github.com/mongoose-os/mbdeploy/cli/flash/common/cmsis-dap/dp"
	"github.com/mongoose-os/mbdeploy/cli/flash/common/cmsis-dap/memap"
	"github.com/mongoose-os/mbdeploy/cli/flash/common/cortex"
	"github.com/mongoose-os/mbdeploy/cli/flash/common/transport"
	"github.com/mongoose-os/mbdeploy/common/multierror"
)

// Device is the set of CPU-level primitives a deployment needs.
// Calls are issued one at a time and each completes before the next one starts.
type Device interface {
	// Reset resets the CPU. With halt set, the core is stopped at the reset vector.
	Reset(ctx context.Context, halt bool) error
	// ReadMemory reads n words starting at word-aligned addr.
	ReadMemory(ctx context.Context, addr uint32, n int) ([]uint32, error)
	// WriteMemory writes data starting at word-aligned addr.
	WriteMemory(ctx context.Context, addr uint32, data []uint32) error
	// PrepareCommand returns an empty batched command.
	PrepareCommand() *cortex.Command
	// Submit executes cmd as one batch.
	Submit(ctx context.Context, cmd *cortex.Command) error
	DebugEnable(ctx context.Context) error
	// WaitForHalt returns an error with cortex.ErrHaltTimeout as the cause if the core
	// does not halt within timeout.
	WaitForHalt(ctx context.Context, timeout time.Duration) error
	// Reconnect re-establishes the link to the probe and repeats the CPU init handshake.
	Reconnect(ctx context.Context) error
}

// Session is a Device backed by a CMSIS-DAP probe attached to a Cortex-M target.
type Session struct {
	ch   transport.PacketChannel
	dapc dap.DAPClient
	mapc memap.MemAPClient
	cpu  *cortex.CortexM

	probeInfo   string
	probeSerial string
	targetName  string
}

var _ Device = (*Session)(nil)

// NewSession runs the CPU init handshake over ch.
// On failure the channel is left as is, the caller decides whether to disconnect it.
func NewSession(ctx context.Context, ch transport.PacketChannel) (*Session, error) {
	s := &Session{ch: ch}
	if err := s.init(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

func (s *Session) init(ctx context.Context) error {
	dapc, err := dap.NewClient(ctx, s.ch)
	if err != nil {
		return errors.Annotatef(err, "failed to open debug probe")
	}
	if err := s.handshake(ctx, dapc); err != nil {
		dapc.Close(ctx)
		return errors.Trace(err)
	}
	s.dapc = dapc
	return nil
}

func (s *Session) handshake(ctx context.Context, dapc dap.DAPClient) error {
	vendor, err := dapc.GetInfoString(ctx, dap.InfoVendorID)
	if err != nil {
		return errors.Annotatef(err, "failed to get probe info")
	}
	product, _ := dapc.GetInfoString(ctx, dap.InfoProductID)
	serial, _ := dapc.GetInfoString(ctx, dap.InfoSerialNumber)
	version, _ := dapc.GetInfoString(ctx, dap.InfoFirmwareVersion)
	s.probeInfo = fmt.Sprintf("%s %s v%s S/N %s", vendor, product, version, serial)
	s.probeSerial = serial
	glog.V(1).Infof("CMSIS-DAP probe %s", s.probeInfo)
	if err := dapc.Connect(ctx, dap.ConnectModeSWD); err != nil {
		return errors.Annotatef(err, "failed to connect to debug probe in SWD mode")
	}
	if err := dapc.SWJClock(ctx, 10000000); err != nil {
		return errors.Annotatef(err, "failed to set clock")
	}
	if err := dapc.SWDConfigure(ctx, 0); err != nil {
		return errors.Annotatef(err, "failed to configure SWD")
	}
	// Line reset, JTAG-to-SWD switch, line reset.
	for _, seq := range []struct {
		bits int
		data []byte
	}{
		{64, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
		{16, []byte{0, 0}},
		{64, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
		{16, []byte{0x9e, 0xe7}},
		{64, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
		{16, []byte{0, 0}},
	} {
		if err := dapc.SWJSequence(ctx, seq.bits, seq.data); err != nil {
			return errors.Annotatef(err, "SWD reset sequence failed")
		}
	}
	if err := dapc.TransferConfigure(ctx, 0, 100, 100); err != nil {
		return errors.Annotatef(err, "failed to configure transfers")
	}
	dpc := dp.NewDPClient(dapc)
	if err := dpc.Init(ctx); err != nil {
		return errors.Annotatef(err, "failed to init DP, is the target connected and powered on?")
	}
	mapc := memap.NewMemAPClient(dpc, 0 /* apSel */)
	if err := mapc.Init(ctx); err != nil {
		return errors.Annotatef(err, "failed to init AP")
	}
	tgtName, err := cortex.GetTargetName(ctx, mapc)
	if err != nil {
		return errors.Annotatef(err, "failed to get target name")
	}
	cpu := cortex.NewCortexM(mapc)
	if err := cpu.Init(ctx); err != nil {
		return errors.Annotatef(err, "failed to init CPU")
	}
	if err := dapc.SetHostStatus(ctx, dap.StatusConnected, true); err != nil {
		glog.Warningf("failed to set probe status: %s", err)
	}
	glog.V(1).Infof("Core: %s", tgtName)
	s.mapc, s.cpu, s.targetName = mapc, cpu, tgtName
	return nil
}

// ProbeInfo describes the probe, as reported by it.
func (s *Session) ProbeInfo() string {
	return s.probeInfo
}

// ProbeSerial is the serial number reported by the probe.
func (s *Session) ProbeSerial() string {
	return s.probeSerial
}

// TargetName is the name of the core.
func (s *Session) TargetName() string {
	return s.targetName
}

func (s *Session) Reset(ctx context.Context, halt bool) error {
	if !halt {
		return errors.Trace(s.cpu.ResetRun(ctx))
	}
	return errors.Trace(s.cpu.Reset(ctx, true))
}

func (s *Session) ReadMemory(ctx context.Context, addr uint32, n int) ([]uint32, error) {
	data, err := s.mapc.ReadTargetMem(ctx, addr, n)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read %d words @ 0x%08x", n, addr)
	}
	return data, nil
}

func (s *Session) WriteMemory(ctx context.Context, addr uint32, data []uint32) error {
	return errors.Annotatef(s.mapc.WriteTargetMem(ctx, addr, data), "failed to write %d words @ 0x%08x", len(data), addr)
}

func (s *Session) PrepareCommand() *cortex.Command {
	return cortex.NewCommand()
}

func (s *Session) Submit(ctx context.Context, cmd *cortex.Command) error {
	return errors.Trace(s.cpu.Exec(ctx, cmd))
}

func (s *Session) DebugEnable(ctx context.Context) error {
	return errors.Trace(s.cpu.DebugEnable(ctx))
}

func (s *Session) WaitForHalt(ctx context.Context, timeout time.Duration) error {
	return errors.Trace(s.cpu.WaitForHalt(ctx, timeout))
}

func (s *Session) Reconnect(ctx context.Context) error {
	glog.V(1).Infof("Reconnecting to the probe...")
	if s.dapc != nil {
		s.dapc.Close(ctx)
		s.dapc = nil
	}
	if err := s.ch.Reconnect(ctx); err != nil {
		return errors.Annotatef(err, "failed to reconnect")
	}
	return errors.Trace(s.init(ctx))
}

// Close releases the probe and disconnects the channel.
func (s *Session) Close(ctx context.Context) error {
	var errs error
	if s.dapc != nil {
		s.dapc.SetHostStatus(ctx, dap.StatusConnected, false)
		errs = multierror.Append(errs, s.dapc.Close(ctx))
		s.dapc = nil
	}
	return multierror.Append(errs, s.ch.Disconnect())
}

// DeviceProvider hands out a Device for exclusive use by one deployment attempt.
type DeviceProvider interface {
	// Acquire blocks until no other attempt holds a device.
	Acquire(ctx context.Context) (Device, error)
	// Release returns the device. With invalidate set, it is torn down and not reused.
	Release(ctx context.Context, dev Device, invalidate bool)
}

const lockRetryDelay = 100 * time.Millisecond

// SessionManager keeps at most one live Session and gives it to one attempt at a time.
type SessionManager struct {
	// If set, a probe reporting a different serial number is treated as not found.
	ProbeSerial string
	// If set, this file is locked while a session is handed out, keeping other processes off the device.
	LockFile string

	provider transport.Provider
	// Holds a token while a session is handed out.
	slot chan struct{}
	fl   *flock.Flock
	s    *Session
}

var lockNameRE = regexp.MustCompile(`[^A-Za-z0-9.-]+`)

// LockFileName returns the name of the lock file in dir for the device identified by key,
// e.g. a serial port name or a probe filter.
func LockFileName(dir, key string) string {
	return filepath.Join(dir, fmt.Sprintf("mbdeploy-%s.lock", lockNameRE.ReplaceAllString(key, "_")))
}

var _ DeviceProvider = (*SessionManager)(nil)

func NewSessionManager(provider transport.Provider) *SessionManager {
	return &SessionManager{provider: provider, slot: make(chan struct{}, 1)}
}

func (sm *SessionManager) Acquire(ctx context.Context) (Device, error) {
	select {
	case sm.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "waiting for the device")
	}
	if err := sm.lock(ctx); err != nil {
		<-sm.slot
		return nil, errors.Trace(err)
	}
	s, err := sm.ensureSession(ctx)
	if err != nil {
		sm.unlock()
		<-sm.slot
		return nil, errors.Trace(err)
	}
	return s, nil
}

func (sm *SessionManager) lock(ctx context.Context) error {
	if sm.LockFile == "" {
		return nil
	}
	if sm.fl == nil {
		if err := os.MkdirAll(filepath.Dir(sm.LockFile), 0755); err != nil {
			return errors.Annotatef(err, "failed to create lock directory")
		}
		sm.fl = flock.NewFlock(sm.LockFile)
	}
	ok, err := sm.fl.TryLock()
	if err == nil && !ok {
		glog.Infof("%s is held by another process, waiting", sm.LockFile)
		ok, err = sm.fl.TryLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return errors.Annotatef(err, "failed to lock %s", sm.LockFile)
	}
	if !ok {
		return errors.Errorf("failed to lock %s", sm.LockFile)
	}
	return nil
}

func (sm *SessionManager) unlock() {
	if sm.fl == nil {
		return
	}
	if err := sm.fl.Unlock(); err != nil {
		glog.Warningf("failed to unlock %s: %s", sm.LockFile, err)
	}
}

func (sm *SessionManager) ensureSession(ctx context.Context) (*Session, error) {
	if sm.s != nil {
		err := sm.s.Reconnect(ctx)
		if err == nil {
			return sm.s, nil
		}
		glog.Warningf("existing session is dead (%s), starting a new one", err)
		sm.s.Close(ctx)
		sm.s = nil
	}
	ch, err := sm.provider.CreateOrReuse(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s, err := NewSession(ctx, ch)
	if err != nil {
		ch.Disconnect()
		return nil, errors.Trace(err)
	}
	if sm.ProbeSerial != "" && s.ProbeSerial() != sm.ProbeSerial {
		s.Close(ctx)
		return nil, transport.NewErrorf(transport.KindDeviceNotFound,
			"probe S/N %s does not match %s", s.ProbeSerial(), sm.ProbeSerial)
	}
	sm.s = s
	return s, nil
}

func (sm *SessionManager) Release(ctx context.Context, dev Device, invalidate bool) {
	if invalidate && sm.s != nil && dev == Device(sm.s) {
		if err := sm.s.Close(ctx); err != nil {
			glog.Warningf("failed to close session: %s", err)
		}
		sm.s = nil
	}
	sm.unlock()
	<-sm.slot
}

// Close tears down the live session, if any. It waits for the current holder to release it.
func (sm *SessionManager) Close(ctx context.Context) error {
	select {
	case sm.slot <- struct{}{}:
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
	defer func() { <-sm.slot }()
	if sm.s == nil {
		return nil
	}
	err := sm.s.Close(ctx)
	sm.s = nil
	return errors.Trace(err)
}
