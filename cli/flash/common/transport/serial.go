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
package transport

import (
	"context"
	"io"
	"sync"

	"github.com/cesanta/go-serial/serial"
	"github.com/golang/glog"
	"github.com/juju/errors"
)

// Serial CMSIS-DAP bridges carry the same 64-byte packets, SLIP-framed.
const serialPacketSize = 64

type SerialOpts struct {
	BaudRate            uint
	HardwareFlowControl bool
}

type serialChannel struct {
	portName string
	opts     SerialOpts

	lock sync.Mutex
	conn io.ReadWriteCloser
	sf   *SLIPFramer
	cb   func(data []byte)
	done chan struct{}
}

func openSerialPort(portName string, opts SerialOpts) (io.ReadWriteCloser, error) {
	oo := serial.OpenOptions{
		PortName:            portName,
		BaudRate:            115200,
		DataBits:            8,
		ParityMode:          serial.PARITY_NONE,
		StopBits:            1,
		HardwareFlowControl: opts.HardwareFlowControl,
		MinimumReadSize:     1,
	}
	if opts.BaudRate != 0 {
		oo.BaudRate = opts.BaudRate
	}
	s, err := serial.Open(oo)
	glog.Infof("%s opened: %v, err: %v", portName, s, err)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

func (sc *serialChannel) open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	conn, err := openSerialPort(sc.portName, sc.opts)
	if err != nil {
		return NewError(KindDeviceNotFound, errors.Annotatef(err, "failed to open %s", sc.portName))
	}
	sc.lock.Lock()
	sc.conn = conn
	sc.sf = NewSLIPFramer(conn)
	sc.done = make(chan struct{})
	go sc.readLoop(sc.sf, sc.done)
	sc.lock.Unlock()
	return nil
}

// readLoop delivers frames until the port fails or done is closed.
// A failed port leaves the channel disconnected until Reconnect.
func (sc *serialChannel) readLoop(sf *SLIPFramer, done chan struct{}) {
	for {
		frame, err := sf.ReadFrame(serialPacketSize)
		select {
		case <-done:
			return
		default:
		}
		if err != nil {
			if errors.Cause(err) == ErrFraming {
				glog.Warningf("%s: %s", sc.portName, err)
				continue
			}
			if errors.Cause(err) == io.EOF {
				glog.V(1).Infof("%s: EOF", sc.portName)
			} else {
				glog.Errorf("%s: %s", sc.portName, err)
			}
			sc.lock.Lock()
			if sc.sf == sf {
				sc.sf = nil
			}
			sc.lock.Unlock()
			return
		}
		sc.lock.Lock()
		cb := sc.cb
		sc.lock.Unlock()
		if cb != nil {
			cb(frame)
		}
	}
}

func (sc *serialChannel) SendPacket(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	sc.lock.Lock()
	sf := sc.sf
	sc.lock.Unlock()
	if sf == nil {
		return NewErrorf(KindDisconnected, "%s is not open", sc.portName)
	}
	if err := sf.WriteFrame(data); err != nil {
		return NewError(KindDisconnected, errors.Annotatef(err, "%s: write failed", sc.portName))
	}
	return nil
}

func (sc *serialChannel) OnData(cb func(data []byte)) {
	sc.lock.Lock()
	sc.cb = cb
	sc.lock.Unlock()
}

func (sc *serialChannel) closeLocked() error {
	if sc.done != nil {
		close(sc.done)
		sc.done = nil
	}
	var err error
	if sc.conn != nil {
		glog.Infof("closing serial %s", sc.portName)
		err = sc.conn.Close()
		sc.conn = nil
		sc.sf = nil
	}
	return errors.Trace(err)
}

func (sc *serialChannel) Reconnect(ctx context.Context) error {
	sc.lock.Lock()
	sc.closeLocked()
	sc.lock.Unlock()
	return errors.Trace(sc.open(ctx))
}

func (sc *serialChannel) Disconnect() error {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	return sc.closeLocked()
}

func (sc *serialChannel) MaxPacketSize() int {
	return serialPacketSize
}

type serialProvider struct {
	portName string
	opts     SerialOpts

	lock sync.Mutex
	ch   *serialChannel
}

// NewSerialProvider returns a provider of SLIP-framed channels over a serial port.
func NewSerialProvider(portName string, opts SerialOpts) Provider {
	return &serialProvider{portName: portName, opts: opts}
}

func (sp *serialProvider) CreateOrReuse(ctx context.Context) (PacketChannel, error) {
	sp.lock.Lock()
	defer sp.lock.Unlock()
	if sp.ch == nil {
		sc := &serialChannel{portName: sp.portName, opts: sp.opts}
		if err := sc.open(ctx); err != nil {
			return nil, errors.Trace(err)
		}
		sp.ch = sc
		return sc, nil
	}
	if err := sp.ch.Reconnect(ctx); err != nil {
		sp.ch = nil
		return nil, errors.Trace(err)
	}
	return sp.ch, nil
}
