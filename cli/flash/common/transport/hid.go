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
// +build !no_libudev

package transport

import (
	"context"
	"sync"

	"github.com/cesanta/hid"
	"github.com/golang/glog"
	"github.com/juju/errors"
)

// CMSIS-DAP v1 probes use 64-byte HID reports.
const hidReportSize = 64

type hidChannel struct {
	filter Filter

	lock sync.Mutex
	d    hid.Device
	di   *hid.DeviceInfo
	cb   func(data []byte)
	done chan struct{}
}

func findHIDDevice(filter Filter) (*hid.DeviceInfo, error) {
	devs, err := hid.Devices()
	if err != nil {
		return nil, NewError(KindTransportUnavailable, errors.Annotatef(err, "failed to enumerate HID devices"))
	}
	for i, di := range devs {
		glog.V(1).Infof("%d: %04x:%04x %s", i, di.VendorID, di.ProductID, di.Path)
		if di.VendorID == filter.VendorID && di.ProductID == filter.ProductID {
			return di, nil
		}
	}
	return nil, NewErrorf(KindDeviceNotFound, "no HID device matching %s", filter)
}

func openHID(ctx context.Context, filter Filter) (*hidChannel, error) {
	hc := &hidChannel{filter: filter}
	if err := hc.open(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	return hc, nil
}

func (hc *hidChannel) open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	di, err := findHIDDevice(hc.filter)
	if err != nil {
		return errors.Trace(err)
	}
	d, err := di.Open()
	if err != nil {
		return NewError(KindDeviceNotFound,
			errors.Annotatef(err, "failed to open device %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path))
	}
	glog.Infof("Opened %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
	hc.lock.Lock()
	hc.d, hc.di = d, di
	hc.done = make(chan struct{})
	go hc.readLoop(d, hc.done)
	hc.lock.Unlock()
	return nil
}

func (hc *hidChannel) readLoop(d hid.Device, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case buf, ok := <-d.ReadCh():
			if !ok {
				glog.V(1).Infof("HID read loop ended: %v", d.ReadError())
				return
			}
			hc.lock.Lock()
			cb := hc.cb
			hc.lock.Unlock()
			if cb != nil {
				cb(buf)
			}
		}
	}
}

func (hc *hidChannel) SendPacket(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if len(data) > hidReportSize {
		return errors.Errorf("packet too long (max %d, got %d)", hidReportSize, len(data))
	}
	hc.lock.Lock()
	d := hc.d
	hc.lock.Unlock()
	if d == nil {
		return NewErrorf(KindDisconnected, "device is not open")
	}
	report := make([]byte, 1+hidReportSize) // Report number 0, unused.
	copy(report[1:], data)
	if err := d.Write(report); err != nil {
		return NewError(KindDisconnected, errors.Annotatef(err, "device write failed"))
	}
	return nil
}

func (hc *hidChannel) OnData(cb func(data []byte)) {
	hc.lock.Lock()
	hc.cb = cb
	hc.lock.Unlock()
}

func (hc *hidChannel) closeLocked() {
	if hc.done != nil {
		close(hc.done)
		hc.done = nil
	}
	if hc.d != nil {
		hc.d.Close()
		hc.d = nil
	}
}

func (hc *hidChannel) Reconnect(ctx context.Context) error {
	glog.V(1).Infof("HID reconnect %s", hc.filter)
	hc.lock.Lock()
	hc.closeLocked()
	hc.lock.Unlock()
	return errors.Trace(hc.open(ctx))
}

func (hc *hidChannel) Disconnect() error {
	hc.lock.Lock()
	defer hc.lock.Unlock()
	hc.closeLocked()
	return nil
}

func (hc *hidChannel) MaxPacketSize() int {
	return hidReportSize
}

type hidProvider struct {
	filter Filter

	lock sync.Mutex
	ch   *hidChannel
}

// NewHIDProvider returns a provider of HID channels to probes matching filter.
// The channel is opened on first use; subsequent calls reconnect and return the same channel.
func NewHIDProvider(filter Filter) Provider {
	return &hidProvider{filter: filter}
}

func (hp *hidProvider) CreateOrReuse(ctx context.Context) (PacketChannel, error) {
	hp.lock.Lock()
	defer hp.lock.Unlock()
	if hp.ch == nil {
		ch, err := openHID(ctx, hp.filter)
		if err != nil {
			return nil, errors.Trace(err)
		}
		hp.ch = ch
		return ch, nil
	}
	if err := hp.ch.Reconnect(ctx); err != nil {
		hp.ch = nil
		return nil, errors.Trace(err)
	}
	return hp.ch, nil
}
