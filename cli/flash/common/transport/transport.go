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

// Package transport provides framed packet channels to debug probes.
// A channel moves opaque fixed-size packets; what is inside is up to the protocol on top.
package transport

import (
	"context"
	"fmt"

	"github.com/juju/errors"
)

// PacketChannel is a bidirectional packet link to a probe.
type PacketChannel interface {
	// SendPacket sends one packet. A nil error is the acknowledgement.
	SendPacket(ctx context.Context, data []byte) error
	// OnData registers the callback that receives incoming packets, in arrival order.
	// The callback may block, which throttles the reader.
	OnData(cb func(data []byte))
	// Reconnect tears down and re-establishes the underlying link.
	Reconnect(ctx context.Context) error
	// Disconnect closes the link. The channel cannot be used afterwards.
	Disconnect() error
	// MaxPacketSize is the largest packet the link can carry, 0 if unknown.
	MaxPacketSize() int
}

// Provider hands out a packet channel, reusing a previously opened one if possible.
type Provider interface {
	CreateOrReuse(ctx context.Context) (PacketChannel, error)
}

// Filter identifies the probe hardware the engine is willing to talk to.
type Filter struct {
	VendorID  uint16
	ProductID uint16
	Class     uint8
	SubClass  uint8
	// Serial, if not empty, restricts the match to one probe.
	Serial string
}

// MicrobitFilter matches the DAPLink interface chip of the BBC micro:bit.
var MicrobitFilter = Filter{
	VendorID:  0x0D28,
	ProductID: 0x0204,
	Class:     0xff,
	SubClass:  0x03,
}

func (f Filter) String() string {
	s := fmt.Sprintf("%04x:%04x/%02x:%02x", f.VendorID, f.ProductID, f.Class, f.SubClass)
	if f.Serial != "" {
		s += "/" + f.Serial
	}
	return s
}

type ErrorKind int

const (
	// KindTransportUnavailable: no way to talk to probes at all (no HID support, enumeration failed).
	KindTransportUnavailable ErrorKind = iota + 1
	// KindDeviceNotFound: transport works, but no matching probe is attached.
	KindDeviceNotFound
	// KindDisconnected: the link went away while in use.
	KindDisconnected
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransportUnavailable:
		return "transport unavailable"
	case KindDeviceNotFound:
		return "device not found"
	case KindDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("kind %d", int(k))
}

// Error is the only error type transports produce for link-level conditions.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func NewError(kind ErrorKind, err error) error {
	return &Error{Kind: kind, Err: err}
}

func NewErrorf(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

// KindOf returns the transport error kind carried by err, or 0 if err did not originate in a transport.
func KindOf(err error) ErrorKind {
	if te, ok := errors.Cause(err).(*Error); ok {
		return te.Kind
	}
	return 0
}
