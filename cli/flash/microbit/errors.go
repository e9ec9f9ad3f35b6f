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
	"fmt"

	"github.com/juju/errors"

	"github.com/mongoose-os/mbdeploy/cli/flash/common/cortex"
	"github.com/mongoose-os/mbdeploy/cli/flash/common/transport"
	"github.com/mongoose-os/mbdeploy/common/multierror"
	"github.com/mongoose-os/mbdeploy/common/uf2"
)

type ErrorKind int

const (
	// No usable probe transport.
	TransportUnavailable ErrorKind = iota + 1
	// CPU reset failed, also after a reconnect.
	HandshakeFailure
	// The device does not carry the marker of an in-place updatable image.
	IncompatibleDevice
	// A stub did not return in time.
	ProtocolTimeout
	// The compiled image cannot be parsed.
	MalformedContainer
	// The probe went away or was never there.
	DeviceNotFound
	// Any other device-side failure.
	DeviceError
)

func (k ErrorKind) String() string {
	switch k {
	case TransportUnavailable:
		return "TransportUnavailable"
	case HandshakeFailure:
		return "HandshakeFailure"
	case IncompatibleDevice:
		return "IncompatibleDevice"
	case ProtocolTimeout:
		return "ProtocolTimeout"
	case MalformedContainer:
		return "MalformedContainer"
	case DeviceNotFound:
		return "DeviceNotFound"
	case DeviceError:
		return "DeviceError"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is a failed deployment attempt.
type Error struct {
	Kind  ErrorKind
	State State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s in %s: %s", e.Kind, e.State, e.Err)
}

// KindOf returns the kind of a deployment error, 0 if err is not one.
func KindOf(err error) ErrorKind {
	if de, ok := errors.Cause(multierror.First(err)).(*Error); ok {
		return de.Kind
	}
	return 0
}

// classify maps err to a kind. Link-level conditions reported by the transport
// and a malformed image take precedence over def.
func classify(err error, def ErrorKind) ErrorKind {
	switch transport.KindOf(err) {
	case transport.KindTransportUnavailable:
		return TransportUnavailable
	case transport.KindDeviceNotFound:
		return DeviceNotFound
	case transport.KindDisconnected:
		return DeviceError
	}
	if errors.Cause(err) == uf2.ErrMalformedContainer {
		return MalformedContainer
	}
	return def
}

// classifyRun is classify for stub runs, where a halt timeout is a protocol timeout.
func classifyRun(err error) ErrorKind {
	if errors.Cause(err) == cortex.ErrHaltTimeout {
		return classify(err, ProtocolTimeout)
	}
	return classify(err, DeviceError)
}
