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
	"bufio"
	"encoding/hex"
	"io"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

const (
	// https://tools.ietf.org/html/rfc1055
	slipFrameDelimiter       = 0xC0
	slipEscape               = 0xDB
	slipEscapeFrameDelimiter = 0xDC
	slipEscapeEscape         = 0xDD
)

// ErrFraming is the cause of errors in the received byte stream itself. The stream stays usable.
var ErrFraming = errors.New("SLIP framing error")

// SLIPFramer turns a byte stream into a stream of packets and back.
// Empty frames (back-to-back delimiters) are skipped on read.
type SLIPFramer struct {
	r *bufio.Reader
	w io.Writer
}

func NewSLIPFramer(rw io.ReadWriter) *SLIPFramer {
	return &SLIPFramer{r: bufio.NewReader(rw), w: rw}
}

// ReadFrame returns the next non-empty frame. Bytes before the first delimiter are discarded.
func (sf *SLIPFramer) ReadFrame(maxSize int) ([]byte, error) {
	inFrame := false
	esc := false
	var frame []byte
	for {
		b, err := sf.r.ReadByte()
		if err != nil {
			return nil, errors.Annotatef(err, "error reading")
		}
		if !inFrame {
			if b == slipFrameDelimiter {
				inFrame = true
			} else {
				glog.V(4).Infof("junk before frame: 0x%02x", b)
			}
			continue
		}
		if esc {
			switch b {
			case slipEscapeFrameDelimiter:
				frame = append(frame, slipFrameDelimiter)
			case slipEscapeEscape:
				frame = append(frame, slipEscape)
			default:
				return nil, errors.Annotatef(ErrFraming, "invalid escape sequence 0x%02x", b)
			}
			esc = false
		} else {
			switch b {
			case slipFrameDelimiter:
				if len(frame) == 0 {
					// Closing delimiter of an empty frame doubles as the start of the next one.
					continue
				}
				glog.V(4).Infof("<= (%d) %s", len(frame), hex.EncodeToString(frame))
				return frame, nil
			case slipEscape:
				esc = true
				continue
			default:
				frame = append(frame, b)
			}
		}
		if maxSize > 0 && len(frame) > maxSize {
			return nil, errors.Annotatef(ErrFraming, "frame buffer overflow (%d)", maxSize)
		}
	}
}

// WriteFrame writes data as one frame, delimited on both sides.
func (sf *SLIPFramer) WriteFrame(data []byte) error {
	frame := make([]byte, 0, len(data)+2)
	frame = append(frame, slipFrameDelimiter)
	for _, b := range data {
		switch b {
		case slipFrameDelimiter:
			frame = append(frame, slipEscape, slipEscapeFrameDelimiter)
		case slipEscape:
			frame = append(frame, slipEscape, slipEscapeEscape)
		default:
			frame = append(frame, b)
		}
	}
	frame = append(frame, slipFrameDelimiter)
	glog.V(4).Infof("=> (%d) %s", len(data), hex.EncodeToString(data))
	_, err := sf.w.Write(frame)
	return errors.Trace(err)
}
