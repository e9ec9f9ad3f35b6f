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
	"bytes"
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/juju/errors"
)

func TestPacketQueueFIFO(t *testing.T) {
	q := NewPacketQueue(4)
	src := []byte{1}
	q.Push(src)
	src[0] = 9 // Push must have copied.
	q.Push([]byte{2})
	q.Push([]byte{3})
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		p, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("%d: %s", i, err)
		}
		if got, want := p[0], byte(i); got != want {
			t.Errorf("got: %d, want: %d", got, want)
		}
	}
}

func TestPacketQueueBackPressure(t *testing.T) {
	q := NewPacketQueue(1)
	q.Push([]byte{1})
	pushed := make(chan bool)
	go func() {
		pushed <- q.Push([]byte{2})
	}()
	select {
	case <-pushed:
		t.Fatalf("push to a full queue did not block")
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := q.Pop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ok := <-pushed; !ok {
		t.Fatalf("blocked push failed")
	}
	p, _ := q.Pop(context.Background())
	if got, want := p[0], byte(2); got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
}

func TestPacketQueuePopTimeoutAndClose(t *testing.T) {
	q := NewPacketQueue(2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); err == nil {
		t.Fatalf("expected timeout")
	}
	q.Push([]byte{1})
	q.Push([]byte{2})
	if got, want := q.Drain(), 2; got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
	q.Close()
	if _, err := q.Pop(context.Background()); errors.Cause(err) != ErrQueueClosed {
		t.Errorf("got: %v, want: %v", err, ErrQueueClosed)
	}
}

func TestSLIPFramer(t *testing.T) {
	var buf bytes.Buffer
	sf := NewSLIPFramer(&buf)
	frames := [][]byte{
		{0x01, 0x02},
		{slipFrameDelimiter, slipEscape, 0x00},
		{0xff},
	}
	buf.Write([]byte{0x55, 0x66}) // Junk before the first frame.
	for _, f := range frames {
		if err := sf.WriteFrame(f); err != nil {
			t.Fatal(err)
		}
	}
	for i, want := range frames {
		got, err := sf.ReadFrame(64)
		if err != nil {
			t.Fatalf("%d: %s", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%d: got: %x, want: %x", i, got, want)
		}
	}
}

func TestSLIPFramerErrors(t *testing.T) {
	buf := bytes.NewBuffer([]byte{slipFrameDelimiter, slipEscape, 0x01, slipFrameDelimiter})
	if _, err := NewSLIPFramer(buf).ReadFrame(64); errors.Cause(err) != ErrFraming {
		t.Errorf("got: %v, want: invalid escape error", err)
	}
	buf = bytes.NewBuffer([]byte{slipFrameDelimiter, 1, 2, 3, 4, slipFrameDelimiter})
	if _, err := NewSLIPFramer(buf).ReadFrame(2); errors.Cause(err) != ErrFraming {
		t.Errorf("got: %v, want: overflow error", err)
	}
}

func TestKindOf(t *testing.T) {
	err := errors.Annotatef(NewErrorf(KindDeviceNotFound, "nope"), "opening")
	if got, want := KindOf(err), KindDeviceNotFound; got != want {
		t.Errorf("got: %s, want: %s", got, want)
	}
	if got := KindOf(errors.Errorf("other")); got != 0 {
		t.Errorf("got: %s, want: 0", got)
	}
}

// deadPort fails every read, like an unplugged USB-serial adapter.
type deadPort struct {
	mu    sync.Mutex
	reads int
}

func (dp *deadPort) Read(b []byte) (int, error) {
	dp.mu.Lock()
	dp.reads++
	dp.mu.Unlock()
	return 0, syscall.EIO
}

func (dp *deadPort) Write(b []byte) (int, error) {
	return len(b), nil
}

func TestSerialChannelDeadPort(t *testing.T) {
	port := &deadPort{}
	sc := &serialChannel{portName: "ttyTEST", sf: NewSLIPFramer(port), done: make(chan struct{})}
	exited := make(chan struct{})
	go func() {
		sc.readLoop(sc.sf, sc.done)
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatalf("read loop keeps going on a dead port")
	}
	if port.reads != 1 {
		t.Errorf("got: %d reads, want: 1", port.reads)
	}
	err := sc.SendPacket(context.Background(), []byte{0})
	if got, want := KindOf(err), KindDisconnected; got != want {
		t.Errorf("got: %s (%v), want: %s", got, err, want)
	}
}

func TestSerialChannelSkipsBadFrames(t *testing.T) {
	buf := bytes.NewBuffer([]byte{slipFrameDelimiter, slipEscape, 0x01, slipFrameDelimiter, 0x05, slipFrameDelimiter})
	sc := &serialChannel{portName: "ttyTEST", sf: NewSLIPFramer(buf), done: make(chan struct{})}
	var got [][]byte
	sc.OnData(func(data []byte) { got = append(got, data) })
	// Ends at EOF of the buffer.
	sc.readLoop(sc.sf, sc.done)
	if len(got) != 1 || !bytes.Equal(got[0], []byte{0x05}) {
		t.Errorf("got: %x, want: [05]", got)
	}
	if err := sc.SendPacket(context.Background(), []byte{0}); KindOf(err) != KindDisconnected {
		t.Errorf("got: %v, want: disconnected after EOF", err)
	}
}
