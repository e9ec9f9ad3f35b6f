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
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

const DefaultQueueSize = 32

var ErrQueueClosed = errors.New("packet queue closed")

// PacketQueue connects the push side of a channel (OnData callback) to a pull-style reader.
// Push blocks while the queue is full.
type PacketQueue struct {
	ch        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func NewPacketQueue(size int) *PacketQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &PacketQueue{
		ch:     make(chan []byte, size),
		closed: make(chan struct{}),
	}
}

// Push enqueues a copy of data. Returns false if the queue has been closed.
func (q *PacketQueue) Push(data []byte) bool {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case q.ch <- buf:
		return true
	default:
	}
	glog.V(3).Infof("packet queue full (%d), waiting", cap(q.ch))
	select {
	case q.ch <- buf:
		return true
	case <-q.closed:
		return false
	}
}

// Pop returns the oldest packet, waiting for one if necessary.
func (q *PacketQueue) Pop(ctx context.Context) ([]byte, error) {
	select {
	case buf := <-q.ch:
		return buf, nil
	default:
	}
	select {
	case buf := <-q.ch:
		return buf, nil
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "waiting for packet")
	case <-q.closed:
		return nil, ErrQueueClosed
	}
}

// Drain discards everything currently queued and returns the number of packets dropped.
func (q *PacketQueue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

func (q *PacketQueue) Len() int {
	return len(q.ch)
}

func (q *PacketQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}
