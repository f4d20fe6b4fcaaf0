// Copyright 2018-2024 CERN
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
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package command

import (
	"context"
	"sync"

	"github.com/cs3org/arbor/pkg/errtypes"
)

// DefaultQueueSize is the capacity of the command channel when none is
// configured.
const DefaultQueueSize = 10000

// Reply is the terminal outcome of one envelope. Exactly one of Result
// and Err is set.
type Reply struct {
	Result *Result
	Err    error
}

// Envelope pairs a command with the context of its producer and the
// handle the writer loop signals the reply on.
type Envelope struct {
	Cmd   *Command
	Ctx   context.Context
	reply chan Reply
}

// Complete signals the reply handle. It must be called exactly once.
func (e *Envelope) Complete(r *Result, err error) {
	e.reply <- Reply{Result: r, Err: err}
}

// Wait blocks until the writer loop completed the command or the
// context is done.
func (e *Envelope) Wait(ctx context.Context) (*Result, error) {
	select {
	case r := <-e.reply:
		return r.Result, r.Err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errtypes.DeadlineExceeded("command " + string(e.Cmd.Type))
		}
		return nil, errtypes.Cancelled("command " + string(e.Cmd.Type))
	}
}

// Channel is the bounded MPSC queue between the RPC handlers and the
// tenant writer loop. Enqueueing blocks when the queue is full;
// envelopes are dequeued in the exact order they were enqueued.
type Channel struct {
	ch   chan *Envelope
	done chan struct{}

	// mu serializes Close against in-flight sends: producers hold the
	// read side for the duration of the send.
	mu      sync.RWMutex
	closed  bool
	closing sync.Once
}

// NewChannel returns a channel with the given capacity.
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Channel{
		ch:   make(chan *Envelope, size),
		done: make(chan struct{}),
	}
}

// Enqueue submits the command, blocking while the queue is full. If ctx
// is done before the envelope is accepted, the envelope is dropped and
// a Cancelled (or DeadlineExceeded) error is returned.
func (c *Channel) Enqueue(ctx context.Context, cmd *Command) (*Envelope, error) {
	env := &Envelope{
		Cmd:   cmd,
		Ctx:   ctx,
		reply: make(chan Reply, 1),
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, errtypes.Shutdown("command channel closed")
	}

	select {
	case c.ch <- env:
		return env, nil
	case <-c.done:
		return nil, errtypes.Shutdown("command channel closed")
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errtypes.DeadlineExceeded("queue full, command " + string(cmd.Type) + " not accepted")
		}
		return nil, errtypes.Cancelled("command " + string(cmd.Type) + " not accepted")
	}
}

// Dequeue exposes the consumer side. The channel is closed by Close;
// the consumer must drain remaining envelopes and reply Shutdown.
func (c *Channel) Dequeue() <-chan *Envelope {
	return c.ch
}

// Close shuts the producer side down. Producers blocked on a full
// queue are released with Shutdown before the channel is closed;
// subsequent Enqueue calls fail the same way.
func (c *Channel) Close() {
	c.closing.Do(func() { close(c.done) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// Len returns the number of queued envelopes.
func (c *Channel) Len() int { return len(c.ch) }
