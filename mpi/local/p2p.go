// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package local

import (
	"slices"
	"sync"

	"github.com/gomlx/mpitests/internal/xsync"
	"github.com/gomlx/mpitests/mpi"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Message contexts: collectives use their own context, so no user message can match them.
const (
	userContext = iota
	collectiveContext
)

// message in transit. The data is a copy of the sender's buffer, packed.
type message struct {
	source, tag, context int
	data                 []byte

	// matched is triggered once the message is received, for synchronous sends. It is nil for eager sends.
	matched *xsync.Latch
}

// mailbox holds the messages sent to a rank and not yet received, in arrival order.
type mailbox struct {
	mu    sync.Mutex
	queue []*message

	// arrived is closed (and replaced) whenever a message arrives.
	arrived chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{arrived: make(chan struct{})}
}

func (mb *mailbox) push(msg *message) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.queue = append(mb.queue, msg)
	close(mb.arrived)
	mb.arrived = make(chan struct{})
}

// take removes and returns the first message that matches, or returns the channel to wait on for new messages.
func (mb *mailbox) take(source, tag, context int) (*message, <-chan struct{}) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for ii, msg := range mb.queue {
		if msg.context == context &&
			(source == mpi.AnySource || msg.source == source) &&
			(tag == mpi.AnyTag || msg.tag == tag) {
			mb.queue = slices.Delete(mb.queue, ii, ii+1)
			return msg, nil
		}
	}
	return nil, mb.arrived
}

// checkTag validates a tag of a send (wildcard false) or receive (wildcard true).
func checkTag(tag int, wildcard bool) error {
	if (wildcard && tag == mpi.AnyTag) || (tag >= 0 && tag <= mpi.TagUpperBound) {
		return nil
	}
	return errors.WithMessagef(mpi.ErrTag, "tag %d", tag)
}

// post sends already packed data to dest. If synchronous, it waits for the message to be received.
func (c *comm) post(data []byte, dest, tag, context int, synchronous bool) error {
	w := c.world
	if w.Aborted() {
		return w.errAborted()
	}
	msg := &message{source: c.rank, tag: tag, context: context, data: data}
	if synchronous {
		msg.matched = xsync.NewLatch()
	}
	w.mailboxes[dest].push(msg)
	if klog.V(3).Enabled() {
		klog.Infof("%s: sent %d bytes to rank %d, tag=%d, context=%d, synchronous=%v",
			c, len(data), dest, tag, context, synchronous)
	}
	if synchronous && !msg.matched.WaitOr(w.abort.Latch()) {
		return w.errAborted()
	}
	return nil
}

// send packs count elements of dt from buf and posts them to dest.
func (c *comm) send(buf mpi.Memory, count int, dt *mpi.Datatype, dest, tag, context int, synchronous bool) error {
	if err := c.checkRank(dest, "destination"); err != nil {
		return err
	}
	if err := checkTag(tag, false); err != nil {
		return err
	}
	data, err := mpi.Pack(buf, count, dt)
	if err != nil {
		return errors.WithMessagef(err, "%s: failed to read send buffer", c)
	}
	return c.post(data, dest, tag, context, synchronous)
}

// wait blocks until a matching message arrives.
func (c *comm) wait(source, tag, context int) (*message, error) {
	w := c.world
	mb := w.mailboxes[c.rank]
	for {
		msg, arrived := mb.take(source, tag, context)
		if msg != nil {
			return msg, nil
		}
		select {
		case <-arrived:
		case <-w.abort.Latch().WaitChan():
			return nil, w.errAborted()
		}
	}
}

// deliver unpacks data into count elements of dt in buf.
func deliver(buf mpi.Memory, count int, dt *mpi.Datatype, data []byte) error {
	if capacity := count * dt.Size(); len(data) > capacity {
		return errors.WithMessagef(mpi.ErrTruncate, "message of %d bytes for a receive of %d x %s (%d bytes)",
			len(data), count, dt, capacity)
	}
	return mpi.Unpack(buf, data, dt)
}

// recv waits for a matching message and unpacks it into buf.
func (c *comm) recv(buf mpi.Memory, count int, dt *mpi.Datatype, source, tag, context int) (mpi.Status, error) {
	if source != mpi.AnySource {
		if err := c.checkRank(source, "source"); err != nil {
			return mpi.Status{}, err
		}
	}
	if err := checkTag(tag, true); err != nil {
		return mpi.Status{}, err
	}
	if count < 0 {
		return mpi.Status{}, errors.WithMessagef(mpi.ErrCount, "negative count %d", count)
	}
	msg, err := c.wait(source, tag, context)
	if err != nil {
		return mpi.Status{}, err
	}
	if msg.matched != nil {
		defer msg.matched.Trigger()
	}
	status := mpi.Status{Source: msg.source, Tag: msg.tag, Bytes: len(msg.data)}
	if klog.V(3).Enabled() {
		klog.Infof("%s: received %s, context=%d", c, status, context)
	}
	if err := deliver(buf, count, dt, msg.data); err != nil {
		return status, errors.WithMessagef(err, "%s: receive from rank %d", c, msg.source)
	}
	return status, nil
}

// Send implements mpi.Comm. The data is copied before returning, so the send completes without waiting for the
// receiver.
func (c *comm) Send(buf mpi.Memory, count int, dt *mpi.Datatype, dest, tag int) error {
	return c.send(buf, count, dt, dest, tag, userContext, false)
}

// Ssend implements mpi.Comm.
func (c *comm) Ssend(buf mpi.Memory, count int, dt *mpi.Datatype, dest, tag int) error {
	return c.send(buf, count, dt, dest, tag, userContext, true)
}

// Recv implements mpi.Comm.
func (c *comm) Recv(buf mpi.Memory, count int, dt *mpi.Datatype, source, tag int) (mpi.Status, error) {
	return c.recv(buf, count, dt, source, tag, userContext)
}
