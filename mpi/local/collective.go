// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package local

import (
	"github.com/gomlx/mpitests/mpi"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tags of the collective operations, in the collective context.
const (
	tagBarrier = iota + 1
	tagBcast
	tagGather
	tagScatter
	tagScatterv
	tagAgree
)

// Collectives are linear: the root exchanges messages with every other rank in rank order.
// Since messages between two ranks with the same tag are not overtaken, consecutive collectives don't mix.

// Barrier implements mpi.Comm: rank 0 waits for every rank to arrive, then releases them.
func (c *comm) Barrier() error {
	const root = 0
	if c.rank == root {
		for src := range c.world.size {
			if src == root {
				continue
			}
			if _, err := c.recv(nil, 0, mpi.Byte, src, tagBarrier, collectiveContext); err != nil {
				return err
			}
		}
		for dest := range c.world.size {
			if dest == root {
				continue
			}
			if err := c.post(nil, dest, tagBarrier, collectiveContext, false); err != nil {
				return err
			}
		}
		return nil
	}
	if err := c.post(nil, root, tagBarrier, collectiveContext, false); err != nil {
		return err
	}
	_, err := c.recv(nil, 0, mpi.Byte, root, tagBarrier, collectiveContext)
	return err
}

// Bcast implements mpi.Comm.
func (c *comm) Bcast(buf mpi.Memory, count int, dt *mpi.Datatype, root int) error {
	if err := c.checkRank(root, "root"); err != nil {
		return err
	}
	if c.rank != root {
		_, err := c.recv(buf, count, dt, root, tagBcast, collectiveContext)
		return err
	}
	data, err := mpi.Pack(buf, count, dt)
	if err != nil {
		return errors.WithMessagef(err, "%s: Bcast failed to read buffer", c)
	}
	for dest := range c.world.size {
		if dest == root {
			continue
		}
		if err := c.post(data, dest, tagBcast, collectiveContext, false); err != nil {
			return err
		}
	}
	return nil
}

// Gather implements mpi.Comm.
func (c *comm) Gather(send mpi.Memory, sendCount int, sendType *mpi.Datatype,
	recv mpi.Memory, recvCount int, recvType *mpi.Datatype, root int) error {
	if err := c.checkRank(root, "root"); err != nil {
		return err
	}
	if c.rank != root {
		return c.send(send, sendCount, sendType, root, tagGather, collectiveContext, false)
	}
	stride := recvCount * recvType.Extent()
	for src := range c.world.size {
		slot, err := mpi.Section(recv, src*stride, recvType.Span(recvCount))
		if err != nil {
			return errors.WithMessagef(err, "%s: Gather receive buffer too small for %d ranks", c, c.world.size)
		}
		if src == root {
			data, err := mpi.Pack(send, sendCount, sendType)
			if err != nil {
				return err
			}
			if err := deliver(slot, recvCount, recvType, data); err != nil {
				return err
			}
			continue
		}
		if _, err := c.recv(slot, recvCount, recvType, src, tagGather, collectiveContext); err != nil {
			return err
		}
	}
	return nil
}

// Scatter implements mpi.Comm.
func (c *comm) Scatter(send mpi.Memory, sendCount int, sendType *mpi.Datatype,
	recv mpi.Memory, recvCount int, recvType *mpi.Datatype, root int) error {
	if err := c.checkRank(root, "root"); err != nil {
		return err
	}
	if c.rank != root {
		_, err := c.recv(recv, recvCount, recvType, root, tagScatter, collectiveContext)
		return err
	}
	if sendCount < 0 {
		return errors.WithMessagef(mpi.ErrCount, "Scatter: negative send count %d", sendCount)
	}
	counts := make([]int, c.world.size)
	displs := make([]int, c.world.size)
	for rank := range counts {
		counts[rank] = sendCount
		displs[rank] = rank * sendCount
	}
	return c.scatterFromRoot(send, counts, displs, sendType, recv, recvCount, recvType, tagScatter)
}

// Scatterv implements mpi.Comm.
func (c *comm) Scatterv(send mpi.Memory, sendCounts, displs []int, sendType *mpi.Datatype,
	recv mpi.Memory, recvCount int, recvType *mpi.Datatype, root int) error {
	if err := c.checkRank(root, "root"); err != nil {
		return err
	}
	if c.rank != root {
		_, err := c.recv(recv, recvCount, recvType, root, tagScatterv, collectiveContext)
		return err
	}
	if len(sendCounts) != c.world.size || len(displs) != c.world.size {
		return errors.WithMessagef(mpi.ErrCount, "Scatterv: %d counts and %d displacements for %d ranks",
			len(sendCounts), len(displs), c.world.size)
	}
	for rank := range sendCounts {
		if sendCounts[rank] < 0 || displs[rank] < 0 {
			return errors.WithMessagef(mpi.ErrCount, "Scatterv: invalid count %d or displacement %d for rank %d",
				sendCounts[rank], displs[rank], rank)
		}
	}
	return c.scatterFromRoot(send, sendCounts, displs, sendType, recv, recvCount, recvType, tagScatterv)
}

// scatterFromRoot sends counts[i] elements of send, starting at element displs[i], to rank i.
func (c *comm) scatterFromRoot(send mpi.Memory, counts, displs []int, sendType *mpi.Datatype,
	recv mpi.Memory, recvCount int, recvType *mpi.Datatype, tag int) error {
	extent := sendType.Extent()
	for dest := range c.world.size {
		block, err := mpi.Section(send, displs[dest]*extent, sendType.Span(counts[dest]))
		if err != nil {
			return errors.WithMessagef(err, "%s: send buffer too small for the block of rank %d", c, dest)
		}
		data, err := mpi.Pack(block, counts[dest], sendType)
		if err != nil {
			return errors.WithMessagef(err, "%s: failed to read the block of rank %d", c, dest)
		}
		if dest == c.rank {
			if err := deliver(recv, recvCount, recvType, data); err != nil {
				return err
			}
			continue
		}
		if err := c.post(data, dest, tag, collectiveContext, false); err != nil {
			return err
		}
	}
	klog.V(2).Infof("%s: scattered %d blocks", c, c.world.size)
	return nil
}

// agree is a collective returning true on every rank if ok is true on every rank.
func (c *comm) agree(ok bool) (bool, error) {
	const root = 0
	vote := []byte{0}
	if ok {
		vote[0] = 1
	}
	if c.rank != root {
		if err := c.post(vote, root, tagAgree, collectiveContext, false); err != nil {
			return false, err
		}
		msg, err := c.wait(root, tagAgree, collectiveContext)
		if err != nil {
			return false, err
		}
		return msg.data[0] == 1, nil
	}
	all := ok
	for src := range c.world.size {
		if src == root {
			continue
		}
		msg, err := c.wait(src, tagAgree, collectiveContext)
		if err != nil {
			return false, err
		}
		all = all && msg.data[0] == 1
	}
	result := []byte{0}
	if all {
		result[0] = 1
	}
	for dest := range c.world.size {
		if dest == root {
			continue
		}
		if err := c.post(result, dest, tagAgree, collectiveContext, false); err != nil {
			return false, err
		}
	}
	return all, nil
}
