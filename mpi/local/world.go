// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package local implements an in-process MPI world: every rank is a goroutine, and messages are copied
// between the ranks' buffers.
//
// It is GPU-aware in the sense that matters for the tests: it reads and writes the operands through their
// mpi.Memory interface, so device buffers are transferred with their device's memcpy primitives, without the
// caller staging them.
//
// It registers itself as the "local" launcher in package mpi, so a blank import is enough to use it:
//
//	import _ "github.com/gomlx/mpitests/mpi/local"
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/mpitests/internal/xsync"
	"github.com/gomlx/mpitests/mpi"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Name of the launcher registered in package mpi.
const Name = "local"

func init() {
	mpi.RegisterLauncher(Name, Launcher{})
}

// Launcher implements mpi.Launcher by creating a new World for each launch.
type Launcher struct{}

// Launch implements mpi.Launcher.
func (Launcher) Launch(ctx context.Context, numRanks int, fn mpi.RankFunc) error {
	w, err := NewWorld(numRanks)
	if err != nil {
		return err
	}
	return w.Run(ctx, fn)
}

// abortInfo is the value of the abort latch of a World.
type abortInfo struct {
	code, rank int
	cause      error
}

// World of ranks running in the current process.
type World struct {
	id        uuid.UUID
	size      int
	mailboxes []*mailbox
	abort     *xsync.LatchWithValue[abortInfo]

	muRun   sync.Mutex
	started bool
}

// NewWorld creates a world with numRanks ranks.
func NewWorld(numRanks int) (*World, error) {
	if numRanks <= 0 {
		return nil, errors.WithMessagef(mpi.ErrRank, "invalid number of ranks %d", numRanks)
	}
	w := &World{
		id:        uuid.New(),
		size:      numRanks,
		mailboxes: make([]*mailbox, numRanks),
		abort:     xsync.NewLatchWithValue[abortInfo](),
	}
	for rank := range w.mailboxes {
		w.mailboxes[rank] = newMailbox()
	}
	return w, nil
}

// ID is a unique identifier of the world, used in logs and reports.
func (w *World) ID() uuid.UUID { return w.id }

// Size returns the number of ranks.
func (w *World) Size() int { return w.size }

// Comm returns the communicator of the given rank: it must only be used by one goroutine.
func (w *World) Comm(rank int) mpi.Comm {
	if rank < 0 || rank >= w.size {
		exceptions.Panicf("local.World.Comm(%d): rank out of range for world of size %d", rank, w.size)
	}
	return &comm{world: w, rank: rank}
}

// Aborted returns whether the world was aborted.
func (w *World) Aborted() bool { return w.abort.Test() }

// abortWith aborts the world, if it was not aborted yet. It unblocks every pending operation.
//
// If the world was already aborted by a rank that only failed because of its peers, a root cause given
// later takes its place. Explicit aborts (nil cause) are never replaced.
func (w *World) abortWith(rank, code int, cause error) {
	info := abortInfo{code: code, rank: rank, cause: cause}
	if w.abort.Trigger(info) {
		if cause != nil {
			klog.Errorf("world %s aborted by rank %d with code %d: %+v", w.id, rank, code, cause)
		} else {
			klog.Errorf("world %s aborted by rank %d with code %d", w.id, rank, code)
		}
		return
	}
	if !isRootCause(cause) {
		return
	}
	replaced := w.abort.Update(func(current abortInfo) (abortInfo, bool) {
		return info, current.cause != nil && !isRootCause(current.cause)
	})
	if replaced {
		klog.Errorf("world %s aborted by rank %d with code %d: %+v", w.id, rank, code, cause)
	}
}

// isRootCause returns whether cause is a failure of its own, as opposed to a consequence of the abort or of a
// failure in another rank.
func isRootCause(cause error) bool {
	return cause != nil && !errors.Is(cause, mpi.ErrAborted) && !errors.Is(cause, mpi.ErrPeerFailed)
}

// abortError returns the *mpi.AbortError for an aborted world, or nil.
func (w *World) abortError() error {
	info, aborted := w.abort.Value()
	if !aborted {
		return nil
	}
	return &mpi.AbortError{Code: info.code, Rank: info.rank, Cause: info.cause}
}

// errAborted is returned by operations interrupted by an abort.
func (w *World) errAborted() error {
	return errors.WithStack(mpi.ErrAborted)
}

// Run fn on every rank, each in its own goroutine, and waits for all of them to finish.
//
// A rank returning an error (or panicking) aborts the world with code 1. Cancelling ctx aborts the world as
// well. Files a rank left open are closed when it returns. If the world was aborted, Run returns an *mpi.AbortError. A World can only be run once.
func (w *World) Run(ctx context.Context, fn mpi.RankFunc) error {
	w.muRun.Lock()
	if w.started {
		w.muRun.Unlock()
		return errors.Errorf("world %s already run", w.id)
	}
	w.started = true
	w.muRun.Unlock()

	stop := context.AfterFunc(ctx, func() {
		w.abortWith(-1, 1, errors.WithMessage(ctx.Err(), "context done"))
	})
	defer stop()

	klog.V(1).Infof("world %s: starting %d ranks", w.id, w.size)
	var g errgroup.Group
	for rank := range w.size {
		c := &comm{world: w, rank: rank}
		g.Go(func() error {
			var err error
			exception := exceptions.Try(func() { err = fn(c) })
			c.releaseFiles()
			if exception != nil {
				if e, ok := exception.(error); ok {
					err = errors.WithMessagef(e, "rank %d panicked", rank)
				} else {
					err = errors.Errorf("rank %d panicked: %v", rank, exception)
				}
			}
			if err != nil {
				w.abortWith(rank, 1, err)
				return errors.WithMessagef(err, "rank %d", rank)
			}
			return nil
		})
	}
	err := g.Wait()
	if abortErr := w.abortError(); abortErr != nil {
		return abortErr
	}
	klog.V(1).Infof("world %s: all %d ranks finished", w.id, w.size)
	return err
}

// comm implements mpi.Comm for one rank of a World.
type comm struct {
	world *World
	rank  int

	// files opened by the rank.
	files []*file
}

// Compile-time check.
var _ mpi.Comm = (*comm)(nil)

func (c *comm) Rank() int { return c.rank }

func (c *comm) Size() int { return c.world.size }

// String implements fmt.Stringer.
func (c *comm) String() string {
	return fmt.Sprintf("world %s rank %d/%d", c.world.id, c.rank, c.world.size)
}

// Abort implements mpi.Comm.
func (c *comm) Abort(code int) error {
	c.world.abortWith(c.rank, code, nil)
	return c.world.abortError()
}

// checkRank validates a destination, source or root rank.
func (c *comm) checkRank(rank int, what string) error {
	if rank < 0 || rank >= c.world.size {
		return errors.WithMessagef(mpi.ErrRank, "%s rank %d out of range for world of size %d", what, rank, c.world.size)
	}
	return nil
}
