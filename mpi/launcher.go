// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mpi

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RankFunc is the function run by every rank of a world. Returning an error aborts the world.
type RankFunc func(comm Comm) error

// Launcher starts a world of ranks running a RankFunc.
type Launcher interface {
	// Launch runs fn on every rank of a new world of numRanks ranks, and returns when all ranks are done.
	// Launchers whose ranks are separate processes (started by an external launcher like mpirun) run fn only
	// for the rank of the current process, and may ignore numRanks.
	//
	// If the world is aborted, it returns an *AbortError.
	Launch(ctx context.Context, numRanks int, fn RankFunc) error
}

// Finalizer is implemented by launchers that keep process-wide state across their worlds, like an initialized
// MPI library.
type Finalizer interface {
	Finalize() error
}

var (
	muLaunchers sync.Mutex
	launchers   = make(map[string]Launcher)

	// DefaultLauncher is the name of the launcher used when none is given. Implementations that should be
	// preferred (e.g. a real MPI library, when linked in) set it during initialization.
	DefaultLauncher = "local"
)

// RegisterLauncher registers a launcher under the given name, usually called during package initialization.
// Registering an existing name replaces the previous launcher.
func RegisterLauncher(name string, launcher Launcher) {
	muLaunchers.Lock()
	defer muLaunchers.Unlock()
	if _, found := launchers[name]; found {
		klog.Warningf("mpi launcher %q registered again, replacing previous one", name)
	}
	launchers[name] = launcher
}

// Launchers returns the names of the registered launchers, sorted.
func Launchers() []string {
	muLaunchers.Lock()
	defer muLaunchers.Unlock()
	names := make([]string, 0, len(launchers))
	for name := range launchers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Launch runs fn on a world started by the launcher with the given name (or DefaultLauncher if empty).
func Launch(ctx context.Context, name string, numRanks int, fn RankFunc) error {
	if name == "" {
		name = DefaultLauncher
	}
	muLaunchers.Lock()
	launcher, found := launchers[name]
	muLaunchers.Unlock()
	if !found {
		return errors.Errorf("mpi launcher %q not registered (registered: %v) -- maybe it requires a build tag "+
			"or a blank import of its package", name, Launchers())
	}
	klog.V(1).Infof("launching %d ranks with %q", numRanks, name)
	return launcher.Launch(ctx, numRanks, fn)
}

// Finalize every registered launcher that implements Finalizer. It should be called once before the program
// exits: no world can be launched afterwards.
func Finalize() error {
	muLaunchers.Lock()
	defer muLaunchers.Unlock()
	var firstErr error
	for name, launcher := range launchers {
		finalizer, ok := launcher.(Finalizer)
		if !ok {
			continue
		}
		if err := finalizer.Finalize(); err != nil {
			klog.Errorf("failed to finalize mpi launcher %q: %+v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
