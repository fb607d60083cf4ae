// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"fmt"
	"sync"
)

// Live allocation tracking: every allocated primary region and staging region takes a slot until it is released,
// so tests (and a leak report at the end of a run) can verify that an allocate/release cycle leaves nothing behind.
//
// Free slots form a linked list threaded through the slots themselves, so slots are reused without allocating.

// liveSlot is the index of a live region in allLive.
type liveSlot int

// endOfList marks the end of the list of free slots.
const endOfList = liveSlot(-1)

// initialLiveSlots is the number of slots preallocated.
const initialLiveSlots = 64

// liveRegion describes a live allocation.
type liveRegion struct {
	kind     Kind
	staging  bool
	numBytes int
}

var (
	muLive sync.Mutex

	// allLive holds either a liveRegion (slot in use) or a liveSlot (the next free slot).
	allLive  []any
	nextFree liveSlot
	numLive  int
)

func init() {
	allLive = make([]any, initialLiveSlots)
	for ii := 0; ii < len(allLive)-1; ii++ {
		allLive[ii] = liveSlot(ii + 1)
	}
	allLive[len(allLive)-1] = endOfList
	nextFree = 0
}

func acquireLiveRegion(r liveRegion) liveSlot {
	muLive.Lock()
	defer muLive.Unlock()
	numLive++
	if nextFree == endOfList {
		allLive = append(allLive, r)
		return liveSlot(len(allLive) - 1)
	}
	acquired := nextFree
	nextFree = allLive[nextFree].(liveSlot)
	allLive[acquired] = r
	return acquired
}

// acquireLive registers a primary region.
func acquireLive(kind Kind, numBytes int) liveSlot {
	return acquireLiveRegion(liveRegion{kind: kind, numBytes: numBytes})
}

// acquireLiveStaging registers a host staging region.
func acquireLiveStaging(numBytes int) liveSlot {
	return acquireLiveRegion(liveRegion{kind: Host, staging: true, numBytes: numBytes})
}

func (s liveSlot) release() {
	muLive.Lock()
	defer muLive.Unlock()
	numLive--
	allLive[s] = nextFree
	nextFree = s
}

// NumLive returns the number of regions (primary and staging) allocated and not yet released in the process.
func NumLive() int {
	muLive.Lock()
	defer muLive.Unlock()
	return numLive
}

// ListLive returns a description of each region allocated and not yet released, for leak reports.
func ListLive() []string {
	muLive.Lock()
	defer muLive.Unlock()
	var list []string
	for slot, entry := range allLive {
		r, ok := entry.(liveRegion)
		if !ok {
			continue
		}
		kind := r.kind.String()
		if r.staging {
			kind = "staging"
		}
		list = append(list, fmt.Sprintf("#%d: %s region of %d bytes", slot, kind, r.numBytes))
	}
	return list
}
