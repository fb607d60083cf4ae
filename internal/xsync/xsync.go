// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements the synchronization primitives used by the in-process world: latches that, once
// triggered, stay triggered.
package xsync

import "sync"

// Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state, it's forever triggered.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{
		wait: make(chan struct{}),
	}
}

// Trigger latch. Triggering an already triggered latch is a no-op.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()
	if l.Test() {
		return
	}
	close(l.wait)
}

// Wait waits for the latch to be triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// WaitOr waits for either l or other to be triggered. It returns true if l was triggered.
// If both are triggered, l takes precedence.
func (l *Latch) WaitOr(other *Latch) bool {
	select {
	case <-l.wait:
		return true
	case <-other.wait:
		return l.Test()
	}
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns the channel that is closed when the latch is triggered, to be used in a `select`.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// LatchWithValue is a Latch with a value associated with its triggering: only the value of the first
// Trigger is kept, unless changed with Update.
type LatchWithValue[T any] struct {
	value T
	latch *Latch
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{
		latch: NewLatch(),
	}
}

// Trigger latch and saves the associated value. It returns false if the latch was already triggered, in which
// case value is discarded.
func (l *LatchWithValue[T]) Trigger(value T) bool {
	l.latch.muTrigger.Lock()
	defer l.latch.muTrigger.Unlock()
	if l.latch.Test() {
		return false
	}
	l.value = value
	close(l.latch.wait)
	return true
}

// Update the value of a triggered latch with fn, which returns the new value and whether to keep it.
// It returns false if the latch was not triggered yet or fn rejected the change.
func (l *LatchWithValue[T]) Update(fn func(current T) (T, bool)) bool {
	l.latch.muTrigger.Lock()
	defer l.latch.muTrigger.Unlock()
	if !l.latch.Test() {
		return false
	}
	value, ok := fn(l.value)
	if ok {
		l.value = value
	}
	return ok
}

// Wait waits for the latch to be triggered and returns its value.
func (l *LatchWithValue[T]) Wait() T {
	l.latch.Wait()
	l.latch.muTrigger.Lock()
	defer l.latch.muTrigger.Unlock()
	return l.value
}

// Test checks whether the latch has been triggered.
func (l *LatchWithValue[T]) Test() bool {
	return l.latch.Test()
}

// Value returns the value of the latch and whether it was triggered, without waiting.
func (l *LatchWithValue[T]) Value() (value T, triggered bool) {
	if !l.latch.Test() {
		return value, false
	}
	l.latch.muTrigger.Lock()
	defer l.latch.muTrigger.Unlock()
	return l.value, true
}

// Latch returns the underlying Latch, e.g., to be used with Latch.WaitOr.
func (l *LatchWithValue[T]) Latch() *Latch {
	return l.latch
}
