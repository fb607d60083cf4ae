// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())
	done := make(chan struct{})
	go func() {
		l.Wait()
		close(done)
	}()
	l.Trigger()
	l.Trigger()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait() not released by Trigger()")
	}
	require.True(t, l.Test())
}

func TestWaitOr(t *testing.T) {
	done, abort := NewLatch(), NewLatch()
	go abort.Trigger()
	require.False(t, done.WaitOr(abort))

	done.Trigger()
	require.True(t, done.WaitOr(abort))
}

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[int]()
	_, triggered := l.Value()
	require.False(t, triggered)
	require.True(t, l.Trigger(3))
	require.False(t, l.Trigger(5))
	assert.Equal(t, 3, l.Wait())
	v, triggered := l.Value()
	assert.True(t, triggered)
	assert.Equal(t, 3, v)
	assert.True(t, l.Latch().Test())
}

func TestLatchWithValueUpdate(t *testing.T) {
	l := NewLatchWithValue[int]()
	double := func(v int) (int, bool) { return 2 * v, true }
	require.False(t, l.Update(double))
	_, triggered := l.Value()
	require.False(t, triggered)

	require.True(t, l.Trigger(3))
	require.True(t, l.Update(double))
	assert.Equal(t, 6, l.Wait())
	require.False(t, l.Update(func(v int) (int, bool) { return 0, false }))
	v, _ := l.Value()
	assert.Equal(t, 6, v)
}
