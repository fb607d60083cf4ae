// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/gomlx/mpitests/suite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectTests(t *testing.T) {
	tests, err := selectTests("all")
	require.NoError(t, err)
	assert.Len(t, tests, len(suite.All()))

	tests, err = selectTests("scatter, hip_file_write_all")
	require.NoError(t, err)
	require.Len(t, tests, 2)
	assert.Same(t, suite.Scatter, tests[0])
	assert.Same(t, suite.FileWriteAll, tests[1])

	_, err = selectTests("scatter,gather")
	require.Error(t, err)
}
