// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package report implements the collective result and performance reports printed at the end of every test,
// and the optional progress bar of the timed loops.
//
// Reports are collective: every rank contributes its result, and only rank 0 prints.
package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/mpitests/buffers"
	"github.com/gomlx/mpitests/mpi"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Root is the rank that prints the reports.
const Root = 0

// NoBuffer is the memory character reported for a side of the test that doesn't use a buffer (e.g. the send
// side of a file read test).
const NoBuffer = '-'

var (
	passedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "2", Dark: "10"})
	failedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"})

	headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2).Align(lipgloss.Center)
	keyStyle       = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	valueStyle     = lipgloss.NewStyle().Padding(0, 1)
	tableBorder    = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
)

// gatherAt collects one float64 per rank at Root. It returns nil on the other ranks.
func gatherAt(comm mpi.Comm, value float64) ([]float64, error) {
	mine, err := buffers.Alloc[float64](buffers.NewHost(), 1, func(flat []float64) { flat[0] = value })
	if err != nil {
		return nil, err
	}
	defer func() { _ = mine.Release() }()
	numGathered := 0
	if comm.Rank() == Root {
		numGathered = comm.Size()
	}
	all, err := buffers.Alloc[float64](buffers.NewHost(), numGathered, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = all.Release() }()
	if err := comm.Gather(mine.Buffer(), 1, mpi.Float64, all.Buffer(), 1, mpi.Float64, Root); err != nil {
		return nil, errors.WithMessage(err, "failed to gather results")
	}
	if comm.Rank() != Root {
		return nil, nil
	}
	return append([]float64(nil), all.Host()...), nil
}

// AllTrue returns on every rank whether ok is true on all ranks. It is collective.
func AllTrue(comm mpi.Comm, ok bool) (bool, error) {
	value := 0.0
	if ok {
		value = 1
	}
	all, err := gatherAt(comm, value)
	if err != nil {
		return false, err
	}
	result, err := buffers.Alloc[float64](buffers.NewHost(), 1, func(flat []float64) {
		if comm.Rank() == Root {
			flat[0] = floats.Min(all)
		}
	})
	if err != nil {
		return false, err
	}
	defer func() { _ = result.Release() }()
	if err := comm.Bcast(result.Buffer(), 1, mpi.Float64, Root); err != nil {
		return false, errors.WithMessage(err, "failed to broadcast results")
	}
	return result.Host()[0] == 1, nil
}

// TestResult reports whether the test passed on all ranks, and returns that on every rank. It is collective:
// rank 0 prints one line with the test name, the memory characters of the send and receive buffers and
// PASSED or FAILED.
func TestResult(w io.Writer, comm mpi.Comm, name string, sendChar, recvChar byte, ok bool) (bool, error) {
	passed, err := AllTrue(comm, ok)
	if err != nil {
		return false, err
	}
	if comm.Rank() == Root {
		status := passedStyle.Render("PASSED")
		if !passed {
			status = failedStyle.Render("FAILED")
		}
		_, err = fmt.Fprintf(w, "%s %c %c %s\n", name, sendChar, recvChar, status)
	}
	return passed, err
}

// Measurement of the timed part of a test in one rank.
type Measurement struct {
	// Name of the test.
	Name string

	// SendChar and RecvChar are the memory characters of the send and receive buffers.
	SendChar, RecvChar byte

	// Elements per rank and Bytes per rank of each operation.
	Elements int
	Bytes    int64

	// Iterations of the timed loop.
	Iterations int

	// Seconds of the timed loop in this rank.
	Seconds float64
}

// Timings are the statistics over the ranks of the measured seconds.
type Timings struct {
	Min, Max, Mean, StdDev float64
}

// Summarize computes the statistics of the measured seconds of all ranks.
func Summarize(seconds []float64) Timings {
	if len(seconds) == 0 {
		return Timings{}
	}
	t := Timings{
		Min:  floats.Min(seconds),
		Max:  floats.Max(seconds),
		Mean: stat.Mean(seconds, nil),
	}
	if len(seconds) > 1 {
		t.StdDev = stat.StdDev(seconds, nil)
	}
	return t
}

// Performance reports the timing of the test. It is collective: rank 0 prints a table with the sizes, the
// time statistics over the ranks, and the latency and bandwidth derived from the slowest rank.
func Performance(w io.Writer, comm mpi.Comm, m Measurement) error {
	seconds, err := gatherAt(comm, m.Seconds)
	if err != nil {
		return err
	}
	if comm.Rank() != Root {
		return nil
	}
	t := Summarize(seconds)
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(tableBorder).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return headerRowStyle
			}
			if col == 0 {
				return keyStyle
			}
			return valueStyle
		}).
		Headers(m.Name, fmt.Sprintf("%c %c", m.SendChar, m.RecvChar))
	table.Row("Ranks", strconv.Itoa(comm.Size()))
	table.Row("Elements", humanize.Comma(int64(m.Elements)))
	table.Row("Size", humanize.IBytes(uint64(max(m.Bytes, 0))))
	table.Row("Iterations", strconv.Itoa(m.Iterations))
	table.Row("Time (max)", formatSeconds(t.Max))
	table.Row("Time (mean ± stddev)", fmt.Sprintf("%s ± %s", formatSeconds(t.Mean), formatSeconds(t.StdDev)))
	if m.Iterations > 0 && t.Max > 0 {
		perIteration := t.Max / float64(m.Iterations)
		table.Row("Latency", formatSeconds(perIteration))
		table.Row("Bandwidth", humanize.IBytes(uint64(float64(m.Bytes)/perIteration))+"/s")
	}
	_, err = fmt.Fprintln(w, table.String())
	return err
}

// formatSeconds pretty prints a duration in seconds with 3 significant digits.
func formatSeconds(seconds float64) string {
	switch {
	case seconds == 0:
		return "0s"
	case seconds < 1e-3:
		return fmt.Sprintf("%.3gµs", seconds*1e6)
	case seconds < 1:
		return fmt.Sprintf("%.3gms", seconds*1e3)
	}
	return fmt.Sprintf("%.3gs", seconds)
}
