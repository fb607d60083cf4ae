// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"io"
	"os"

	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
var ProgressbarStyle = progressbar.ThemeASCII

// Progress of the iterations of a timed loop. A nil *Progress is valid and displays nothing, so ranks other than
// Root (or runs without progress) simply use nil.
type Progress struct {
	bar    *progressbar.ProgressBar
	output *termenv.Output
}

// NewProgress creates a progress bar for numIterations, written to w (os.Stdout if nil).
// It returns nil if not enabled or if rank is not Root.
func NewProgress(enabled bool, rank int, description string, numIterations int, w io.Writer) *Progress {
	if !enabled || rank != Root || numIterations <= 0 {
		return nil
	}
	if w == nil {
		w = os.Stdout
	}
	p := &Progress{output: termenv.NewOutput(w)}
	p.output.HideCursor()
	p.bar = progressbar.NewOptions(numIterations,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("iters"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionThrottle(0),
	)
	return p
}

// Add n finished iterations.
func (p *Progress) Add(n int) {
	if p == nil {
		return
	}
	_ = p.bar.Add(n)
}

// Done finishes the progress bar and restores the cursor.
func (p *Progress) Done() {
	if p == nil {
		return
	}
	_ = p.bar.Finish()
	p.output.ShowCursor()
	_, _ = p.output.WriteString("\n")
}
