// Package logx centralizes this module's charmbracelet/log setup so every
// package gets the same default destination and the same "pass nil for
// silence" convention instead of each package inventing its own discard
// writer.
package logx

import (
	"io"

	"github.com/charmbracelet/log"
)

// New returns a logger tagged with component. If logger is
// non-nil it is reused (With is called to add the component tag) so a
// caller can thread one *log.Logger per Device down into its subsystems.
// If logger is nil, a fresh logger writing to io.Discard is created —
// silent by default, matching how tests construct packages without
// wiring up real output.
func New(logger *log.Logger, component string) *log.Logger {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return logger.With("component", component)
}

// Default returns a top-level logger writing to w (nil means io.Discard),
// suitable for a Device constructor to hand out as the root logger before
// any component tagging.
func Default(w io.Writer) *log.Logger {
	if w == nil {
		w = io.Discard
	}
	return log.New(w)
}
