// Package klog wires the kernel's structured-logging backend: a
// github.com/joeycumines/logiface logger, backed by
// github.com/joeycumines/izerolog over github.com/rs/zerolog. No other
// package imports zerolog or izerolog directly; they all log through the
// package-level Logger here, so the backend can be swapped without touching
// kernel code.
package klog

import (
	"os"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the kernel-wide structured logger. It defaults to writing
// human-readable console output to stderr at informational level; Configure
// replaces it, e.g. with a JSON sink at debug level for a test harness.
var Logger = izerolog.L.New(
	izerolog.L.WithZerolog(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()),
	izerolog.L.WithLevel(logiface.LevelInformational),
)

// Configure replaces the package-level Logger. It is intended to be called
// once, during boot, before any hart or scheduler goroutine starts.
func Configure(l *logiface.Logger[*izerolog.Event]) {
	if l == nil {
		panic(`klog: nil logger`)
	}
	Logger = l
}

// Discard returns a logger that drops everything, for use in tests that
// don't want kernel diagnostics on stdout/stderr.
func Discard() *logiface.Logger[*izerolog.Event] {
	return izerolog.L.New(
		izerolog.L.WithZerolog(zerolog.New(zerolog.Nop())),
		izerolog.L.WithLevel(logiface.LevelInformational),
	)
}
