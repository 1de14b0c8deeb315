// Package monitoring holds the diagnostic logger shared by the valve driver,
// the serial transport and the HTTP server.
package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var debug atomic.Bool

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetDebug turns Debugf output on or off.
func SetDebug(on bool) { debug.Store(on) }

// DebugEnabled reports whether Debugf output is on.
func DebugEnabled() bool { return debug.Load() }

// Debugf logs protocol-level detail (handshake phases, raw traffic) when
// debug output is on.
func Debugf(format string, v ...interface{}) {
	if debug.Load() {
		Logf("[debug] "+format, v...)
	}
}

// Warnf logs a condition the caller should probably look at.
func Warnf(format string, v ...interface{}) {
	Logf("[warn] "+format, v...)
}
