package serialmux

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// SerialPorter defines the subset of go.bug.st/serial.Port the transport needs.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
	// SetMode changes the line settings (baud rate, framing) of an open port.
	SetMode(mode *serial.Mode) error
	// SetReadTimeout bounds a single Read call. A Read that times out returns
	// 0 bytes and no error.
	SetReadTimeout(timeout time.Duration) error
	// ResetInputBuffer discards bytes received but not yet read.
	ResetInputBuffer() error
}

// Line terminators. Vici valves end every line with a carriage return.
const (
	lineTerminator = '\r'
	lineFeed       = '\n'
)

// DefaultReadTimeout is used when a transport is opened without one.
const DefaultReadTimeout = 500 * time.Millisecond
