package valve

import "time"

// Transport is the line-oriented serial connection a Driver talks through.
// serialmux.SerialMux is the production implementation.
type Transport interface {
	// WriteLine writes cmd followed by the line terminator. The whole line is
	// written or an error is returned.
	WriteLine(cmd string) error
	// ReadLine reads up to and including the next line terminator. It returns
	// an empty slice and no error when the read timeout elapses first.
	ReadLine() ([]byte, error)
	BaudRate() int
	SetBaudRate(baud int) error
	ReadTimeout() time.Duration
	SetReadTimeout(d time.Duration) error
	// Name identifies the underlying port, e.g. "/dev/ttyUSB0".
	Name() string
	Close() error
}

// Opener opens a Transport on the named port.
type Opener func(name string, baud int, readTimeout time.Duration) (Transport, error)

// Observer is notified of position changes. Implementations must not call
// back into the driver.
type Observer interface {
	// OnConnect is called once the handshake completes.
	OnConnect(s State)
	// OnSelect is called after a move command was written.
	OnSelect(index int, label string, command string)
	// OnPosition is called after every hard position read.
	OnPosition(index int, label string)
}
