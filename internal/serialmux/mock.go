package serialmux

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.bug.st/serial"
)

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// It provides fine-grained control over reads, writes and errors.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes Write report one byte fewer than it was given
	ShortWrite bool

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// Mode is the last mode applied with SetMode
	Mode *serial.Mode

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	// KeepInput stops ResetInputBuffer from discarding ReadBuffer, so tests
	// can queue a reply before the command is written.
	KeepInput bool

	// Resets records the number of ResetInputBuffer calls
	Resets int
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
		KeepInput:   true,
	}
}

// Read reads from the read buffer. An empty buffer behaves like a read
// timeout: 0 bytes and no error.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, ErrClosed
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if t.ReadBuffer.Len() == 0 {
		return 0, nil
	}
	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer, optionally simulating errors.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, ErrClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	if t.ShortWrite && len(p) > 0 {
		return t.WriteBuffer.Write(p[:len(p)-1])
	}
	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	return t.CloseError
}

func (t *TestableSerialPort) SetMode(mode *serial.Mode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := *mode
	t.Mode = &m
	return nil
}

func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

func (t *TestableSerialPort) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Resets++
	if !t.KeepInput {
		t.ReadBuffer.Reset()
	}
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// ReceivedCommand records one command line seen by an EmulatedValve.
type ReceivedCommand struct {
	Command  string
	BaudRate int
}

// EmulatedValve is a SerialPorter that answers like a Vici valve controller.
// It is used by tests and by the command line tool's dev mode.
type EmulatedValve struct {
	mu sync.Mutex

	// DeviceBaud is the rate the controller listens on. Commands written at
	// any other rate are ignored, as line noise would be.
	DeviceBaud int
	// Replies overrides the reply to a command. An empty string silences it.
	Replies map[string]string

	// ModelReply answers AM. Byte 2 is '1' for switch valves.
	ModelReply string
	// CountFormat renders the NP reply from PortCount.
	CountFormat string
	// PositionFormat renders the CP reply from Position.
	PositionFormat string

	PortCount int
	Position  int

	// Received lists every command line written, in order.
	Received []ReceivedCommand

	// WriteError is returned by the next Write call if set
	WriteError error

	Closed      bool
	mode        serial.Mode
	readTimeout time.Duration
	input       []byte
	output      bytes.Buffer
}

// NewEmulatedLowPressureMultiport emulates a low pressure multiport selector
// ("NP08", "CP03").
func NewEmulatedLowPressureMultiport(portCount, position int) *EmulatedValve {
	return &EmulatedValve{
		DeviceBaud:     DefaultBaudRate,
		ModelReply:     "AM0",
		CountFormat:    "NP%02d",
		PositionFormat: "CP%02d",
		PortCount:      portCount,
		Position:       position,
	}
}

// NewEmulatedHighPressureMultiport emulates a high pressure multiport
// selector ("NP = 10", "Position is  = 03").
func NewEmulatedHighPressureMultiport(portCount, position int) *EmulatedValve {
	return &EmulatedValve{
		DeviceBaud:     DefaultBaudRate,
		ModelReply:     "AM3",
		CountFormat:    "NP = %02d",
		PositionFormat: "Position is  = %02d",
		PortCount:      portCount,
		Position:       position,
	}
}

// NewEmulatedSwitch emulates a two position high pressure switch ("AM1",
// "CP1").
func NewEmulatedSwitch(position int) *EmulatedValve {
	return &EmulatedValve{
		DeviceBaud:     DefaultBaudRate,
		ModelReply:     "AM1",
		PositionFormat: "CP%d",
		PortCount:      2,
		Position:       position,
	}
}

// respond returns the reply line for cmd without its terminator, and whether
// the controller answers at all.
func (v *EmulatedValve) respond(cmd string) (string, bool) {
	if r, ok := v.Replies[cmd]; ok {
		return r, r != ""
	}
	switch {
	case cmd == "AM":
		return v.ModelReply, true
	case cmd == "NP":
		if v.CountFormat == "" {
			return "NP = Invalid", true
		}
		return fmt.Sprintf(v.CountFormat, v.PortCount), true
	case cmd == "CP":
		return fmt.Sprintf(v.PositionFormat, v.Position), true
	case len(cmd) == 4 && (cmd[:2] == "GO" || cmd[:2] == "CW" || cmd[:2] == "CC"):
		n, err := strconv.Atoi(cmd[2:])
		if err != nil || n < 1 || n > v.PortCount {
			return cmd + "?", true
		}
		v.Position = n
		return "", false
	default:
		return cmd + "?", true
	}
}

// Read returns queued reply bytes. With nothing queued it behaves like a read
// timeout.
func (v *EmulatedValve) Read(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.Closed {
		return 0, ErrClosed
	}
	if v.output.Len() == 0 {
		return 0, nil
	}
	return v.output.Read(p)
}

// Write feeds bytes to the controller, which acts on each carriage return
// terminated line.
func (v *EmulatedValve) Write(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.Closed {
		return 0, ErrClosed
	}
	if v.WriteError != nil {
		err := v.WriteError
		v.WriteError = nil
		return 0, err
	}
	for _, b := range p {
		if b != lineTerminator {
			v.input = append(v.input, b)
			continue
		}
		cmd := string(v.input)
		v.input = v.input[:0]
		v.Received = append(v.Received, ReceivedCommand{Command: cmd, BaudRate: v.mode.BaudRate})
		if v.DeviceBaud != 0 && v.mode.BaudRate != v.DeviceBaud {
			continue
		}
		if reply, ok := v.respond(cmd); ok {
			v.output.WriteString(reply)
			v.output.WriteByte(lineTerminator)
		}
	}
	return len(p), nil
}

func (v *EmulatedValve) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.Closed = true
	return nil
}

func (v *EmulatedValve) SetMode(mode *serial.Mode) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.mode = *mode
	return nil
}

func (v *EmulatedValve) SetReadTimeout(timeout time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.readTimeout = timeout
	return nil
}

func (v *EmulatedValve) ResetInputBuffer() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.output.Reset()
	return nil
}

// Commands returns the command lines received so far.
func (v *EmulatedValve) Commands() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]string, len(v.Received))
	for i, r := range v.Received {
		out[i] = r.Command
	}
	return out
}

// ReadTimeoutSetting returns the timeout most recently applied to the port.
func (v *EmulatedValve) ReadTimeoutSetting() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.readTimeout
}

// IsClosed reports whether Close was called.
func (v *EmulatedValve) IsClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.Closed
}

// CurrentPosition returns the emulated rotor position.
func (v *EmulatedValve) CurrentPosition() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.Position
}
