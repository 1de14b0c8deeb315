// Package valve drives Vici multiport selector and switch valves over a
// serial line using their ASCII command protocol.
//
// A Driver performs the connection handshake (model probe, baud rate
// recovery, position count discovery, initial position read) and then
// translates port requests into move commands, caching the current position
// until a move makes it stale.
package valve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/vici/internal/monitoring"
)

const (
	DefaultBaud        = 9600
	DefaultReadTimeout = 500 * time.Millisecond
)

// BaudRates are tried in order when the valve does not answer at the
// configured rate.
var BaudRates = []int{9600, 19200, 38400, 57600, 115200}

// ErrClosed is returned by operations on a closed driver.
var ErrClosed = errors.New("valve driver closed")

// Config describes one valve connection.
type Config struct {
	// Port is the serial device, e.g. /dev/ttyUSB0. Only Open needs it.
	Port  string
	Model Model
	// Baud is the rate tried first. Zero means DefaultBaud.
	Baud int
	// Labels optionally names ports, e.g. {"sample": 3, "waste": 6}.
	Labels map[string]int
	// ReadTimeout bounds each reply read. Zero means DefaultReadTimeout.
	ReadTimeout time.Duration
	// Observer, if set, is told about moves and position reads.
	Observer Observer
}

func (c Config) withDefaults() Config {
	if c.Baud <= 0 {
		c.Baud = DefaultBaud
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	return c
}

// Validate checks the parts of c that do not need a connection.
func (c Config) Validate() error {
	if _, err := LookupProfile(c.Model); err != nil {
		return err
	}
	if c.Baud < 0 {
		return configError(fmt.Sprintf("invalid baud rate %d", c.Baud))
	}
	if c.ReadTimeout < 0 {
		return configError(fmt.Sprintf("invalid read timeout %s", c.ReadTimeout))
	}
	if c.Labels != nil {
		if _, err := NewLabels(c.Labels); err != nil {
			return err
		}
	}
	return nil
}

// Command is a single request to the valve.
type Command struct {
	Text string
	// ExpectResponse makes SendCommand wait for and return one reply line.
	ExpectResponse bool
	// AllowQuestionMark accepts replies containing '?', which the valve
	// otherwise uses to reject a command.
	AllowQuestionMark bool
	// Timeout overrides the read timeout for this command only. Zero keeps
	// the current timeout.
	Timeout time.Duration
}

// State is a snapshot of a driver's view of its valve.
type State struct {
	Phase       Phase         `json:"phase"`
	Port        string        `json:"port"`
	Model       Model         `json:"model"`
	PortCount   int           `json:"port_count"`
	Labels      []string      `json:"labels"`
	CurrentPort int           `json:"current_port"`
	Dirty       bool          `json:"dirty"`
	BaudRate    int           `json:"baud_rate"`
	ReadTimeout time.Duration `json:"read_timeout"`
}

// Driver is the blocking valve adapter. All methods are safe for concurrent
// use; each whole operation holds the driver's lock so that request/reply
// pairs never interleave.
type Driver struct {
	mu sync.Mutex

	t        Transport
	model    Model
	profile  Profile
	observer Observer

	phase     Phase
	portCount int
	labels    Labels
	// current is the last position read from the valve, 0 before the first
	// hard read.
	current int
	dirty   bool
	closed  bool
}

// Open opens the configured serial port and runs the handshake on it.
func Open(cfg Config, open Opener) (*Driver, error) {
	cfg = cfg.withDefaults()
	if cfg.Port == "" {
		return nil, configError("serial port is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t, err := open(cfg.Port, cfg.Baud, cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Port, err)
	}
	return NewDriver(t, cfg)
}

// NewDriver runs the handshake on an open transport and returns a ready
// driver. The driver owns t from here on; if the handshake fails t is closed.
func NewDriver(t Transport, cfg Config) (*Driver, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		t.Close()
		return nil, err
	}
	profile, _ := LookupProfile(cfg.Model)
	d := &Driver{
		t:        t,
		model:    cfg.Model,
		profile:  profile,
		observer: cfg.Observer,
	}
	if err := d.handshake(cfg.Labels); err != nil {
		failedIn := d.phase
		d.setPhase(Failed)
		t.Close()
		return nil, fmt.Errorf("valve handshake on %s failed while %s: %w", t.Name(), failedIn, err)
	}
	if d.observer != nil {
		d.observer.OnConnect(d.stateLocked())
		label, _ := d.labels.Label(d.current)
		d.observer.OnPosition(d.current, label)
	}
	return d, nil
}

func (d *Driver) setPhase(p Phase) {
	monitoring.Debugf("valve %s: %s -> %s", d.t.Name(), d.phase, p)
	d.phase = p
}

func (d *Driver) handshake(userLabels map[string]int) error {
	d.setPhase(Probing)
	answer, err := d.send(Command{Text: CmdModel, ExpectResponse: true})
	if err != nil {
		return err
	}
	if answer == "" {
		d.setPhase(BaudRecovering)
		if answer, err = d.recoverBaudRate(); err != nil {
			return err
		}
	}

	isSwitch, err := isSwitchReply(answer)
	if err != nil {
		return err
	}
	d.setPhase(TypeConfirmed)

	switchLike := isSwitch
	d.portCount = switchPositions
	if !isSwitch {
		d.setPhase(CountingPositions)
		resp, err := d.send(Command{Text: CmdNumPositions, ExpectResponse: true})
		if err != nil {
			return err
		}
		field := d.profile.NumPositions.Extract(resp)
		if d.portCount, err = ParsePortCount(field); err != nil {
			return err
		}
		switchLike = strings.Contains(field, "Invalid")
	}

	switch {
	case userLabels != nil:
		if d.labels, err = NewLabels(userLabels); err != nil {
			return err
		}
		for _, label := range d.labels.Sorted() {
			if idx, _ := d.labels.Index(label); idx > d.portCount {
				monitoring.Warnf("valve %s: label %q refers to port %d but the valve has %d ports", d.t.Name(), label, idx, d.portCount)
			}
		}
	case switchLike:
		d.labels = SwitchLabels()
	default:
		d.labels = DefaultLabels(d.portCount)
	}
	d.setPhase(LabelsAssigned)

	if err := d.readPosition(); err != nil {
		return err
	}
	d.setPhase(PositionSynced)
	d.setPhase(Ready)
	return nil
}

// send writes cmd and, if asked to, reads and checks one reply line. A
// per-command timeout is restored before send returns, whatever the outcome.
func (d *Driver) send(cmd Command) (answer string, err error) {
	if err := d.t.WriteLine(cmd.Text); err != nil {
		return "", fmt.Errorf("failed to write %q: %w", cmd.Text, err)
	}
	if !cmd.ExpectResponse {
		return "", nil
	}
	if cmd.Timeout > 0 {
		prev := d.t.ReadTimeout()
		if err := d.t.SetReadTimeout(cmd.Timeout); err != nil {
			return "", fmt.Errorf("failed to set read timeout: %w", err)
		}
		defer func() {
			if rerr := d.t.SetReadTimeout(prev); rerr != nil && err == nil {
				err = fmt.Errorf("failed to restore read timeout: %w", rerr)
			}
		}()
	}
	raw, err := d.t.ReadLine()
	if err != nil {
		return "", fmt.Errorf("failed to read reply to %q: %w", cmd.Text, err)
	}
	answer, err = ParseResponse(raw, cmd.AllowQuestionMark)
	if err != nil {
		var ve *Error
		if errors.As(err, &ve) {
			ve.Op = cmd.Text
		}
		return "", err
	}
	return answer, nil
}

func (d *Driver) recoverBaudRate() (string, error) {
	for _, rate := range BaudRates {
		if err := d.t.SetBaudRate(rate); err != nil {
			return "", fmt.Errorf("failed to set baud rate %d: %w", rate, err)
		}
		answer, err := d.send(Command{Text: CmdModel, ExpectResponse: true})
		if err != nil {
			return "", err
		}
		if answer != "" {
			monitoring.Debugf("baud rate correction: %s", d.describe())
			return answer, nil
		}
	}
	monitoring.Warnf("no baud rates found for %s", d.t.Name())
	return "", &Error{Kind: KindConnectivity, Op: CmdModel, Msg: "valve not responding on any known baud rate"}
}

func (d *Driver) readPosition() error {
	resp, err := d.send(Command{Text: CmdCurrentPosition, ExpectResponse: true})
	if err != nil {
		return err
	}
	pos, err := ParsePosition(d.profile.CurrentPosition.Extract(resp))
	if err != nil {
		return err
	}
	d.current = pos
	d.dirty = false
	// the handshake read is reported after OnConnect
	if d.observer != nil && d.phase == Ready {
		label, _ := d.labels.Label(pos)
		d.observer.OnPosition(pos, label)
	}
	return nil
}

// begin takes the lock for one operation. The caller must unlock.
func (d *Driver) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	return nil
}

// SendCommand sends a raw command. With ExpectResponse it returns the reply
// line, terminator included.
func (d *Driver) SendCommand(ctx context.Context, cmd Command) (string, error) {
	if err := d.begin(ctx); err != nil {
		return "", err
	}
	defer d.mu.Unlock()
	return d.send(cmd)
}

// RecoverBaudRate sweeps BaudRates until the valve answers the model query
// and returns that answer.
func (d *Driver) RecoverBaudRate(ctx context.Context) (string, error) {
	if err := d.begin(ctx); err != nil {
		return "", err
	}
	defer d.mu.Unlock()
	return d.recoverBaudRate()
}

// SelectPort moves the valve to p. No confirmation is read back; the cached
// position is marked stale so the next GetPort queries the valve.
func (d *Driver) SelectPort(ctx context.Context, p Port, dir Direction) error {
	if err := d.begin(ctx); err != nil {
		return err
	}
	defer d.mu.Unlock()

	idx, err := ResolvePort(d.labels, p)
	if err != nil {
		return err
	}
	if idx < 1 || idx > d.portCount {
		return domainError("select", fmt.Sprintf("port %d does not exist (valve has %d ports)", idx, d.portCount))
	}
	cmd := FormatSelectCommand(idx, dir)
	if _, err := d.send(Command{Text: cmd}); err != nil {
		return err
	}
	d.dirty = true
	if d.observer != nil {
		label, _ := d.labels.Label(idx)
		d.observer.OnSelect(idx, label, cmd)
	}
	return nil
}

// GetPort returns the current port index. The valve is queried when hard is
// set or a move was issued since the last query; otherwise the cached
// position is returned without I/O.
func (d *Driver) GetPort(ctx context.Context, hard bool) (int, error) {
	if err := d.begin(ctx); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()
	return d.getPort(hard)
}

func (d *Driver) getPort(hard bool) (int, error) {
	if hard || d.dirty {
		if err := d.readPosition(); err != nil {
			return 0, err
		}
	}
	return d.current, nil
}

// GetPortLabel is GetPort translated through the label mapping. A position
// without a label returns ok == false and no error.
func (d *Driver) GetPortLabel(ctx context.Context, hard bool) (label string, ok bool, err error) {
	if err := d.begin(ctx); err != nil {
		return "", false, err
	}
	defer d.mu.Unlock()
	pos, err := d.getPort(hard)
	if err != nil {
		return "", false, err
	}
	label, ok = d.labels.Label(pos)
	return label, ok, nil
}

// Labels returns the driver's port labelling.
func (d *Driver) Labels() Labels {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.labels
}

// State returns a snapshot of the driver.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateLocked()
}

func (d *Driver) stateLocked() State {
	return State{
		Phase:       d.phase,
		Port:        d.t.Name(),
		Model:       d.model,
		PortCount:   d.portCount,
		Labels:      d.labels.Sorted(),
		CurrentPort: d.current,
		Dirty:       d.dirty,
		BaudRate:    d.t.BaudRate(),
		ReadTimeout: d.t.ReadTimeout(),
	}
}

func (d *Driver) describe() string {
	return fmt.Sprintf("%s on %s @ %d baud", d.model, d.t.Name(), d.t.BaudRate())
}

func (d *Driver) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.describe()
}

// Close releases the transport. Later calls return ErrClosed.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.phase = Disconnected
	return d.t.Close()
}
