// Package serialmux provides the line-oriented serial transport used to talk to
// a valve controller, with the ability for multiple clients to subscribe to a
// live tail of the traffic on the line.
package serialmux

import (
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"tailscale.com/tsweb"

	"github.com/banshee-data/vici/internal/monitoring"
)

var (
	ErrWriteFailed = fmt.Errorf("failed to write to serial port")
	ErrClosed      = errors.New("serial port closed")
)

// tailBuffer is the per-subscriber channel capacity. Lines are dropped for
// subscribers that fall further behind.
const tailBuffer = 64

// SerialMux is a line-oriented serial transport. It implements valve.Transport
// on top of any SerialPorter and fans every line written or read out to its
// subscribers.
type SerialMux[T SerialPorter] struct {
	port T
	name string

	// ioMu guards the line settings and serialises port I/O.
	ioMu        sync.Mutex
	mode        serial.Mode
	readTimeout time.Duration
	closed      bool

	subscribers  map[string]chan string
	subscriberMu sync.Mutex
}

// NewSerialMux wraps an already open port. mode must describe the settings the
// port was opened with; readTimeout is applied to the port.
func NewSerialMux[T SerialPorter](port T, name string, mode serial.Mode, readTimeout time.Duration) (*SerialMux[T], error) {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	return &SerialMux[T]{
		port:        port,
		name:        name,
		mode:        mode,
		readTimeout: readTimeout,
		subscribers: make(map[string]chan string),
	}, nil
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a new channel receiving every line sent ("> CP") or
// received ("< CP03") on the port. The ID is used to unsubscribe.
func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, tailBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *SerialMux[T]) publish(line string) {
	monitoring.Debugf("%s %s", s.name, line)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			// if the channel is full skip so as not to block the port
		}
	}
}

// Name returns the device path the port was opened on.
func (s *SerialMux[T]) Name() string { return s.name }

// WriteLine writes command terminated by a carriage return. Unread input left
// over from an earlier exchange is discarded first so that the next ReadLine
// returns the reply to this command.
func (s *SerialMux[T]) WriteLine(command string) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("failed to reset input buffer: %w", err)
	}
	line := strings.TrimRight(command, "\r\n") + string(lineTerminator)
	n, err := s.port.Write([]byte(line))
	if err != nil {
		return err
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	s.publish("> " + strings.TrimRight(line, "\r"))
	return nil
}

// ReadLine reads until a carriage return or line feed, which is included in
// the result. When the read timeout elapses first the bytes collected so far
// are returned, which is an empty slice if the device stayed silent.
func (s *SerialMux[T]) ReadLine() ([]byte, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	deadline := time.Now().Add(s.readTimeout)
	line := make([]byte, 0, 32)
	var b [1]byte
	for time.Now().Before(deadline) {
		n, err := s.port.Read(b[:])
		if err != nil {
			return line, err
		}
		if n == 0 {
			break
		}
		// a line feed trailing the previous carriage return is not a line
		if b[0] == lineFeed && len(line) == 0 {
			continue
		}
		line = append(line, b[0])
		if b[0] == lineTerminator || b[0] == lineFeed {
			break
		}
	}
	if len(line) == 0 {
		s.publish("< (no reply)")
	} else {
		s.publish("< " + strings.TrimRight(string(line), "\r\n"))
	}
	return line, nil
}

// BaudRate returns the current line speed.
func (s *SerialMux[T]) BaudRate() int {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.mode.BaudRate
}

// SetBaudRate reconfigures the open port to baud and drops any input received
// at the previous rate.
func (s *SerialMux[T]) SetBaudRate(baud int) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	mode := s.mode
	mode.BaudRate = baud
	if err := s.port.SetMode(&mode); err != nil {
		return fmt.Errorf("failed to set baud rate %d: %w", baud, err)
	}
	s.mode = mode
	return s.port.ResetInputBuffer()
}

// ReadTimeout returns the timeout applied to each ReadLine.
func (s *SerialMux[T]) ReadTimeout() time.Duration {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.readTimeout
}

// SetReadTimeout changes the timeout applied to each ReadLine.
func (s *SerialMux[T]) SetReadTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("invalid read timeout %s", d)
	}
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.port.SetReadTimeout(d); err != nil {
		return err
	}
	s.readTimeout = d
	return nil
}

// Close closes all subscribed channels and closes the serial port.
func (s *SerialMux[T]) Close() error {
	s.ioMu.Lock()
	if s.closed {
		s.ioMu.Unlock()
		return nil
	}
	s.closed = true
	s.ioMu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

// AttachAdminRoutes mounts a live tail of the serial traffic on the debug
// handler as Server-Sent Events.
func (s *SerialMux[T]) AttachAdminRoutes(debug *tsweb.DebugHandler) {
	debug.HandleFunc("tail", "live tail of serial traffic (SSE)", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		flusher, _ := w.(http.Flusher)
		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		if flusher != nil {
			flusher.Flush()
		}

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					// Channel closed, exit gracefully
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			case <-r.Context().Done():
				return
			}
		}
	})
}
