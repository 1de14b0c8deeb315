package valve

import (
	"context"
	"fmt"
	"sync"
)

// Selector is implemented by both the blocking Driver and the cooperative
// AsyncDriver.
type Selector interface {
	SendCommand(ctx context.Context, cmd Command) (string, error)
	RecoverBaudRate(ctx context.Context) (string, error)
	SelectPort(ctx context.Context, p Port, dir Direction) error
	GetPort(ctx context.Context, hard bool) (int, error)
	GetPortLabel(ctx context.Context, hard bool) (string, bool, error)
	Labels() Labels
	State() State
	Close() error
}

var (
	_ Selector = (*Driver)(nil)
	_ Selector = (*AsyncDriver)(nil)
)

// AsyncDriver is the cooperative valve adapter. One worker goroutine owns the
// Driver and runs requests one at a time. A caller whose context is cancelled
// stops waiting immediately, but a command the worker already started runs to
// completion, so the next request still gets its own reply.
type AsyncDriver struct {
	d        *Driver
	requests chan func()
	quit     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewAsyncDriver runs the handshake on t in the background and waits for it
// under ctx. The driver owns t: it is closed on any failure, including a
// cancelled ctx.
func NewAsyncDriver(ctx context.Context, t Transport, cfg Config) (*AsyncDriver, error) {
	type result struct {
		d   *Driver
		err error
	}
	res := make(chan result, 1)
	go func() {
		d, err := NewDriver(t, cfg)
		res <- result{d, err}
	}()

	select {
	case r := <-res:
		if r.err != nil {
			return nil, r.err
		}
		return startAsync(r.d), nil
	case <-ctx.Done():
		go func() {
			if r := <-res; r.err == nil {
				r.d.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// OpenAsync is Open for the cooperative adapter.
func OpenAsync(ctx context.Context, cfg Config, open Opener) (*AsyncDriver, error) {
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
	return NewAsyncDriver(ctx, t, cfg)
}

func startAsync(d *Driver) *AsyncDriver {
	a := &AsyncDriver{
		d:        d,
		requests: make(chan func()),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncDriver) run() {
	defer close(a.done)
	for {
		select {
		case fn := <-a.requests:
			fn()
		case <-a.quit:
			return
		}
	}
}

func call[T any](ctx context.Context, a *AsyncDriver, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	var zero T
	res := make(chan result, 1)
	job := func() {
		v, err := fn()
		res <- result{v, err}
	}

	select {
	case a.requests <- job:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-a.done:
		return zero, ErrClosed
	}

	select {
	case r := <-res:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (a *AsyncDriver) SendCommand(ctx context.Context, cmd Command) (string, error) {
	return call(ctx, a, func() (string, error) { return a.d.SendCommand(ctx, cmd) })
}

func (a *AsyncDriver) RecoverBaudRate(ctx context.Context) (string, error) {
	return call(ctx, a, func() (string, error) { return a.d.RecoverBaudRate(ctx) })
}

func (a *AsyncDriver) SelectPort(ctx context.Context, p Port, dir Direction) error {
	_, err := call(ctx, a, func() (struct{}, error) { return struct{}{}, a.d.SelectPort(ctx, p, dir) })
	return err
}

func (a *AsyncDriver) GetPort(ctx context.Context, hard bool) (int, error) {
	return call(ctx, a, func() (int, error) { return a.d.GetPort(ctx, hard) })
}

func (a *AsyncDriver) GetPortLabel(ctx context.Context, hard bool) (string, bool, error) {
	type labelResult struct {
		label string
		ok    bool
	}
	r, err := call(ctx, a, func() (labelResult, error) {
		label, ok, err := a.d.GetPortLabel(ctx, hard)
		return labelResult{label, ok}, err
	})
	return r.label, r.ok, err
}

func (a *AsyncDriver) Labels() Labels { return a.d.Labels() }

func (a *AsyncDriver) State() State { return a.d.State() }

func (a *AsyncDriver) String() string { return a.d.String() }

// Close stops the worker after its current request and releases the
// transport.
func (a *AsyncDriver) Close() error {
	var err error
	a.once.Do(func() {
		close(a.quit)
		<-a.done
		err = a.d.Close()
	})
	return err
}
