package valve_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vici/internal/serialmux"
	"github.com/banshee-data/vici/internal/valve"
)

// gatedTransport holds every ReadLine until release is closed while hold is
// set, so tests can cancel a caller while the worker is mid-command.
type gatedTransport struct {
	valve.Transport
	hold    atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedTransport(t *testing.T, ev *serialmux.EmulatedValve) *gatedTransport {
	t.Helper()
	tr, err := serialmux.PortOpener(ev, serialmux.PortOptions{})(testPort, valve.DefaultBaud, testTimeout)
	require.NoError(t, err)
	return &gatedTransport{
		Transport: tr,
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
}

func (g *gatedTransport) ReadLine() ([]byte, error) {
	if g.hold.Load() {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		<-g.release
	}
	return g.Transport.ReadLine()
}

func openAsync(t *testing.T, ev *serialmux.EmulatedValve, cfg valve.Config) *valve.AsyncDriver {
	t.Helper()
	cfg.Port = testPort
	cfg.ReadTimeout = testTimeout
	a, err := valve.OpenAsync(context.Background(), cfg, serialmux.PortOpener(ev, serialmux.PortOptions{}))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAsyncDriver_SelectAndGet(t *testing.T) {
	ev := serialmux.NewEmulatedLowPressureMultiport(6, 1)
	a := openAsync(t, ev, valve.Config{
		Model:  valve.LowPressureMultiport,
		Labels: map[string]int{"waste": 6},
	})
	ctx := context.Background()

	require.NoError(t, a.SelectPort(ctx, valve.PortLabel("waste"), valve.Shortest))
	assert.True(t, a.State().Dirty)

	label, ok, err := a.GetPortLabel(ctx, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "waste", label)
	assert.False(t, a.State().Dirty)

	answer, err := a.SendCommand(ctx, valve.Command{Text: "CP", ExpectResponse: true})
	require.NoError(t, err)
	assert.Equal(t, "CP06\r", answer)

	answer, err = a.RecoverBaudRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "AM0\r", answer)

	assert.Equal(t, []string{"waste"}, a.Labels().Sorted())
	assert.Contains(t, a.String(), "on /dev/ttyV0 @ 9600 baud")
}

func TestAsyncDriver_ConcurrentCallers(t *testing.T) {
	ev := serialmux.NewEmulatedLowPressureMultiport(8, 3)
	a := openAsync(t, ev, valve.Config{Model: valve.LowPressureMultiport})

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pos, err := a.GetPort(context.Background(), true)
			if err == nil && pos != 3 {
				err = assert.AnError
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestAsyncDriver_CancelKeepsReplyPairing(t *testing.T) {
	ev := serialmux.NewEmulatedLowPressureMultiport(8, 3)
	g := newGatedTransport(t, ev)
	a, err := valve.NewAsyncDriver(context.Background(), g, valve.Config{Model: valve.LowPressureMultiport})
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	g.hold.Store(true)
	errCh := make(chan error, 1)
	go func() {
		_, err := a.GetPort(ctx, true)
		errCh <- err
	}()

	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never started the query")
	}
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller still waiting")
	}

	close(g.release)
	g.hold.Store(false)

	pos, err := a.GetPort(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 3, pos)

	commands := ev.Commands()
	assert.Equal(t, []string{"CP", "CP"}, commands[len(commands)-2:])
	assert.False(t, a.State().Dirty)
}

func TestNewAsyncDriver_CancelledHandshakeReleasesTransport(t *testing.T) {
	ev := serialmux.NewEmulatedLowPressureMultiport(8, 3)
	g := newGatedTransport(t, ev)
	g.hold.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := valve.NewAsyncDriver(ctx, g, valve.Config{Model: valve.LowPressureMultiport})
		errCh <- err
	}()

	<-g.entered
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(g.release)
	assert.Eventually(t, ev.IsClosed, 2*time.Second, 5*time.Millisecond)
}

func TestAsyncDriver_HandshakeError(t *testing.T) {
	ev := serialmux.NewEmulatedLowPressureMultiport(8, 3)
	ev.Replies = map[string]string{"CP": "CP?"}

	_, err := valve.OpenAsync(context.Background(), valve.Config{
		Port:        testPort,
		Model:       valve.LowPressureMultiport,
		ReadTimeout: testTimeout,
	}, serialmux.PortOpener(ev, serialmux.PortOptions{}))
	require.Error(t, err)
	assert.ErrorIs(t, err, valve.ErrProtocol)
	assert.True(t, ev.IsClosed())
}

func TestAsyncDriver_Close(t *testing.T) {
	ev := serialmux.NewEmulatedLowPressureMultiport(8, 3)
	a := openAsync(t, ev, valve.Config{Model: valve.LowPressureMultiport})

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.True(t, ev.IsClosed())

	_, err := a.GetPort(context.Background(), false)
	assert.ErrorIs(t, err, valve.ErrClosed)
}
