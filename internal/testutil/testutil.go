// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/vici/internal/serialmux"
	"github.com/banshee-data/vici/internal/valve"
)

// EmulatedPort is the port name OpenEmulated gives its drivers.
const EmulatedPort = "/dev/ttyV0"

// EmulatedReadTimeout keeps silent reads short; the emulator answers
// immediately when it answers at all.
const EmulatedReadTimeout = 20 * time.Millisecond

// OpenEmulated runs the handshake against ev and closes the driver when the
// test ends. cfg.Port and cfg.ReadTimeout default to EmulatedPort and
// EmulatedReadTimeout.
func OpenEmulated(t testing.TB, ev *serialmux.EmulatedValve, cfg valve.Config) *valve.Driver {
	t.Helper()
	if cfg.Port == "" {
		cfg.Port = EmulatedPort
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = EmulatedReadTimeout
	}
	d, err := valve.Open(cfg, serialmux.PortOpener(ev, serialmux.PortOptions{}))
	if err != nil {
		t.Fatalf("failed to open emulated valve: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewLoopbackRequest creates a test HTTP request that appears to come from
// localhost, which the tsweb debug pages require.
func NewLoopbackRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// Get serves a loopback GET for path on h.
func Get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, NewLoopbackRequest(http.MethodGet, path))
	return rec
}
