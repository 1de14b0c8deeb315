package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.bug.st/serial"
	"tailscale.com/tsweb"
)

func newTestMux(t *testing.T) (*SerialMux[*TestableSerialPort], *TestableSerialPort) {
	t.Helper()
	port := NewTestableSerialPort()
	mux, err := NewSerialMux(port, "/dev/ttyTEST0", serial.Mode{BaudRate: 9600, DataBits: 8}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSerialMux() error = %v", err)
	}
	return mux, port
}

func TestNewSerialMux(t *testing.T) {
	mux, port := newTestMux(t)

	if mux.Name() != "/dev/ttyTEST0" {
		t.Errorf("Name() = %q", mux.Name())
	}
	if mux.BaudRate() != 9600 {
		t.Errorf("BaudRate() = %d, want 9600", mux.BaudRate())
	}
	if port.ReadTimeout != 50*time.Millisecond {
		t.Errorf("port read timeout = %v, want 50ms", port.ReadTimeout)
	}
	if mux.ReadTimeout() != 50*time.Millisecond {
		t.Errorf("ReadTimeout() = %v, want 50ms", mux.ReadTimeout())
	}
}

func TestNewSerialMux_DefaultTimeout(t *testing.T) {
	port := NewTestableSerialPort()
	mux, err := NewSerialMux(port, "p", serial.Mode{BaudRate: 9600}, 0)
	if err != nil {
		t.Fatalf("NewSerialMux() error = %v", err)
	}
	if mux.ReadTimeout() != DefaultReadTimeout {
		t.Errorf("ReadTimeout() = %v, want %v", mux.ReadTimeout(), DefaultReadTimeout)
	}
}

func TestSerialMux_WriteLine(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    string
	}{
		{"appends carriage return", "CP", "CP\r"},
		{"keeps a single terminator", "GO05\r", "GO05\r"},
		{"replaces line feed", "AM\n", "AM\r"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux, port := newTestMux(t)
			if err := mux.WriteLine(tt.command); err != nil {
				t.Fatalf("WriteLine() error = %v", err)
			}
			if got := string(port.GetWrittenData()); got != tt.want {
				t.Errorf("written %q, want %q", got, tt.want)
			}
			if port.Resets != 1 {
				t.Errorf("ResetInputBuffer called %d times, want 1", port.Resets)
			}
		})
	}
}

func TestSerialMux_WriteLine_Errors(t *testing.T) {
	mux, port := newTestMux(t)

	writeErr := errors.New("device unplugged")
	port.WriteError = writeErr
	if err := mux.WriteLine("CP"); !errors.Is(err, writeErr) {
		t.Errorf("WriteLine() error = %v, want %v", err, writeErr)
	}

	port.ShortWrite = true
	if err := mux.WriteLine("CP"); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("short write error = %v, want ErrWriteFailed", err)
	}
}

func TestSerialMux_ReadLine(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"carriage return", "CP03\r", []string{"CP03\r"}},
		{"two lines", "AM0\rNP08\r", []string{"AM0\r", "NP08\r"}},
		{"crlf", "CP03\r\nCP04\r\n", []string{"CP03\r", "CP04\r"}},
		{"line feed only", "CP03\n", []string{"CP03\n"}},
		{"partial line on timeout", "CP0", []string{"CP0"}},
		{"silence", "", []string{""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux, port := newTestMux(t)
			port.AddReadData([]byte(tt.input))
			for i, want := range tt.want {
				got, err := mux.ReadLine()
				if err != nil {
					t.Fatalf("ReadLine() #%d error = %v", i, err)
				}
				if string(got) != want {
					t.Errorf("ReadLine() #%d = %q, want %q", i, got, want)
				}
			}
		})
	}
}

func TestSerialMux_ReadLine_Error(t *testing.T) {
	mux, port := newTestMux(t)
	readErr := errors.New("i/o error")
	port.ReadError = readErr

	if _, err := mux.ReadLine(); !errors.Is(err, readErr) {
		t.Errorf("ReadLine() error = %v, want %v", err, readErr)
	}
}

func TestSerialMux_SetBaudRate(t *testing.T) {
	mux, port := newTestMux(t)
	port.KeepInput = false
	port.AddReadData([]byte("garbage"))

	if err := mux.SetBaudRate(57600); err != nil {
		t.Fatalf("SetBaudRate() error = %v", err)
	}
	if mux.BaudRate() != 57600 {
		t.Errorf("BaudRate() = %d, want 57600", mux.BaudRate())
	}
	if port.Mode == nil || port.Mode.BaudRate != 57600 || port.Mode.DataBits != 8 {
		t.Errorf("port mode = %+v, want 57600 baud with 8 data bits kept", port.Mode)
	}
	if port.ReadBuffer.Len() != 0 {
		t.Error("input received at the old baud rate was not discarded")
	}
}

func TestSerialMux_SetReadTimeout(t *testing.T) {
	mux, port := newTestMux(t)

	if err := mux.SetReadTimeout(2 * time.Second); err != nil {
		t.Fatalf("SetReadTimeout() error = %v", err)
	}
	if mux.ReadTimeout() != 2*time.Second || port.ReadTimeout != 2*time.Second {
		t.Errorf("timeout = %v (port %v), want 2s", mux.ReadTimeout(), port.ReadTimeout)
	}
	if err := mux.SetReadTimeout(0); err == nil {
		t.Error("SetReadTimeout(0) should fail")
	}
	if mux.ReadTimeout() != 2*time.Second {
		t.Error("rejected timeout changed the setting")
	}
}

func TestSerialMux_Close(t *testing.T) {
	mux, port := newTestMux(t)
	_, ch := mux.Subscribe()

	if err := mux.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !port.Closed {
		t.Error("port not closed")
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel not closed")
	}
	if err := mux.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := mux.WriteLine("CP"); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteLine after Close error = %v, want ErrClosed", err)
	}
	if _, err := mux.ReadLine(); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadLine after Close error = %v, want ErrClosed", err)
	}
	if err := mux.SetBaudRate(19200); !errors.Is(err, ErrClosed) {
		t.Errorf("SetBaudRate after Close error = %v, want ErrClosed", err)
	}
}

func TestSerialMux_SubscribeSeesTraffic(t *testing.T) {
	mux, port := newTestMux(t)
	id, ch := mux.Subscribe()
	defer mux.Unsubscribe(id)

	port.AddReadData([]byte("CP03\r"))
	if err := mux.WriteLine("CP"); err != nil {
		t.Fatal(err)
	}
	if _, err := mux.ReadLine(); err != nil {
		t.Fatal(err)
	}
	if _, err := mux.ReadLine(); err != nil {
		t.Fatal(err)
	}

	want := []string{"> CP", "< CP03", "< (no reply)"}
	for _, w := range want {
		select {
		case got := <-ch:
			if got != w {
				t.Errorf("tail line = %q, want %q", got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
}

func TestSerialMux_Unsubscribe(t *testing.T) {
	mux, _ := newTestMux(t)
	id1, _ := mux.Subscribe()
	id2, ch2 := mux.Subscribe()
	if id1 == id2 {
		t.Fatal("subscription IDs should be unique")
	}

	mux.Unsubscribe(id2)
	if _, ok := <-ch2; ok {
		t.Error("unsubscribed channel should be closed")
	}
	mux.Unsubscribe("no-such-id")

	mux.subscriberMu.Lock()
	n := len(mux.subscribers)
	mux.subscriberMu.Unlock()
	if n != 1 {
		t.Errorf("subscribers = %d, want 1", n)
	}
}

func TestAttachAdminRoutes_Tail(t *testing.T) {
	mux, _ := newTestMux(t)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(tsweb.Debugger(httpMux))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/debug/tail", nil).WithContext(ctx)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		httpMux.ServeHTTP(rec, req)
	}()

	// wait for the handler to subscribe before producing traffic
	deadline := time.Now().Add(2 * time.Second)
	for {
		mux.subscriberMu.Lock()
		n := len(mux.subscribers)
		mux.subscriberMu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("tail handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := mux.WriteLine("GO04"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if !strings.Contains(body, ": ping") {
		t.Errorf("missing initial ping in %q", body)
	}
	if !strings.Contains(body, "data: > GO04") {
		t.Errorf("missing tailed command in %q", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestAttachAdminRoutes_TailRejectsPost(t *testing.T) {
	mux, _ := newTestMux(t)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(tsweb.Debugger(httpMux))

	req := httptest.NewRequest(http.MethodPost, "/debug/tail", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}
