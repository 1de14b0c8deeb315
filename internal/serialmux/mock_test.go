package serialmux

import (
	"testing"
	"time"

	"go.bug.st/serial"
)

func newEmulatedMux(t *testing.T, v *EmulatedValve, baud int) *SerialMux[*EmulatedValve] {
	t.Helper()
	mode := serial.Mode{BaudRate: baud}
	if err := v.SetMode(&mode); err != nil {
		t.Fatal(err)
	}
	mux, err := NewSerialMux(v, "emulated", mode, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	return mux
}

func exchange(t *testing.T, mux *SerialMux[*EmulatedValve], cmd string) string {
	t.Helper()
	if err := mux.WriteLine(cmd); err != nil {
		t.Fatalf("WriteLine(%q) error = %v", cmd, err)
	}
	line, err := mux.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine() after %q error = %v", cmd, err)
	}
	return string(line)
}

func TestEmulatedValve_LowPressureMultiport(t *testing.T) {
	v := NewEmulatedLowPressureMultiport(8, 3)
	mux := newEmulatedMux(t, v, 9600)

	tests := []struct {
		cmd  string
		want string
	}{
		{"AM", "AM0\r"},
		{"NP", "NP08\r"},
		{"CP", "CP03\r"},
		{"XX", "XX?\r"},
	}
	for _, tt := range tests {
		if got := exchange(t, mux, tt.cmd); got != tt.want {
			t.Errorf("%s -> %q, want %q", tt.cmd, got, tt.want)
		}
	}
}

func TestEmulatedValve_HighPressureFormats(t *testing.T) {
	v := NewEmulatedHighPressureMultiport(10, 7)
	mux := newEmulatedMux(t, v, 9600)

	np := exchange(t, mux, "NP")
	if np[5:7] != "10" {
		t.Errorf("NP reply %q: bytes [5,7) = %q, want 10", np, np[5:7])
	}
	cp := exchange(t, mux, "CP")
	if cp[15:17] != "07" {
		t.Errorf("CP reply %q: bytes [15,17) = %q, want 07", cp, cp[15:17])
	}
}

func TestEmulatedValve_Switch(t *testing.T) {
	v := NewEmulatedSwitch(2)
	mux := newEmulatedMux(t, v, 9600)

	am := exchange(t, mux, "AM")
	if am[2] != '1' {
		t.Errorf("AM reply %q should mark a switch at byte 2", am)
	}
	if got := exchange(t, mux, "NP"); got != "NP = Invalid\r" {
		t.Errorf("NP -> %q", got)
	}
	if got := exchange(t, mux, "CP"); got != "CP2\r" {
		t.Errorf("CP -> %q", got)
	}
}

func TestEmulatedValve_MoveCommands(t *testing.T) {
	v := NewEmulatedLowPressureMultiport(6, 1)
	mux := newEmulatedMux(t, v, 9600)

	for _, tt := range []struct {
		cmd  string
		want int
	}{
		{"GO06", 6},
		{"CW02", 2},
		{"CC05", 5},
		{"GO09", 5}, // out of range, rejected
	} {
		if err := mux.WriteLine(tt.cmd); err != nil {
			t.Fatal(err)
		}
		if got := v.CurrentPosition(); got != tt.want {
			t.Errorf("after %s position = %d, want %d", tt.cmd, got, tt.want)
		}
	}

	// the rejection reply is discarded before the next command
	if got := exchange(t, mux, "CP"); got != "CP05\r" {
		t.Errorf("CP -> %q, want CP05", got)
	}
}

func TestEmulatedValve_IgnoresWrongBaud(t *testing.T) {
	v := NewEmulatedLowPressureMultiport(8, 1)
	v.DeviceBaud = 57600
	mux := newEmulatedMux(t, v, 9600)

	if got := exchange(t, mux, "AM"); got != "" {
		t.Errorf("reply at wrong baud = %q, want silence", got)
	}
	if err := mux.SetBaudRate(57600); err != nil {
		t.Fatal(err)
	}
	if got := exchange(t, mux, "AM"); got != "AM0\r" {
		t.Errorf("reply at device baud = %q", got)
	}

	if len(v.Received) != 2 || v.Received[0].BaudRate != 9600 || v.Received[1].BaudRate != 57600 {
		t.Errorf("Received = %+v", v.Received)
	}
}

func TestEmulatedValve_ReplyOverrides(t *testing.T) {
	v := NewEmulatedLowPressureMultiport(8, 1)
	v.Replies = map[string]string{"AM": "", "NP": "NP?"}
	mux := newEmulatedMux(t, v, 9600)

	if got := exchange(t, mux, "AM"); got != "" {
		t.Errorf("silenced AM -> %q", got)
	}
	if got := exchange(t, mux, "NP"); got != "NP?\r" {
		t.Errorf("overridden NP -> %q", got)
	}
	if cmds := v.Commands(); len(cmds) != 2 || cmds[0] != "AM" || cmds[1] != "NP" {
		t.Errorf("Commands() = %v", cmds)
	}
}
