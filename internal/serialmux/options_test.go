package serialmux

import (
	"testing"

	"go.bug.st/serial"
)

func TestPortOptions_Normalize_Defaults(t *testing.T) {
	// Zero-value options should get the valve defaults applied
	got, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got.BaudRate != 9600 {
		t.Errorf("BaudRate = %d, want 9600", got.BaudRate)
	}
	if got.DataBits != 8 {
		t.Errorf("DataBits = %d, want 8", got.DataBits)
	}
	if got.StopBits != 1 {
		t.Errorf("StopBits = %d, want 1", got.StopBits)
	}
	if got.Parity != "N" {
		t.Errorf("Parity = %q, want %q", got.Parity, "N")
	}
}

func TestPortOptions_Normalize_ExplicitValues(t *testing.T) {
	opts := PortOptions{BaudRate: 57600, DataBits: 7, StopBits: 2, Parity: "even"}
	got, err := opts.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	want := PortOptions{BaudRate: 57600, DataBits: 7, StopBits: 2, Parity: "E"}
	if got != want {
		t.Errorf("Normalize() = %+v, want %+v", got, want)
	}
}

func TestPortOptions_Normalize_ValveBaudRates(t *testing.T) {
	for _, rate := range []int{9600, 19200, 38400, 57600, 115200} {
		got, err := PortOptions{BaudRate: rate}.Normalize()
		if err != nil {
			t.Errorf("Normalize() with baud %d: unexpected error %v", rate, err)
		}
		if got.BaudRate != rate {
			t.Errorf("Normalize() with baud %d: got %d", rate, got.BaudRate)
		}
	}
}

func TestPortOptions_Normalize_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts PortOptions
	}{
		{"non-standard baud", PortOptions{BaudRate: 12345}},
		{"data bits too small", PortOptions{DataBits: 4}},
		{"data bits too large", PortOptions{DataBits: 9}},
		{"stop bits", PortOptions{StopBits: 3}},
		{"parity", PortOptions{Parity: "X"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.opts.Normalize(); err == nil {
				t.Errorf("Normalize(%+v) returned nil error", tt.opts)
			}
		})
	}
}

func TestPortOptions_WithBaudRate(t *testing.T) {
	base := PortOptions{BaudRate: 9600, Parity: "E"}
	got := base.WithBaudRate(38400)
	if got.BaudRate != 38400 || got.Parity != "E" {
		t.Errorf("WithBaudRate() = %+v", got)
	}
	if base.BaudRate != 9600 {
		t.Error("WithBaudRate modified the receiver")
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	tests := []struct {
		name string
		opts PortOptions
		want serial.Mode
	}{
		{
			name: "default",
			opts: PortOptions{},
			want: serial.Mode{BaudRate: 9600, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit},
		},
		{
			name: "even parity",
			opts: PortOptions{Parity: "E"},
			want: serial.Mode{BaudRate: 9600, DataBits: 8, Parity: serial.EvenParity, StopBits: serial.OneStopBit},
		},
		{
			name: "odd parity two stop bits",
			opts: PortOptions{BaudRate: 19200, Parity: "O", StopBits: 2},
			want: serial.Mode{BaudRate: 19200, DataBits: 8, Parity: serial.OddParity, StopBits: serial.TwoStopBits},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.opts.SerialMode()
			if err != nil {
				t.Fatalf("SerialMode() error = %v", err)
			}
			if got.BaudRate != tt.want.BaudRate || got.DataBits != tt.want.DataBits ||
				got.Parity != tt.want.Parity || got.StopBits != tt.want.StopBits {
				t.Errorf("SerialMode() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestPortOptions_SerialMode_InvalidOptions(t *testing.T) {
	if _, err := (PortOptions{DataBits: 9}).SerialMode(); err == nil {
		t.Error("expected error for invalid options")
	}
}
