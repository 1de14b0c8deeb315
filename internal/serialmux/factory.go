package serialmux

import (
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/vici/internal/valve"
)

// OpenSerial opens a real serial port at path and wraps it in a SerialMux.
func OpenSerial(path string, opts PortOptions, readTimeout time.Duration) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}

	mux, err := NewSerialMux[serial.Port](port, path, *mode, readTimeout)
	if err != nil {
		port.Close()
		return nil, err
	}
	return mux, nil
}

// Opener returns a valve.Opener that opens real serial ports using opts for
// everything but the baud rate, which the driver chooses.
func Opener(opts PortOptions) valve.Opener {
	return func(name string, baud int, readTimeout time.Duration) (valve.Transport, error) {
		mux, err := OpenSerial(name, opts.WithBaudRate(baud), readTimeout)
		if err != nil {
			return nil, err
		}
		return mux, nil
	}
}

// PortOpener adapts an already constructed SerialPorter, such as a test fake
// or an emulated valve, to a valve.Opener.
func PortOpener[T SerialPorter](port T, opts PortOptions) valve.Opener {
	return func(name string, baud int, readTimeout time.Duration) (valve.Transport, error) {
		mode, err := opts.WithBaudRate(baud).SerialMode()
		if err != nil {
			return nil, err
		}
		if err := port.SetMode(mode); err != nil {
			return nil, err
		}
		mux, err := NewSerialMux(port, name, *mode, readTimeout)
		if err != nil {
			return nil, err
		}
		return mux, nil
	}
}

// ListPorts returns the serial ports present on this machine.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}
