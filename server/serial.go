package tessitura

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// SerialPort is the part of a serial device the line reader needs.
// go.bug.st/serial.Port satisfies it; tests use a fake.
type SerialPort interface {
	Read(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	Close() error
}

// SerialOpener opens a device at 8-N-1 with the given baud
type SerialOpener func(device string, baud int) (SerialPort, error)

// OpenSerialPort is the real device opener
var OpenSerialPort SerialOpener = func(device string, baud int) (SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(device, mode)
}

// SerialTransport reads one LF-terminated line per call.
// A line that has not completed by the timeout is dropped, nothing
// is carried over to the next call.
type SerialTransport struct {
	port    SerialPort
	device  string
	timeout time.Duration
	alive   atomic.Bool
	rx      atomic.Uint64
}

// OpenSerial opens the device with OpenSerialPort
func OpenSerial(device string, baud int, timeout time.Duration) (*SerialTransport, error) {
	port, err := OpenSerialPort(device, baud)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", device, err)
	}
	slog.Info("Serial transport opened", slog.String("device", device), slog.Int("baud", baud))
	return NewSerialTransport(port, device, timeout), nil
}

// NewSerialTransport wraps an already open port
func NewSerialTransport(port SerialPort, device string, timeout time.Duration) *SerialTransport {
	st := &SerialTransport{
		port:    port,
		device:  device,
		timeout: timeout,
	}
	st.alive.Store(true)
	return st
}

func (st *SerialTransport) ReadFrame() ([]byte, bool) {
	if !st.alive.Load() {
		return nil, false
	}

	deadline := time.Now().Add(st.timeout)
	line := make([]byte, 0, 128)
	one := make([]byte, 1)

	// one byte at a time so nothing past the LF is consumed
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		if err := st.port.SetReadTimeout(remaining); err != nil {
			slog.Debug("Serial timeout not set", slog.String("device", st.device), slog.Any("Error", err))
			st.alive.Store(false)
			return nil, false
		}

		n, err := st.port.Read(one)
		if err != nil {
			slog.Debug("Serial read failed", slog.String("device", st.device), slog.Any("Error", err))
			st.alive.Store(false)
			return nil, false
		}
		if n == 0 {
			// read timeout
			return nil, false
		}

		st.rx.Add(1)
		line = append(line, one[0])
		if one[0] == '\n' {
			return line, true
		}
	}
}

func (st *SerialTransport) Alive() bool     { return st.alive.Load() }
func (st *SerialTransport) RxBytes() uint64 { return st.rx.Load() }

func (st *SerialTransport) Close() error {
	st.alive.Store(false)
	return st.port.Close()
}
