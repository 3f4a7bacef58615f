package gps

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ErrDeviceClosed is returned by Device operations after Close.
var ErrDeviceClosed = errors.New("gps: device closed")

// DeviceConfig selects the receiver's serial port.
//
// Path may be empty to auto-detect the first USB/ACM port.
type DeviceConfig struct {
	Path        string
	Baud        int
	ReadTimeout time.Duration
}

// Port is the subset of serial.Port the bridge uses. Tests substitute an
// in-memory implementation.
type Port interface {
	io.ReadWriteCloser
}

// Device wraps the receiver port. Read is single-reader (ingestion); Write
// (correction relay) and Close (shutdown) may race with it and with each
// other.
type Device struct {
	port Port
	path string

	mu     sync.Mutex
	closed bool
}

// NewDevice wraps an already open port.
func NewDevice(port Port, path string) *Device {
	return &Device{port: port, path: path}
}

// OpenDevice opens the port in 8N1 raw mode with a bounded read timeout so
// the ingestion loop observes cancellation at a predictable cadence.
func OpenDevice(cfg DeviceConfig) (*Device, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = autoDetectDevice()
		if path == "" {
			return nil, fmt.Errorf("serial auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found")
		}
	}
	baud := cfg.Baud
	if baud <= 0 {
		baud = 115200
	}
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = time.Second
	}

	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial device=%s baud=%d: %w", path, baud, err)
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout device=%s: %w", path, err)
	}
	return NewDevice(port, path), nil
}

func (d *Device) Path() string { return d.path }

// Read returns (0, nil) when the read timeout elapses without data.
func (d *Device) Read(p []byte) (int, error) {
	if d.isClosed() {
		return 0, ErrDeviceClosed
	}
	n, err := d.port.Read(p)
	if err != nil && d.isClosed() {
		return n, ErrDeviceClosed
	}
	return n, err
}

func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrDeviceClosed
	}
	return d.port.Write(p)
}

// Close is idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.port.Close()
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func autoDetectDevice() string {
	ports, err := serial.GetPortsList()
	if err != nil {
		return ""
	}
	for _, p := range ports {
		if strings.HasPrefix(p, "/dev/ttyACM") || strings.HasPrefix(p, "/dev/ttyUSB") {
			return p
		}
	}
	return ""
}
