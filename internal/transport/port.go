// Package transport implements the byte-oriented bidirectional channel to
// the field bus (component Q): a real UART for production use, and a TCP
// loopback fallback for bench testing without hardware attached. Both
// implementations satisfy ebus.UARTWriter via WriteByte, and stamp every
// received byte with a microsecond-resolution timestamp for the bus-state
// tracker and handler.
package transport

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// readPollInterval bounds how long a single blocking read call can run
// before Run re-checks ctx, so cancellation is never stuck behind an idle
// bus with nothing arriving.
const readPollInterval = 200 * time.Millisecond

// Port is the field-bus transport contract: ReadByte blocks until one byte
// arrives (or the configured poll interval elapses, reported as
// errTimeout) and stamps its arrival time; Write sends raw bytes.
type Port interface {
	ReadByte() (b byte, tStamp time.Time, err error)
	Write(p []byte) (int, error)
}

var errTimeout = fmt.Errorf("transport: read timeout")

// SerialConfig configures a real UART connection.
type SerialConfig struct {
	Device   string
	BaudRate int
}

// SerialPort wraps go.bug.st/serial for the 2400-baud half-duplex line the
// field bus runs on.
type SerialPort struct {
	port serial.Port
}

// OpenSerial opens the configured serial device with 8N1 framing, the
// eBUS-mandated mode.
func OpenSerial(cfg SerialConfig) (*SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Device, err)
	}
	if err := port.SetReadTimeout(readPollInterval); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", cfg.Device, err)
	}
	return &SerialPort{port: port}, nil
}

// ReadByte blocks for up to the configured read timeout, returning
// errTimeout on an idle bus so Run can distinguish that from a real
// I/O failure.
func (p *SerialPort) ReadByte() (byte, time.Time, error) {
	buf := make([]byte, 1)
	n, err := p.port.Read(buf)
	at := time.Now()
	if err != nil {
		return 0, at, err
	}
	if n == 0 {
		return 0, at, errTimeout
	}
	return buf[0], at, nil
}

// Write sends raw bytes to the bus.
func (p *SerialPort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// WriteByte writes a single byte, satisfying ebus.UARTWriter.
func (p *SerialPort) WriteByte(b byte) error {
	_, err := p.Write([]byte{b})
	return err
}

// Close releases the underlying port.
func (p *SerialPort) Close() error {
	return p.port.Close()
}

// Run reads from port until ctx is canceled, invoking onByte with each
// byte's receive timestamp. Idle-read timeouts are swallowed so the loop
// can re-check ctx; any other error terminates the loop.
func Run(ctx context.Context, port Port, onByte func(b byte, at time.Time)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b, at, err := port.ReadByte()
		if err == errTimeout {
			continue
		}
		if err != nil {
			return fmt.Errorf("read byte: %w", err)
		}
		onByte(b, at)
	}
}
