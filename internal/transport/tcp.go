package transport

import (
	"bufio"
	"fmt"
	"net"
	"time"
)

// TCPPort is a bench-testing stand-in for a real UART: it dials a plain
// byte-stream TCP connection and presents the same Port contract, so the
// bus task can run against a software bus simulator without hardware
// attached.
type TCPPort struct {
	conn   net.Conn
	reader *bufio.Reader
}

// DialTCP connects to a TCP endpoint emulating the field bus wire.
func DialTCP(addr string) (*TCPPort, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial bus simulator %s: %w", addr, err)
	}
	return &TCPPort{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// ReadByte blocks for up to readPollInterval so Run can observe context
// cancellation between bytes.
func (p *TCPPort) ReadByte() (byte, time.Time, error) {
	if err := p.conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
		return 0, time.Time{}, err
	}
	b, err := p.reader.ReadByte()
	at := time.Now()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, at, errTimeout
		}
		return 0, at, err
	}
	return b, at, nil
}

// Write sends raw bytes to the simulated bus.
func (p *TCPPort) Write(b []byte) (int, error) {
	return p.conn.Write(b)
}

// WriteByte writes a single byte, satisfying ebus.UARTWriter.
func (p *TCPPort) WriteByte(b byte) error {
	_, err := p.Write([]byte{b})
	return err
}

// Close closes the underlying connection.
func (p *TCPPort) Close() error {
	return p.conn.Close()
}
