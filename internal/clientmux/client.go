package clientmux

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ebusgw/ebusd/internal/bufpool"
)

// Variant tags a connected client by which of the three listening sockets
// accepted it, dispatching available/read/write/handle-bus-data without a
// virtual table.
type Variant int

const (
	ReadOnly Variant = iota
	Regular
	Enhanced
)

func (v Variant) String() string {
	switch v {
	case ReadOnly:
		return "readonly"
	case Regular:
		return "regular"
	case Enhanced:
		return "enhanced"
	default:
		return "unknown"
	}
}

// Client is one connected TCP peer, tagged with the variant of the port it
// arrived on.
type Client struct {
	conn    net.Conn
	variant Variant
	reader  *bufio.Reader

	id int64

	writeMu sync.Mutex
	closed  atomic.Bool
}

var nextClientID atomic.Int64

func newClient(conn net.Conn, variant Variant) *Client {
	return &Client{
		conn:    conn,
		variant: variant,
		reader:  bufio.NewReader(conn),
		id:      nextClientID.Add(1),
	}
}

// Variant reports which listening port this client arrived on.
func (c *Client) Variant() Variant { return c.variant }

// WriteCapable reports whether this client's variant may drive bus writes.
func (c *Client) WriteCapable() bool { return c.variant != ReadOnly }

// Available reports whether a byte can be read from this client without
// blocking.
func (c *Client) Available() bool {
	return c.reader.Buffered() > 0
}

// ReadByte reads one raw byte sent by the client.
func (c *Client) ReadByte() (byte, error) {
	return c.reader.ReadByte()
}

// ForwardBusByte sends one raw bus byte to this client, in whatever framing
// its variant calls for: ReadOnly and Regular clients get the byte
// verbatim; Enhanced clients get it in short form when it fits (< 0x80), or
// as an INFO frame carrying the high bit otherwise, so an enhanced peer can
// still distinguish "on-bus observation" from its own command responses.
func (c *Client) ForwardBusByte(b byte) error {
	if isShortForm(b) || c.variant != Enhanced {
		return c.writeRaw([]byte{b})
	}
	b1, b2 := encodeFrame(cmdInfo, b)
	return c.writeRaw([]byte{b1, b2})
}

// WriteResponse sends an enhanced-protocol response frame.
func (c *Client) WriteResponse(code, data byte) error {
	b1, b2 := encodeFrame(code, data)
	return c.writeRaw([]byte{b1, b2})
}

func (c *Client) writeRaw(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	buf := bufpool.Get(len(p))
	defer bufpool.Put(buf)
	n := copy(buf, p)

	_, err := c.conn.Write(buf[:n])
	return err
}

// Close closes the underlying connection; safe to call more than once.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// Closed reports whether Close has been called (or the peer hung up, once
// observed by a failed read/write).
func (c *Client) Closed() bool { return c.closed.Load() }
