// Package clientmux implements the TCP client multiplexer (component G):
// three listening sockets (read-only, regular, enhanced) that expose the
// field bus to external tools. Every connected client receives a copy of
// every byte observed on the bus; write-capable clients (regular and
// enhanced) may additionally submit a telegram for transmission, which this
// package hands to the scheduler's ad hoc send queue rather than driving
// arbitration itself — the same path the broker's `send`/`write` messages
// already use, so a client's bus-write request and a broker-driven one are
// indistinguishable once queued.
package clientmux

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/ebusgw/ebusd/internal/logger"
)

// Sender is the subset of scheduler.Scheduler the multiplexer drives.
type Sender interface {
	HandleSend(command []byte)
}

// Ports configures the three listening addresses.
type Ports struct {
	ReadOnly string
	Regular  string
	Enhanced string
}

// Multiplexer owns the connected-client set and the single active-writer
// slot.
type Multiplexer struct {
	sched Sender
	log   *slog.Logger

	mu      sync.RWMutex
	clients map[int64]*Client

	writeMu      sync.Mutex
	activeWriter int64
}

// New returns a Multiplexer that hands assembled write requests to sched.
func New(sched Sender, log *slog.Logger) *Multiplexer {
	return &Multiplexer{
		sched:   sched,
		log:     log,
		clients: make(map[int64]*Client),
	}
}

// Serve starts all three listeners and blocks, accepting connections, until
// ctx is canceled.
func (m *Multiplexer) Serve(ctx context.Context, ports Ports) error {
	specs := []struct {
		addr    string
		variant Variant
	}{
		{ports.ReadOnly, ReadOnly},
		{ports.Regular, Regular},
		{ports.Enhanced, Enhanced},
	}

	listeners := make([]net.Listener, 0, len(specs))
	for _, spec := range specs {
		if spec.addr == "" {
			continue
		}
		ln, err := net.Listen("tcp", spec.addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return fmt.Errorf("listen %s (%s): %w", spec.variant, spec.addr, err)
		}
		listeners = append(listeners, ln)
		go m.acceptLoop(ctx, ln, spec.variant)
	}

	<-ctx.Done()
	for _, l := range listeners {
		_ = l.Close()
	}
	return ctx.Err()
}

func (m *Multiplexer) acceptLoop(ctx context.Context, ln net.Listener, variant Variant) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("clientmux: accept failed", logger.Err(err), slog.String("variant", variant.String()))
			continue
		}
		c := newClient(conn, variant)
		m.register(c)
		go m.handle(ctx, c)
	}
}

func (m *Multiplexer) register(c *Client) {
	m.mu.Lock()
	m.clients[c.id] = c
	m.mu.Unlock()
}

func (m *Multiplexer) unregister(c *Client) {
	m.mu.Lock()
	delete(m.clients, c.id)
	m.mu.Unlock()
	m.releaseWriter(c)
	_ = c.Close()
}

// BroadcastBusByte forwards one raw bus byte to every connected client
// except the current active writer (its own byte is not echoed back).
func (m *Multiplexer) BroadcastBusByte(b byte) {
	m.mu.RLock()
	targets := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		if c.id == m.currentWriter() {
			continue
		}
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	for _, c := range targets {
		if err := c.ForwardBusByte(b); err != nil {
			m.unregister(c)
		}
	}
}

func (m *Multiplexer) currentWriter() int64 {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.activeWriter
}

// acquireWriter claims the active-writer slot for c, if free.
func (m *Multiplexer) acquireWriter(c *Client) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.activeWriter != 0 && m.activeWriter != c.id {
		return false
	}
	m.activeWriter = c.id
	return true
}

func (m *Multiplexer) releaseWriter(c *Client) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.activeWriter == c.id {
		m.activeWriter = 0
	}
}

func (m *Multiplexer) handle(ctx context.Context, c *Client) {
	defer m.unregister(c)

	if !c.WriteCapable() {
		<-ctx.Done()
		return
	}

	asm := newAssembler()
	for {
		if ctx.Err() != nil {
			return
		}
		b, err := c.ReadByte()
		if err != nil {
			return
		}

		switch c.Variant() {
		case Regular:
			if m.handleRegularByte(c, asm, b); asm.dropped {
				return
			}
		case Enhanced:
			if m.handleEnhancedByte(c, asm, b); asm.dropped {
				return
			}
		}
	}
}

func (m *Multiplexer) handleRegularByte(c *Client, asm *assembler, b byte) {
	if !m.acquireWriter(c) {
		return
	}
	if asm.push(b) {
		m.submit(c, asm)
	}
}

func (m *Multiplexer) handleEnhancedByte(c *Client, asm *assembler, b byte) {
	if isShortForm(b) {
		if !m.acquireWriter(c) {
			return
		}
		_ = c.WriteResponse(respReceived, b)
		if asm.push(b) {
			m.submit(c, asm)
		}
		return
	}

	b2, err := c.ReadByte()
	if err != nil {
		asm.dropped = true
		return
	}
	if !isFrameSignature(b, b2) {
		_ = c.WriteResponse(respErrHost, errFraming)
		asm.dropped = true
		return
	}

	code, data := decodeFrame(b, b2)
	switch code {
	case cmdInit:
		asm.reset()
		m.releaseWriter(c)
		_ = c.WriteResponse(respResetted, 0)
	case cmdSend:
		if !m.acquireWriter(c) {
			return
		}
		_ = c.WriteResponse(respReceived, data)
		if asm.push(data) {
			m.submit(c, asm)
		}
	case cmdStart:
		if !m.acquireWriter(c) {
			return
		}
		if asm.ready() {
			m.submit(c, asm)
			_ = c.WriteResponse(respStarted, 0)
		} else {
			_ = c.WriteResponse(respFailed, 0)
		}
	case cmdInfo:
		_ = c.WriteResponse(respInfo, 0)
	default:
		_ = c.WriteResponse(respErrHost, errFraming)
	}
}

func (m *Multiplexer) submit(c *Client, asm *assembler) {
	body := asm.body()
	asm.reset()
	m.releaseWriter(c)
	if body != nil {
		m.sched.HandleSend(body)
	}
}
