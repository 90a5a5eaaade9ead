// Package broker wires the message-broker collaborator (component S) to
// the protocol core: it subscribes to the device's request subject,
// decodes the broker message surface from §6 of the specification, and
// dispatches each action to the scheduler, command store, device registry,
// or persistence bridge, publishing a response on a single response topic.
package broker

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/ebusgw/ebusd/internal/logger"
)

// Client wraps a NATS connection with subscription management, matching the
// teacher's singleton-free connection wrapper shape.
type Client struct {
	conn          *nats.Conn
	subscriptions []*nats.Subscription
	log           *slog.Logger

	mu sync.Mutex
}

// Config configures the broker connection.
type Config struct {
	URL         string
	TopicPrefix string
}

// Connect dials the broker at cfg.URL. Reconnect handling is left to
// nats.go's built-in exponential backoff.
func Connect(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("broker URL is required")
	}

	opts := []nats.Option{
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("broker disconnected", logger.Err(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("broker reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error("broker error", logger.Err(err))
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("broker connect: %w", err)
	}

	log.Info("broker connected", slog.String("url", cfg.URL))
	return &Client{conn: nc, log: log}, nil
}

// Subscribe registers handler for messages on subject.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("broker subscribe %s: %w", subject, err)
	}
	c.subscriptions = append(c.subscriptions, sub)
	return nil
}

// Publish sends payload on topic, satisfying scheduler.Publisher's
// underlying transport need.
func (c *Client) Publish(topic string, payload []byte) error {
	if err := c.conn.Publish(topic, payload); err != nil {
		return fmt.Errorf("broker publish %s: %w", topic, err)
	}
	return nil
}

// Close unsubscribes and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subscriptions {
		_ = sub.Unsubscribe()
	}
	c.subscriptions = nil
	if c.conn != nil {
		c.conn.Close()
	}
}
