// Package nats connects to NATS and publishes ingest events into JetStream.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/blockedby/channel-ingest/internal/logger"
)

const (
	defaultDuplicates = 2 * time.Minute
	defaultMaxAge     = 7 * 24 * time.Hour
)

// StreamConfig describes the stream events are published into.
type StreamConfig struct {
	Name     string
	Subjects []string
	// Duplicates is the window in which a repeated message id is dropped.
	Duplicates time.Duration
	MaxAge     time.Duration
}

func (s StreamConfig) jetstream() jetstream.StreamConfig {
	dup := s.Duplicates
	if dup <= 0 {
		dup = defaultDuplicates
	}
	age := s.MaxAge
	if age <= 0 {
		age = defaultMaxAge
	}
	return jetstream.StreamConfig{
		Name:       s.Name,
		Subjects:   s.Subjects,
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		Duplicates: dup,
		MaxAge:     age,
	}
}

// Client is a NATS connection with a JetStream context.
type Client struct {
	Conn *nats.Conn
	js   jetstream.JetStream
}

// New connects to natsURL and reconnects forever once connected.
func New(_ context.Context, natsURL string, log *logger.Logger) (*Client, error) {
	log = log.Component("nats")

	conn, err := nats.Connect(natsURL,
		nats.Name("channel-ingest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrlRedacted()).Msg("nats: reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &Client{Conn: conn, js: js}, nil
}

// EnsureStream creates the stream or updates it to cfg.
func (c *Client) EnsureStream(ctx context.Context, cfg StreamConfig) error {
	if _, err := c.js.CreateOrUpdateStream(ctx, cfg.jetstream()); err != nil {
		return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	return nil
}

// Publish sends data as JSON. JetStream drops a message whose non-empty
// msgID it has already seen inside the stream's duplicates window.
func (c *Client) Publish(ctx context.Context, subject, msgID string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}

	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	if _, err := c.js.Publish(ctx, subject, payload, opts...); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Ping reports an error unless the connection is up.
func (c *Client) Ping(_ context.Context) error {
	if !c.Conn.IsConnected() {
		return fmt.Errorf("nats: connection %s", c.Conn.Status())
	}
	return nil
}

// Close drains the connection, closing it outright if draining fails.
func (c *Client) Close() {
	if err := c.Conn.Drain(); err != nil {
		c.Conn.Close()
	}
}
