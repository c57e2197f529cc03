// Package nats implements the messaging interfaces on top of NATS.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/courier-systems/courier-stack/common/messaging"
	"github.com/nats-io/nats.go"
)

// Client implements messaging.Client using core NATS.
type Client struct {
	conn *nats.Conn
}

// Config holds NATS client configuration.
type Config struct {
	URL  string
	Name string

	// MaxReconnects of -1 reconnects forever.
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration

	Username string
	Password string
	Token    string

	// Logger receives connection state changes. Defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "correspondence",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

func (cfg Config) options(logger *slog.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrlRedacted()))
		}),
	}

	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	return opts
}

// NewClient connects to NATS.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(cfg.URL, cfg.options(logger)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Client{conn: conn}, nil
}

// Publish sends data to subject.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.Publish(subject, data)
}

// PublishMsg sends a Message including its headers.
func (c *Client) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.PublishMsg(toNATS(msg))
}

// Close closes the connection without flushing.
func (c *Client) Close() error {
	c.conn.Close()
	return nil
}

// Drain gracefully closes, allowing in-flight messages to complete.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// RTT measures the round trip to the server.
func (c *Client) RTT() (time.Duration, error) {
	return c.conn.RTT()
}

func toNATS(msg *messaging.Message) *nats.Msg {
	out := &nats.Msg{
		Subject: msg.Subject,
		Data:    msg.Data,
	}
	if len(msg.Metadata) > 0 {
		out.Header = make(nats.Header, len(msg.Metadata))
		for k, v := range msg.Metadata {
			out.Header.Set(k, v)
		}
	}
	return out
}
