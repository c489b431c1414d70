// Package printer writes raw ZPL payloads to network label printers on the JetDirect port.
package printer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/text/encoding/charmap"
)

const (
	DefaultPort    = 9100
	DefaultTimeout = time.Second
	probeTimeout   = 300 * time.Millisecond
)

// Observer receives the outcome of every send.
type Observer interface {
	ObserveSend(ok bool, elapsed time.Duration)
}

// Client sends payloads with one connection per job and no retry.
type Client struct {
	Port     int
	Timeout  time.Duration
	DryRun   bool
	Logger   *slog.Logger
	Observer Observer
}

// NewClient returns a client with the default port and timeout.
func NewClient(logger *slog.Logger) *Client {
	return &Client{Port: DefaultPort, Timeout: DefaultTimeout, Logger: logger}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Client) addr(host string) string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Send transmits payload to host encoded as ISO-8859-1 and reports success. Errors are
// logged and never returned.
func (c *Client) Send(ctx context.Context, host, payload string) bool {
	start := time.Now()
	err := c.send(ctx, host, payload)
	ok := err == nil
	if c.Observer != nil {
		c.Observer.ObserveSend(ok, time.Since(start))
	}
	if err != nil {
		c.logger().Warn("printer send failed",
			slog.String("printer", c.addr(host)),
			slog.Duration("elapsed", time.Since(start)),
			slog.Any("error", err))
		return false
	}
	c.logger().Debug("printer send ok", slog.String("printer", c.addr(host)), slog.Int("bytes", len(payload)))
	return true
}

func (c *Client) send(ctx context.Context, host, payload string) error {
	if host == "" {
		return fmt.Errorf("printer: empty host")
	}
	data := EncodeLatin1(payload)
	if c.DryRun {
		c.logger().Info("printer dry run", slog.String("printer", c.addr(host)), slog.String("payload", payload))
		return nil
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr(host))
	if err != nil {
		return fmt.Errorf("printer: connect %s: %w", host, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("printer: set deadline: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("printer: write %s: %w", host, err)
	}
	return nil
}

// Probe reports whether host accepts TCP connections on the printer port.
func (c *Client) Probe(ctx context.Context, host string) bool {
	if c.DryRun {
		return true
	}
	dialer := net.Dialer{Timeout: probeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr(host))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// EncodeLatin1 converts s to ISO-8859-1. Characters outside the charset become '?'.
func EncodeLatin1(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		b, ok := charmap.ISO8859_1.EncodeRune(r)
		if !ok {
			b = '?'
		}
		out = append(out, b)
	}
	return out
}
