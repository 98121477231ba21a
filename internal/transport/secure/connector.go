// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package secure wraps outbound control-channel connections with transport
// hardening: encrypted-scheme enforcement, per-attempt auth parameters,
// token rotation, and exponential backoff reconnects.
package secure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/rcd/internal/log"
)

// ErrInsecureEndpoint is returned for plaintext endpoints outside loopback.
var ErrInsecureEndpoint = errors.New("secure: endpoint must use an encrypted scheme")

// Conn is the minimal surface the connector needs from a dialed connection.
type Conn interface {
	io.Closer
}

// Dialer establishes a connection to a fully-built endpoint URL, auth
// parameters included.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context, endpoint string) (Conn, error)

func (f DialFunc) Dial(ctx context.Context, endpoint string) (Conn, error) { return f(ctx, endpoint) }

// State describes where the connector is in its connect cycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

// Status is a point-in-time view of the connector.
type Status struct {
	State                 State  `json:"state"`
	LastConnectAttempt    int64  `json:"last_connect_attempt"`
	LastSuccessfulConnect int64  `json:"last_successful_connect"`
	CertificateValid      bool   `json:"certificate_valid"`
	Error                 string `json:"error,omitempty"`
}

// Options configure a Connector.
type Options struct {
	// AllowInsecureLoopback permits ws/http schemes for loopback hosts.
	AllowInsecureLoopback bool

	// MaxAttempts bounds one Connect call. Zero means 5.
	MaxAttempts int

	// BackoffBase scales the quadratic retry delay. Zero means 500ms.
	BackoffBase time.Duration
}

// Connector manages a hardened connection to a single endpoint.
type Connector struct {
	dialer Dialer
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	endpoint *url.URL
	token    string
	conn     Conn
	status   Status
}

// New validates the endpoint up front and returns a disconnected connector.
func New(endpoint, token string, dialer Dialer, opts Options) (*Connector, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("secure: parse endpoint: %w", err)
	}
	if err := checkScheme(u, opts.AllowInsecureLoopback); err != nil {
		return nil, err
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	return &Connector{
		dialer:   dialer,
		opts:     opts,
		logger:   log.WithComponent("secure").With().Str("endpoint", u.Redacted()).Logger(),
		now:      time.Now,
		endpoint: u,
		token:    token,
		status:   Status{State: StateDisconnected},
	}, nil
}

func checkScheme(u *url.URL, allowLoopback bool) error {
	switch u.Scheme {
	case "wss", "https":
		return nil
	case "ws", "http":
		if allowLoopback && isLoopbackHost(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrInsecureEndpoint, u.Scheme)
	default:
		return fmt.Errorf("%w: unknown scheme %q", ErrInsecureEndpoint, u.Scheme)
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// RotateToken swaps the auth token in place. The live connection, if any,
// stays up; the new token is used from the next connect attempt on.
func (c *Connector) RotateToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.logger.Info().Msg("device token rotated")
}

// Status returns a copy of the current connector status.
func (c *Connector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect dials the endpoint, retrying with exponential backoff up to
// MaxAttempts. Auth parameters are rebuilt for every attempt so the
// timestamp stays fresh and a rotated token takes effect immediately.
func (c *Connector) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * c.opts.BackoffBase
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		conn, err := c.dialOnce(ctx)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.status.State = StateConnected
			c.status.LastSuccessfulConnect = c.now().Unix()
			c.status.CertificateValid = c.endpoint.Scheme == "wss" || c.endpoint.Scheme == "https"
			c.status.Error = ""
			c.mu.Unlock()
			c.logger.Info().Int("attempt", attempt+1).Msg("transport connected")
			return nil
		}
		lastErr = err
		c.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("connect attempt failed")
	}

	c.mu.Lock()
	c.status.State = StateFailed
	c.status.Error = lastErr.Error()
	c.mu.Unlock()
	return fmt.Errorf("secure: connect failed after %d attempts: %w", c.opts.MaxAttempts, lastErr)
}

func (c *Connector) dialOnce(ctx context.Context) (Conn, error) {
	c.mu.Lock()
	c.status.State = StateConnecting
	c.status.LastConnectAttempt = c.now().Unix()
	target := *c.endpoint
	q := target.Query()
	q.Set("token", c.token)
	q.Set("ts", strconv.FormatInt(c.now().Unix(), 10))
	target.RawQuery = q.Encode()
	c.mu.Unlock()

	return c.dialer.Dial(ctx, target.String())
}

// Close tears down the live connection, if any.
func (c *Connector) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.status.State = StateDisconnected
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
