// Package scpi implements a line-oriented SCPI command client over TCP.
package scpi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Transport errors
var (
	ErrTimeout        = errors.New("scpi: transport timeout")
	ErrConnectionLost = errors.New("scpi: connection lost")
)

// DefaultTimeout bounds every send and receive when no option overrides it
const DefaultTimeout = 2 * time.Second

const terminator = "\r\n"

// Client is a connection to a SCPI server. It is safe for concurrent use;
// Query holds the connection for the whole request/response exchange.
//
// An exchange cut short by a timeout or cancellation leaves its reply, or
// part of it, in flight. The connection is then stale and is replaced
// before the next exchange so that reply is never read as the answer to a
// later query.
type Client struct {
	addr    string
	timeout time.Duration

	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	broken  error
	stale   bool
	resyncs int
}

// Option configures a Client
type Option func(*Client)

// WithTimeout sets the per-operation I/O timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Dial connects to the SCPI server at addr
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := &Client{addr: addr, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	log.Debug().Str("addr", addr).Msg("SCPI connection established")
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("dial %s: %w", c.addr, ErrTimeout)
		}
		return fmt.Errorf("dial %s: %w: %v", c.addr, ErrConnectionLost, err)
	}
	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, 64*1024)
	return nil
}

// Resyncs returns how many times a stale connection has been replaced
func (c *Client) Resyncs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resyncs
}

// Addr returns the remote address
func (c *Client) Addr() string {
	return c.addr
}

// Send writes one command line
func (c *Client) Send(ctx context.Context, cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(ctx, cmd)
}

// Receive reads one reply line with the terminator removed
func (c *Client) Receive(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiveLocked(ctx)
}

// Query sends cmd and reads its reply
func (c *Client) Query(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendLocked(ctx, cmd); err != nil {
		return "", err
	}
	return c.receiveLocked(ctx)
}

// Close releases the connection. Closing twice is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if c.broken == nil {
		c.broken = fmt.Errorf("%w: client closed", ErrConnectionLost)
	}
	return err
}

func (c *Client) sendLocked(ctx context.Context, cmd string) error {
	if err := c.usable(ctx); err != nil {
		return err
	}
	stop := c.arm(ctx)
	defer stop()

	if _, err := c.conn.Write([]byte(cmd + terminator)); err != nil {
		return c.fail(ctx, "send "+cmd, err)
	}
	return nil
}

func (c *Client) receiveLocked(ctx context.Context) (string, error) {
	if err := c.usable(ctx); err != nil {
		return "", err
	}
	stop := c.arm(ctx)
	defer stop()

	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", c.fail(ctx, "receive", err)
	}
	return strings.TrimRight(line, terminator), nil
}

func (c *Client) usable(ctx context.Context) error {
	if c.broken != nil {
		return c.broken
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.stale {
		return c.resync(ctx)
	}
	return nil
}

// resync drops the stale connection, discarding any late reply with it,
// and dials a fresh one. The instrument keeps its acquisition settings
// across connections.
func (c *Client) resync(ctx context.Context) error {
	_ = c.conn.Close()
	if err := c.connect(ctx); err != nil {
		if errors.Is(err, ErrTimeout) {
			return err
		}
		c.conn = nil
		c.broken = err
		log.Error().Err(err).Str("addr", c.addr).Msg("SCPI reconnect failed")
		return err
	}
	c.stale = false
	c.resyncs++
	log.Warn().Str("addr", c.addr).Int("resyncs", c.resyncs).Msg("SCPI connection resynchronized after interrupted exchange")
	return nil
}

// arm sets the connection deadline to the earlier of the context deadline
// and now+timeout, and forces it into the past if ctx is cancelled mid-call.
func (c *Client) arm(ctx context.Context) func() {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn := c.conn
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return func() { stop() }
}

func (c *Client) fail(ctx context.Context, op string, err error) error {
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		c.stale = true
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, ctxErr)
	case ctxErr != nil:
		c.stale = true
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if isTimeout(err) {
		c.stale = true
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	c.broken = fmt.Errorf("%s: %w: %v", op, ErrConnectionLost, err)
	log.Error().Err(err).Str("addr", c.addr).Str("op", op).Msg("SCPI connection lost")
	return c.broken
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
