// Package acquisition drives a Red Pitaya through one trigger-synchronized
// multi-channel capture at a time and tracks per-channel gain state.
package acquisition

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Acquisition errors
var (
	ErrMalformedReply       = errors.New("malformed instrument reply")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrBusy                 = errors.New("acquisition already in progress")
)

// Transport is the line-oriented command channel to the instrument
type Transport interface {
	Send(ctx context.Context, cmd string) error
	Receive(ctx context.Context) (string, error)
}

// Link serializes command exchanges over a Transport so a query and its
// reply are never interleaved with another caller's traffic.
type Link struct {
	mu sync.Mutex
	t  Transport
}

// NewLink wraps a transport
func NewLink(t Transport) *Link {
	return &Link{t: t}
}

// Send issues a command that has no reply
func (l *Link) Send(ctx context.Context, cmd string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.t.Send(ctx, cmd)
}

// Query issues a command and waits for its reply line
func (l *Link) Query(ctx context.Context, cmd string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.t.Send(ctx, cmd); err != nil {
		return "", err
	}
	return l.t.Receive(ctx)
}

// Close closes the underlying transport if it supports closing
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.t.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
