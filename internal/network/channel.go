// Package network carries duelnet packets over QUIC: a connect-per-send dialer
// for outbound batches and a listener that answers inbound ones.
package network

import (
	"context"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"duelnet/internal/proto"
)

var (
	ErrOpenFailed = errors.New("channel open failed")
	ErrClosed     = errors.New("channel closed")
)

// Channel is one open exchange with a peer: a request packet goes out, reply
// packets come back. Close releases everything and unblocks a pending Recv.
type Channel interface {
	Send(ctx context.Context, packet []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens channels to transport-specific addresses.
type Dialer interface {
	Open(ctx context.Context, addr string) (Channel, error)
}

type quicChannel struct {
	addr   string
	conn   *quic.Conn
	stream *quic.Stream
	guard  *connGuard

	once   sync.Once
	mu     sync.Mutex
	closed bool
}

func (c *quicChannel) Send(ctx context.Context, packet []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.stream.SetWriteDeadline(dl)
		defer c.stream.SetWriteDeadline(time.Time{})
	}
	if err := proto.WriteFrame(c.stream, packet); err != nil {
		return err
	}
	// Closing the send side tells the peer the request is complete.
	return c.stream.Close()
}

func (c *quicChannel) Recv(ctx context.Context) ([]byte, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.stream.SetReadDeadline(dl)
		defer c.stream.SetReadDeadline(time.Time{})
	}
	data, err := proto.ReadFrame(c.stream)
	if err != nil && c.isClosed() {
		return nil, ErrClosed
	}
	return data, err
}

func (c *quicChannel) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.stream.CancelRead(0)
		_ = c.conn.CloseWithError(0, "done")
		c.guard.remove(c.conn)
	})
	return nil
}

func (c *quicChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
