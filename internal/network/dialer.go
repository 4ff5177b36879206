package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"duelnet/internal/logging"
)

const (
	maxIdleTimeout       = 45 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 3 * time.Second
)

type DialerOptions struct {
	// Variants are tried round-robin, one per attempt.
	Variants []Variant
	// Window bounds the whole open loop for one send cycle.
	Window time.Duration
	// RetrySleep is the fixed pause between attempts.
	RetrySleep time.Duration
	Log        *zap.Logger
}

// QUICDialer opens a fresh connection and stream per send cycle.
type QUICDialer struct {
	variants []Variant
	window   time.Duration
	sleep    time.Duration
	quicConf *quic.Config
	guard    *connGuard
	log      *zap.Logger
}

func NewQUICDialer(opts DialerOptions) (*QUICDialer, error) {
	if len(opts.Variants) == 0 {
		return nil, errors.New("no tls variants")
	}
	if opts.Window <= 0 {
		opts.Window = 5 * time.Second
	}
	if opts.RetrySleep <= 0 {
		opts.RetrySleep = 250 * time.Millisecond
	}
	return &QUICDialer{
		variants: opts.Variants,
		window:   opts.Window,
		sleep:    opts.RetrySleep,
		quicConf: &quic.Config{
			MaxIdleTimeout:       maxIdleTimeout,
			KeepAlivePeriod:      keepAlivePeriod,
			HandshakeIdleTimeout: handshakeIdleTimeout,
		},
		guard: newConnGuard(),
		log:   logging.OrNop(opts.Log).Named("quic-dialer"),
	}, nil
}

// Open retries the connect + stream open until it succeeds or the open window
// (or ctx) runs out, cycling through the TLS variants.
func (d *QUICDialer) Open(ctx context.Context, addr string) (Channel, error) {
	if addr == "" {
		return nil, fmt.Errorf("%w: missing addr", ErrOpenFailed)
	}
	ctx, cancel := context.WithTimeout(ctx, d.window)
	defer cancel()
	var lastErr error
	for attempt := 0; ; attempt++ {
		v := d.variants[attempt%len(d.variants)]
		ch, err := d.openOnce(ctx, addr, v)
		if err == nil {
			if attempt > 0 {
				d.log.Debug("channel open after retries", zap.String("addr", addr), zap.String("variant", v.Name), zap.Int("attempts", attempt+1))
			}
			return ch, nil
		}
		lastErr = err
		d.log.Debug("open attempt failed", zap.String("addr", addr), zap.String("variant", v.Name), zap.Int("attempt", attempt+1), zap.Error(err))
		if !sleepCtx(ctx, d.sleep) {
			break
		}
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, addr, lastErr)
}

func (d *QUICDialer) openOnce(ctx context.Context, addr string, v Variant) (Channel, error) {
	conn, err := quic.DialAddr(ctx, addr, v.TLS.Clone(), d.quicConf)
	if err != nil {
		return nil, err
	}
	d.guard.add(addr, conn)
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		d.guard.remove(conn)
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, err
	}
	return &quicChannel{addr: addr, conn: conn, stream: stream, guard: d.guard}, nil
}

// InFlight is the number of open outbound connections, optionally to addr.
func (d *QUICDialer) InFlight(addr string) int {
	return d.guard.count(addr)
}

// CloseAll tears down every open outbound connection.
func (d *QUICDialer) CloseAll() int {
	return d.guard.closeAll("shutdown")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
