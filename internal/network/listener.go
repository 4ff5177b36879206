package network

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"duelnet/internal/logging"
	"duelnet/internal/metrics"
	"duelnet/internal/proto"
)

// Handler answers one inbound request packet with zero or more reply packets,
// written back in order.
type Handler func(remote net.Addr, packet []byte) [][]byte

type ListenerOptions struct {
	Addr string
	// TLS defaults to ServerTLSConfig.
	TLS *tls.Config
	// ReadTimeout is the watchdog ceiling for reading one request.
	ReadTimeout     time.Duration
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	Log             *zap.Logger
	Metrics         *metrics.Metrics
}

type Listener struct {
	ln          *quic.Listener
	readTimeout time.Duration
	limits      *ipLimiter
	log         *zap.Logger
	noisy       *logging.Limiter
	metrics     *metrics.Metrics

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func Listen(opts ListenerOptions) (*Listener, error) {
	tlsConf := opts.TLS
	if tlsConf == nil {
		var err error
		if tlsConf, err = ServerTLSConfig(); err != nil {
			return nil, err
		}
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	ln, err := quic.ListenAddr(opts.Addr, tlsConf, &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	})
	if err != nil {
		return nil, err
	}
	log := logging.OrNop(opts.Log).Named("quic-listener")
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Listener{
		ln:          ln,
		readTimeout: opts.ReadTimeout,
		limits:      newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP),
		log:         log,
		noisy:       logging.NewLimiter(log, 10*time.Second),
		metrics:     m,
	}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until ctx ends or the listener is closed.
func (l *Listener) Serve(ctx context.Context, handle Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	l.log.Info("quic listen ready", zap.Stringer("addr", l.ln.Addr()))
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			l.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return err
		}
		ip := remoteIP(conn.RemoteAddr())
		if !l.limits.conns.acquire(ip) {
			l.metrics.IncDrop("conn_limit")
			l.noisy.Warn("conn-limit:"+ip, "refusing connection: per-ip limit", zap.String("ip", ip))
			_ = conn.CloseWithError(1, "too many connections")
			continue
		}
		l.metrics.IncConns()
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.metrics.DecConns()
			defer l.limits.conns.release(ip)
			l.serveConn(ctx, conn, ip, handle)
		}()
	}
}

func (l *Listener) serveConn(ctx context.Context, conn *quic.Conn, ip string, handle Handler) {
	defer conn.CloseWithError(0, "")
	var streams sync.WaitGroup
	defer streams.Wait()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		if !l.limits.streams.acquire(ip) {
			l.metrics.IncDrop("stream_limit")
			l.noisy.Warn("stream-limit:"+ip, "refusing stream: per-ip limit", zap.String("ip", ip))
			stream.CancelRead(1)
			stream.CancelWrite(1)
			continue
		}
		streams.Add(1)
		go func(s *quic.Stream) {
			defer streams.Done()
			defer l.limits.streams.release(ip)
			l.serveStream(conn.RemoteAddr(), s, handle)
		}(stream)
	}
}

func (l *Listener) serveStream(remote net.Addr, s *quic.Stream, handle Handler) {
	defer s.Close()
	fired := make(chan struct{})
	watchdog := time.AfterFunc(l.readTimeout, func() {
		close(fired)
		s.CancelRead(0)
	})
	data, err := proto.ReadFrame(s)
	if !watchdog.Stop() {
		<-fired
		l.metrics.IncWatchdog()
		l.noisy.Debug("watchdog:"+remote.String(), "request read timed out", zap.Stringer("remote", remote))
		return
	}
	if err != nil {
		if errors.Is(err, proto.ErrFrameSize) {
			l.metrics.IncBadProto()
			_ = l.writeReplies(s, [][]byte{proto.BadProtoPacket()})
			return
		}
		l.noisy.Debug("read:"+remote.String(), "request read failed", zap.Stringer("remote", remote), zap.Error(err))
		return
	}
	replies := handle(remote, data)
	if err := l.writeReplies(s, replies); err != nil {
		l.noisy.Debug("write:"+remote.String(), "reply write failed", zap.Stringer("remote", remote), zap.Error(err))
	}
}

func (l *Listener) writeReplies(s *quic.Stream, replies [][]byte) error {
	_ = s.SetWriteDeadline(time.Now().Add(l.readTimeout))
	for _, r := range replies {
		if err := proto.WriteFrame(s, r); err != nil {
			return err
		}
	}
	return nil
}

func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.ln.Close()
	})
	return err
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if u, ok := addr.(*net.UDPAddr); ok {
		return u.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
