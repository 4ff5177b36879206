package relay

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"duelnet/internal/logging"
	"duelnet/internal/metrics"
)

type ServerOptions struct {
	Addr string
	// KeepAlive is handed to clients at registration. A device not heard
	// from for three intervals is treated as offline and its traffic is
	// held in the mailbox until it fetches.
	KeepAlive    time.Duration
	MailboxLimit int
	Log          *zap.Logger
	Metrics      *metrics.Metrics
}

type device struct {
	identity string
	fallback string
	name     string
	addr     *net.UDPAddr
	lastSeen time.Time
	mailbox  []DeliverBody
}

// DeviceInfo is the status view of one registered device.
type DeviceInfo struct {
	Identity string
	Name     string
	Addr     string
	LastSeen time.Time
	Mailbox  int
}

type Server struct {
	conn      *net.UDPConn
	keepAlive time.Duration
	mailbox   int
	log       *zap.Logger
	noisy     *logging.Limiter
	metrics   *metrics.Metrics
	acks      *AckTracker
	now       func() time.Time

	mu         sync.Mutex
	devices    map[string]*device
	byFallback map[string]string
}

func ListenServer(opts ServerOptions) (*Server, error) {
	laddr, err := net.ResolveUDPAddr("udp", opts.Addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 30 * time.Second
	}
	if opts.MailboxLimit <= 0 {
		opts.MailboxLimit = 128
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	log := logging.OrNop(opts.Log).Named("relay-server")
	return &Server{
		conn:       conn,
		keepAlive:  opts.KeepAlive,
		mailbox:    opts.MailboxLimit,
		log:        log,
		noisy:      logging.NewLimiter(log, 10*time.Second),
		metrics:    opts.Metrics,
		acks:       NewAckTracker(3*opts.KeepAlive, log, opts.Metrics),
		now:        time.Now,
		devices:    make(map[string]*device),
		byFallback: make(map[string]string),
	}, nil
}

func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve handles datagrams until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()
	s.log.Info("relay listen ready", zap.Stringer("addr", s.conn.LocalAddr()))
	buf := make([]byte, MaxDatagram)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.noisy.Debug("read", "relay read failed", zap.Error(err))
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.handle(from, pkt)
	}
}

func (s *Server) Close() error {
	return s.conn.Close()
}

func (s *Server) handle(from *net.UDPAddr, data []byte) {
	h, raw, err := Decode(data)
	if err != nil {
		s.noisy.Warn("decode:"+from.String(), "bad relay datagram", zap.Stringer("from", from), zap.Error(err))
		return
	}
	switch h.Kind {
	case KindRegister:
		var b RegisterBody
		if err := DecodeBody(raw, &b); err != nil || b.FallbackID == "" {
			s.noisy.Warn("register:"+from.String(), "bad REGISTER", zap.Stringer("from", from), zap.Error(err))
			return
		}
		s.register(from, b)
	case KindDeliver:
		s.writeAck(from, h.Seq)
		var b DeliverBody
		if err := DecodeBody(raw, &b); err != nil {
			s.noisy.Warn("deliver:"+from.String(), "bad DELIVER", zap.Stringer("from", from), zap.Error(err))
			return
		}
		s.deliver(from, b)
	case KindFetch:
		s.writeAck(from, h.Seq)
		var b IdentityBody
		if err := DecodeBody(raw, &b); err != nil {
			return
		}
		s.fetch(from, b.Identity)
	case KindKeepAlive:
		var b IdentityBody
		if err := DecodeBody(raw, &b); err != nil {
			return
		}
		if s.touch(from, b.Identity) == nil {
			s.write(from, KindBadIdentity, BadIdentityBody{Identity: b.Identity})
		}
	case KindAck:
		var b AckBody
		if err := DecodeBody(raw, &b); err != nil {
			return
		}
		s.acks.Ack(b.Seq)
	default:
		s.noisy.Debug("kind:"+from.String(), "unexpected relay datagram", zap.Stringer("kind", h.Kind))
	}
}

func (s *Server) register(from *net.UDPAddr, b RegisterBody) {
	s.mu.Lock()
	var d *device
	if b.Identity != "" {
		d = s.devices[b.Identity]
		if d == nil {
			s.mu.Unlock()
			s.log.Info("rejecting unknown identity", zap.String("identity", b.Identity), zap.Stringer("from", from))
			s.write(from, KindBadIdentity, BadIdentityBody{Identity: b.Identity})
			return
		}
	} else if id, ok := s.byFallback[b.FallbackID]; ok {
		d = s.devices[id]
	}
	if d == nil {
		d = &device{identity: uuid.NewString(), fallback: b.FallbackID}
		s.devices[d.identity] = d
		s.byFallback[b.FallbackID] = d.identity
	}
	d.name = b.Name
	d.addr = from
	d.lastSeen = s.now()
	identity := d.identity
	s.mu.Unlock()

	s.log.Info("device registered", zap.String("identity", identity), zap.String("name", b.Name),
		zap.String("version", b.Version), zap.String("platform", b.Platform), zap.Stringer("from", from))
	s.write(from, KindRegistered, RegisteredBody{Identity: identity, KeepAliveSec: uint32(s.keepAlive / time.Second)})
}

func (s *Server) deliver(from *net.UDPAddr, b DeliverBody) {
	if s.touch(from, b.From) == nil {
		s.write(from, KindBadIdentity, BadIdentityBody{Identity: b.From})
		return
	}
	s.mu.Lock()
	target := s.devices[b.To]
	if target == nil {
		s.mu.Unlock()
		s.noisy.Warn("unknown-dest:"+b.To, "deliver to unknown device", zap.String("to", b.To), zap.String("from", b.From))
		s.metrics.IncDrop("unknown_device")
		return
	}
	if !s.onlineLocked(target) {
		if len(target.mailbox) >= s.mailbox {
			target.mailbox = target.mailbox[1:]
			s.metrics.IncDrop("mailbox_full")
		}
		target.mailbox = append(target.mailbox, b)
		n := len(target.mailbox)
		s.mu.Unlock()
		s.log.Debug("held for offline device", zap.String("to", b.To), zap.Int("mailbox", n))
		return
	}
	addr := target.addr
	s.mu.Unlock()
	s.forward(addr, b)
}

func (s *Server) fetch(from *net.UDPAddr, identity string) {
	d := s.touch(from, identity)
	if d == nil {
		s.write(from, KindBadIdentity, BadIdentityBody{Identity: identity})
		return
	}
	s.mu.Lock()
	mail := d.mailbox
	d.mailbox = nil
	s.mu.Unlock()
	for _, m := range mail {
		s.forward(from, m)
	}
}

// touch refreshes a device's address; nil means the identity is unknown.
func (s *Server) touch(from *net.UDPAddr, identity string) *device {
	if identity == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[identity]
	if d == nil {
		return nil
	}
	d.addr = from
	d.lastSeen = s.now()
	return d
}

func (s *Server) onlineLocked(d *device) bool {
	return d.addr != nil && s.now().Sub(d.lastSeen) <= 3*s.keepAlive
}

func (s *Server) forward(addr *net.UDPAddr, b DeliverBody) {
	data, _, err := s.acks.Stamp(KindDeliver, b)
	if err != nil {
		s.log.Error("encode forward", zap.Error(err))
		return
	}
	if _, err := s.conn.WriteToUDP(data, addr); err != nil {
		s.noisy.Warn("write:"+addr.String(), "forward failed", zap.Stringer("to", addr), zap.Error(err))
	}
}

func (s *Server) writeAck(addr *net.UDPAddr, seq uint32) {
	s.write(addr, KindAck, AckBody{Seq: seq})
}

func (s *Server) write(addr *net.UDPAddr, kind Kind, body any) {
	data, _, err := s.acks.Stamp(kind, body)
	if err != nil {
		s.log.Error("encode", zap.Stringer("kind", kind), zap.Error(err))
		return
	}
	if _, err := s.conn.WriteToUDP(data, addr); err != nil {
		s.noisy.Warn("write:"+addr.String(), "relay write failed", zap.Stringer("to", addr), zap.Error(err))
	}
}

// Devices lists registered devices by identity.
func (s *Server) Devices() []DeviceInfo {
	s.mu.Lock()
	out := make([]DeviceInfo, 0, len(s.devices))
	for _, d := range s.devices {
		info := DeviceInfo{Identity: d.identity, Name: d.name, LastSeen: d.lastSeen, Mailbox: len(d.mailbox)}
		if d.addr != nil {
			info.Addr = d.addr.String()
		}
		out = append(out, info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}
