package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"duelnet/internal/logging"
	"duelnet/internal/metrics"
	"duelnet/internal/network"
)

var (
	ErrNotRegistered  = errors.New("relay: not registered")
	ErrAlreadyRunning = errors.New("relay: client already running")
)

// IdentityStore persists the relay identity and the local fallback id across
// restarts.
type IdentityStore interface {
	RelayIdentity() (identity, fallbackID string)
	SaveRelayIdentity(identity, fallbackID string) error
}

// RequestHandler answers an inbound duelnet packet from another device with a
// single reply packet, or nil for no reply.
type RequestHandler func(from string, packet []byte) []byte

type ClientOptions struct {
	Server           string
	Name             string
	Version          string
	RegisterInterval time.Duration
	KeepAlive        time.Duration
	SendQueue        int
	Store            IdentityStore
	Log              *zap.Logger
	Metrics          *metrics.Metrics
	// OnRegistered runs on the reader goroutine after every successful
	// registration.
	OnRegistered func(identity string)
}

type Client struct {
	opts       ClientOptions
	log        *zap.Logger
	noisy      *logging.Limiter
	metrics    *metrics.Metrics
	reg        *Registration
	acks       *AckTracker
	fallbackID string
	now        func() time.Time

	out      chan []byte
	running  atomic.Bool
	handler  atomic.Pointer[RequestHandler]
	exchange atomic.Uint32

	mu        sync.Mutex
	exchanges map[uint32]*relayChannel
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Server == "" {
		return nil, errors.New("relay: missing server address")
	}
	if opts.Store == nil {
		return nil, errors.New("relay: missing identity store")
	}
	if opts.RegisterInterval <= 0 {
		opts.RegisterInterval = 10 * time.Second
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 30 * time.Second
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 256
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	log := logging.OrNop(opts.Log).Named("relay-client")
	identity, fallback := opts.Store.RelayIdentity()
	if fallback == "" {
		fallback = uuid.NewString()
		if err := opts.Store.SaveRelayIdentity(identity, fallback); err != nil {
			return nil, fmt.Errorf("relay: persist fallback id: %w", err)
		}
	}
	return &Client{
		opts:       opts,
		log:        log,
		noisy:      logging.NewLimiter(log, 10*time.Second),
		metrics:    opts.Metrics,
		reg:        NewRegistration(opts.RegisterInterval, identity),
		acks:       NewAckTracker(3*opts.KeepAlive, log, opts.Metrics),
		fallbackID: fallback,
		now:        time.Now,
		out:        make(chan []byte, opts.SendQueue),
		exchanges:  make(map[uint32]*relayChannel),
	}, nil
}

// Run talks to the relay until ctx ends. Inbound requests from other devices
// go to handle.
func (c *Client) Run(ctx context.Context, handle RequestHandler) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)
	if handle != nil {
		c.handler.Store(&handle)
	}
	raddr, err := net.ResolveUDPAddr("udp", c.opts.Server)
	if err != nil {
		return fmt.Errorf("relay: resolve %s: %w", c.opts.Server, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("relay: dial %s: %w", c.opts.Server, err)
	}
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = conn.Close() })
	defer stop()
	c.log.Info("relay client started", zap.String("server", c.opts.Server), zap.Stringer("local", conn.LocalAddr()))
	g.Go(func() error { return c.writeLoop(gctx, conn) })
	g.Go(func() error { return c.readLoop(gctx, conn) })
	g.Go(func() error { return c.keepAliveLoop(gctx) })
	err = g.Wait()
	c.closeExchanges()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) writeLoop(ctx context.Context, conn *net.UDPConn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt := <-c.out:
			if _, err := conn.Write(pkt); err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				c.noisy.Warn("write", "relay write failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, MaxDatagram)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// ICMP unreachable surfaces here on a connected socket while the
			// server is down.
			c.noisy.Debug("read", "relay read failed", zap.Error(err))
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		c.handle(pkt)
	}
}

func (c *Client) keepAliveLoop(ctx context.Context) error {
	if _, ok := c.reg.Registered(); ok {
		c.keepAlive()
	} else {
		c.ensureRegistered()
	}
	for {
		wait := c.reg.KeepAlive()
		if wait <= 0 {
			wait = c.opts.KeepAlive
		}
		if _, ok := c.reg.Registered(); !ok && c.opts.RegisterInterval < wait {
			wait = c.opts.RegisterInterval
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if _, ok := c.reg.Registered(); ok {
			c.keepAlive()
		} else {
			c.ensureRegistered()
		}
	}
}

func (c *Client) handle(data []byte) {
	h, raw, err := Decode(data)
	if err != nil {
		c.noisy.Warn("decode", "bad relay datagram", zap.Error(err))
		return
	}
	switch h.Kind {
	case KindRegistered:
		var b RegisteredBody
		if err := DecodeBody(raw, &b); err != nil || b.Identity == "" {
			c.noisy.Warn("registered", "bad REGISTERED body", zap.Error(err))
			return
		}
		keepAlive := time.Duration(b.KeepAliveSec) * time.Second
		if keepAlive <= 0 {
			keepAlive = c.opts.KeepAlive
		}
		c.reg.Complete(b.Identity, keepAlive)
		if err := c.opts.Store.SaveRelayIdentity(b.Identity, c.fallbackID); err != nil {
			c.log.Warn("persist relay identity failed", zap.Error(err))
		}
		c.metrics.IncRegistrations()
		c.log.Info("registered with relay", zap.String("identity", b.Identity), zap.Duration("keep_alive", keepAlive))
		if c.opts.OnRegistered != nil {
			c.opts.OnRegistered(b.Identity)
		}
		c.fetch()
	case KindBadIdentity:
		var b BadIdentityBody
		_ = DecodeBody(raw, &b)
		c.reg.Invalidate()
		if err := c.opts.Store.SaveRelayIdentity("", c.fallbackID); err != nil {
			c.log.Warn("clear relay identity failed", zap.Error(err))
		}
		c.metrics.IncBadIdentity()
		c.log.Warn("relay rejected identity", zap.String("identity", b.Identity))
		c.ensureRegistered()
	case KindAck:
		var b AckBody
		if err := DecodeBody(raw, &b); err != nil {
			c.noisy.Warn("ack", "bad ACK body", zap.Error(err))
			return
		}
		c.acks.Ack(b.Seq)
	case KindDeliver:
		c.ack(h.Seq)
		var b DeliverBody
		if err := DecodeBody(raw, &b); err != nil {
			c.noisy.Warn("deliver", "bad DELIVER body", zap.Error(err))
			return
		}
		if b.ReplyTo != 0 {
			c.routeReply(b)
			return
		}
		c.serveRequest(b)
	default:
		c.noisy.Debug("kind", "unexpected relay datagram", zap.Stringer("kind", h.Kind))
	}
}

func (c *Client) serveRequest(b DeliverBody) {
	hp := c.handler.Load()
	if hp == nil {
		return
	}
	reply := (*hp)(b.From, b.Packet)
	if len(reply) == 0 {
		return
	}
	identity, ok := c.reg.Registered()
	if !ok {
		return
	}
	data, _, err := c.acks.Stamp(KindDeliver, DeliverBody{From: identity, To: b.From, ReplyTo: b.ID, Packet: reply})
	if err != nil {
		c.log.Error("encode reply", zap.Error(err))
		return
	}
	c.post(data)
}

func (c *Client) routeReply(b DeliverBody) {
	c.mu.Lock()
	ch := c.exchanges[b.ReplyTo]
	c.mu.Unlock()
	if ch == nil || ch.to != b.From {
		c.noisy.Debug("late-reply", "reply for closed exchange", zap.Uint32("exchange", b.ReplyTo), zap.String("from", b.From))
		return
	}
	select {
	case ch.replies <- b.Packet:
	default:
		c.noisy.Debug("reply-overflow", "dropping surplus reply", zap.Uint32("exchange", b.ReplyTo))
	}
}

// ensureRegistered sends a REGISTER unless one went out recently.
func (c *Client) ensureRegistered() {
	if !c.reg.Begin(c.now()) {
		return
	}
	body := RegisterBody{
		Identity:   c.reg.Identity(),
		FallbackID: c.fallbackID,
		Name:       c.opts.Name,
		Version:    c.opts.Version,
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
	data, _, err := c.acks.Stamp(KindRegister, body)
	if err != nil {
		c.log.Error("encode register", zap.Error(err))
		return
	}
	c.log.Debug("registering with relay", zap.String("identity", body.Identity))
	c.post(data)
}

func (c *Client) keepAlive() {
	identity, ok := c.reg.Registered()
	if !ok {
		return
	}
	if data, _, err := c.acks.Stamp(KindKeepAlive, IdentityBody{Identity: identity}); err == nil {
		c.post(data)
	}
	c.fetch()
}

func (c *Client) fetch() {
	identity, ok := c.reg.Registered()
	if !ok {
		return
	}
	if data, _, err := c.acks.Stamp(KindFetch, IdentityBody{Identity: identity}); err == nil {
		c.post(data)
	}
}

func (c *Client) ack(seq uint32) {
	if data, _, err := c.acks.Stamp(KindAck, AckBody{Seq: seq}); err == nil {
		c.post(data)
	}
}

// post queues a datagram without blocking; reader-side traffic must never
// stall the reader.
func (c *Client) post(data []byte) bool {
	select {
	case c.out <- data:
		return true
	default:
		c.noisy.Warn("queue-full", "relay send queue full, dropping datagram")
		return false
	}
}

func (c *Client) send(ctx context.Context, data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open starts an exchange with another device. Without a registration it
// kicks one off and fails; the caller retries on its own schedule.
func (c *Client) Open(ctx context.Context, addr string) (network.Channel, error) {
	identity, ok := c.reg.Registered()
	if !ok {
		c.ensureRegistered()
		return nil, ErrNotRegistered
	}
	if addr == "" {
		return nil, fmt.Errorf("%w: missing device identity", network.ErrOpenFailed)
	}
	id := c.exchange.Add(1)
	if id == 0 {
		id = c.exchange.Add(1)
	}
	ch := &relayChannel{
		c:       c,
		from:    identity,
		to:      addr,
		id:      id,
		replies: make(chan []byte, 4),
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	c.exchanges[id] = ch
	c.mu.Unlock()
	return ch, nil
}

func (c *Client) closeExchanges() {
	c.mu.Lock()
	chans := make([]*relayChannel, 0, len(c.exchanges))
	for _, ch := range c.exchanges {
		chans = append(chans, ch)
	}
	c.mu.Unlock()
	for _, ch := range chans {
		_ = ch.Close()
	}
}

func (c *Client) State() RegState {
	return c.reg.State()
}

func (c *Client) Identity() string {
	return c.reg.Identity()
}

// Outstanding is the number of sent packets still waiting for an ack.
func (c *Client) Outstanding() int {
	return c.acks.Len()
}

type relayChannel struct {
	c       *Client
	from    string
	to      string
	id      uint32
	replies chan []byte

	once sync.Once
	done chan struct{}
}

func (ch *relayChannel) Send(ctx context.Context, packet []byte) error {
	select {
	case <-ch.done:
		return network.ErrClosed
	default:
	}
	data, _, err := ch.c.acks.Stamp(KindDeliver, DeliverBody{From: ch.from, To: ch.to, ID: ch.id, Packet: packet})
	if err != nil {
		return err
	}
	return ch.c.send(ctx, data)
}

func (ch *relayChannel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case p := <-ch.replies:
		return p, nil
	case <-ch.done:
		return nil, network.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ch *relayChannel) Close() error {
	ch.once.Do(func() {
		ch.c.mu.Lock()
		delete(ch.c.exchanges, ch.id)
		ch.c.mu.Unlock()
		close(ch.done)
	})
	return nil
}
