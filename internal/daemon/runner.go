// Package daemon wires the delivery engine together: per-destination send
// workers over the outbox registry, the inbound dispatcher behind the QUIC
// listener and relay client, and the collaborator API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"duelnet/internal/config"
	"duelnet/internal/logging"
	"duelnet/internal/metrics"
	"duelnet/internal/network"
	"duelnet/internal/outbox"
	"duelnet/internal/peer"
	"duelnet/internal/pprofutil"
	"duelnet/internal/relay"
	"duelnet/internal/store"
)

var ErrAlreadyRunning = errors.New("daemon: already running")

type Options struct {
	Config *config.Config
	Store  *store.Store
	// Host defaults to Store.
	Host    Host
	Log     *zap.Logger
	Metrics *metrics.Metrics
	OnEvent EventFunc
	// Dialers replaces the transports built from Config, keyed by
	// outbox.Transport*.
	Dialers map[string]network.Dialer
}

type Runner struct {
	cfg        *config.Config
	store      *store.Store
	log        *zap.Logger
	metrics    *metrics.Metrics
	emit       EventFunc
	dispatcher *Dispatcher
	registry   *outbox.Registry
	candidates *peer.CandidatePool
	reach      *reachTracker
	dialers    map[string]network.Dialer
	quic       *network.QUICDialer
	relay      *relay.Client

	running         atomic.Bool
	identityQueried atomic.Bool
	started         chan struct{}
	startOnce       sync.Once

	mu         sync.Mutex
	workCtx    context.Context
	parked     []*outbox.Accumulator
	wg         sync.WaitGroup
	listenAddr string
}

func NewRunner(opts Options) (*Runner, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.Store == nil {
		return nil, errors.New("daemon: missing store")
	}
	host := opts.Host
	if host == nil {
		host = opts.Store
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	log := logging.OrNop(opts.Log)
	r := &Runner{
		cfg:        cfg,
		store:      opts.Store,
		log:        log,
		metrics:    m,
		dispatcher: NewDispatcher(host, log, m),
		candidates: peer.NewCandidatePool(0, 0),
		reach:      newReachTracker(cfg.Outbox.UnreachableAfter),
		dialers:    make(map[string]network.Dialer),
		started:    make(chan struct{}),
	}
	r.emit = r.eventSink(opts.OnEvent)
	r.registry = outbox.NewRegistry(r.startWorker, log.Named("outbox"))

	for k, d := range opts.Dialers {
		r.dialers[k] = d
	}
	if _, ok := r.dialers[outbox.TransportQUIC]; !ok {
		d, err := r.buildQUICDialer()
		if err != nil {
			return nil, err
		}
		r.quic = d
		r.dialers[outbox.TransportQUIC] = d
	}
	if _, ok := r.dialers[outbox.TransportRelay]; !ok && cfg.Relay.Addr != "" {
		c, err := relay.NewClient(relay.ClientOptions{
			Server:           cfg.Relay.Addr,
			Name:             cfg.Node.Name,
			Version:          Version,
			RegisterInterval: cfg.Relay.RegisterInterval,
			KeepAlive:        cfg.Relay.KeepAlive,
			SendQueue:        cfg.Relay.SendQueue,
			Store:            opts.Store,
			Log:              log,
			Metrics:          m,
		})
		if err != nil {
			return nil, err
		}
		r.relay = c
		r.dialers[outbox.TransportRelay] = c
	}
	return r, nil
}

// Version is reported to the relay as client metadata.
var Version = "dev"

func (r *Runner) buildQUICDialer() (*network.QUICDialer, error) {
	caPath, err := network.ExportDevCA(r.cfg.QUIC.CertDir)
	if err != nil {
		return nil, fmt.Errorf("daemon: export dev ca: %w", err)
	}
	variants, err := network.ClientVariants(caPath, r.cfg.QUIC.InsecureFallback)
	if err != nil {
		return nil, err
	}
	return network.NewQUICDialer(network.DialerOptions{
		Variants:   variants,
		Window:     r.cfg.QUIC.OpenWindow,
		RetrySleep: r.cfg.QUIC.OpenRetrySleep,
		Log:        r.log,
	})
}

func (r *Runner) eventSink(next EventFunc) EventFunc {
	return func(ev Event) {
		r.log.Debug("event", zap.Stringer("kind", ev.Kind), zap.Stringer("dest", ev.Dest),
			zap.Uint32("game", ev.GameID), zap.String("corr", ev.CorrelationID))
		if next != nil {
			next(ev)
		}
	}
}

// Run serves inbound traffic and drives send workers until ctx ends.
func (r *Runner) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	if r.cfg.QUIC.Listen != "" {
		ln, err := network.Listen(network.ListenerOptions{
			Addr:            r.cfg.QUIC.Listen,
			ReadTimeout:     r.cfg.QUIC.ReplyTimeout,
			MaxConnsPerIP:   r.cfg.QUIC.MaxConnsPerIP,
			MaxStreamsPerIP: r.cfg.QUIC.MaxStreamsPerIP,
			Log:             r.log,
			Metrics:         r.metrics,
		})
		if err != nil {
			return fmt.Errorf("daemon: listen %s: %w", r.cfg.QUIC.Listen, err)
		}
		r.setListenAddr(ln.Addr().String())
		g.Go(func() error { return ln.Serve(gctx, r.dispatcher.QUICHandler()) })
	}
	if r.relay != nil {
		g.Go(func() error { return r.relay.Run(gctx, r.dispatcher.RelayHandler(r.candidates.Add)) })
	}
	if r.cfg.Metrics.SnapshotPath != "" {
		g.Go(func() error {
			return r.metrics.RunSnapshots(gctx, r.cfg.Metrics.SnapshotPath, r.cfg.Metrics.Interval, r.log)
		})
	}
	dbg, err := pprofutil.Start(r.cfg.Debug, r.metrics, r.log)
	if err != nil {
		r.log.Warn("pprof disabled", zap.Error(err))
	}
	if dbg != nil {
		defer dbg.Close()
	}

	r.resumeWorkers(gctx)
	r.startOnce.Do(func() { close(r.started) })
	r.maybeQueryIdentity()
	r.log.Info("node running", zap.String("listen", r.ListenAddr()), zap.String("relay", r.cfg.Relay.Addr),
		zap.String("data_dir", r.store.Dir()))

	g.Go(func() error {
		<-gctx.Done()
		r.stopWorkers()
		return nil
	})
	err = g.Wait()
	r.setListenAddr("")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *Runner) resumeWorkers(ctx context.Context) {
	r.mu.Lock()
	r.workCtx = ctx
	parked := r.parked
	r.parked = nil
	r.mu.Unlock()
	for _, acc := range parked {
		r.spawn(acc, true)
	}
}

func (r *Runner) stopWorkers() {
	r.mu.Lock()
	r.workCtx = nil
	r.mu.Unlock()
	if r.quic != nil {
		if n := r.quic.CloseAll(); n > 0 {
			r.log.Debug("closed in-flight connections", zap.Int("count", n))
		}
	}
	r.wg.Wait()
}

// startWorker is the registry's start hook. Accumulators created while the
// runner is stopped wait for the next Run.
func (r *Runner) startWorker(acc *outbox.Accumulator) {
	r.spawn(acc, true)
}

// spawn runs a worker for acc under the current Run and reports whether it
// started. Steady-state accumulators belong to the registry: they are parked
// when the runner is stopped, or when the Run ends with work left. Probes are
// refused or dropped instead.
func (r *Runner) spawn(acc *outbox.Accumulator, steady bool) bool {
	dest := acc.Destination()
	release := func(*outbox.Accumulator) bool { return true }
	if steady {
		release = r.registry.Release
	}
	w := &worker{
		acc:          acc,
		dialer:       r.dialers[dest.Transport],
		release:      release,
		idleExit:     r.cfg.Outbox.IdleExit,
		replyTimeout: r.cfg.QUIC.ReplyTimeout,
		reach:        r.reach,
		emit:         r.emit,
		onIdentity:   r.learnIdentity,
		log:          r.log.Named("worker").With(zap.Stringer("dest", dest)),
		metrics:      r.metrics,
	}

	// wg.Add happens under mu: once stopWorkers cleared workCtx no worker joins
	r.mu.Lock()
	ctx := r.workCtx
	if ctx == nil {
		if steady {
			r.parked = append(r.parked, acc)
		}
		r.mu.Unlock()
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if !w.run(ctx) || !steady {
			return
		}
		if acc.Len() == 0 && release(acc) {
			return
		}
		r.mu.Lock()
		r.parked = append(r.parked, acc)
		r.mu.Unlock()
	}()
	return true
}

func (r *Runner) learnIdentity(dest outbox.Destination, identity string) {
	if identity == "" {
		return
	}
	if r.store.OwnIdentity() == identity {
		return
	}
	if err := r.store.SetOwnIdentity(identity); err != nil {
		r.log.Warn("persist own identity failed", zap.Error(err))
		return
	}
	r.log.Info("own identity resolved", zap.String("identity", identity), zap.Stringer("via", dest))
}

// maybeQueryIdentity asks the first reachable candidate who we are, once,
// while the own identity is unknown.
func (r *Runner) maybeQueryIdentity() {
	if r.store.OwnIdentity() != "" {
		return
	}
	for _, dest := range r.candidates.List() {
		if _, ok := r.dialers[dest.Transport]; !ok {
			continue
		}
		if !r.identityQueried.CompareAndSwap(false, true) {
			return
		}
		r.QueryIdentity(dest)
		return
	}
}

func (r *Runner) setListenAddr(addr string) {
	r.mu.Lock()
	r.listenAddr = addr
	r.mu.Unlock()
}

// Started is closed once the first Run accepts work, probes included.
func (r *Runner) Started() <-chan struct{} {
	return r.started
}

// ListenAddr is the bound QUIC address while running.
func (r *Runner) ListenAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listenAddr
}

func (r *Runner) Metrics() *metrics.Metrics {
	return r.metrics
}
