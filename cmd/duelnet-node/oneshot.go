package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"duelnet/internal/config"
	"duelnet/internal/daemon"
	"duelnet/internal/logging"
	"duelnet/internal/outbox"
	"duelnet/internal/store"
)

var errTimeout = errors.New("no reply before timeout")

// exchange describes one request made by a short-lived, dial-only node.
type exchange struct {
	dest    outbox.Destination
	timeout time.Duration
	submit  func(r *daemon.Runner) bool
	// settles reports whether ev is the outcome of the request.
	settles func(ev daemon.Event) bool
}

// runExchange starts a node without a listener, submits the request once the
// node accepts work and waits for the settling event.
func runExchange(cmd *cobra.Command, ex exchange) (daemon.Event, error) {
	cfg, err := loadConfig(cmd, func(c *config.Config) {
		c.QUIC.Listen = ""
		c.Debug.Pprof = false
		c.Outbox.UnreachableAfter = 0
	})
	if err != nil {
		return daemon.Event{}, err
	}
	// a running node on the same data dir owns the snapshot file
	cfg.Metrics.SnapshotPath = ""
	log, err := logging.Setup(cfg.Log)
	if err != nil {
		return daemon.Event{}, err
	}
	defer func() { _ = log.Sync() }()
	st, err := store.Open(cfg.Node.DataDir)
	if err != nil {
		return daemon.Event{}, err
	}

	events := make(chan daemon.Event, 32)
	r, err := daemon.NewRunner(daemon.Options{
		Config: cfg,
		Store:  st,
		Log:    log,
		OnEvent: func(ev daemon.Event) {
			select {
			case events <- ev:
			default:
			}
		},
	})
	if err != nil {
		return daemon.Event{}, err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), ex.timeout)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()
	defer func() {
		cancel()
		<-runErr
	}()

	select {
	case <-r.Started():
	case err := <-runErr:
		runErr <- err
		if err == nil {
			err = errTimeout
		}
		return daemon.Event{}, err
	}
	r.AddCandidates(ex.dest)
	if !ex.submit(r) {
		return daemon.Event{}, fmt.Errorf("%s: no transport for this destination", ex.dest)
	}
	for {
		select {
		case ev := <-events:
			if ex.settles(ev) {
				return ev, nil
			}
		case <-ctx.Done():
			return daemon.Event{}, fmt.Errorf("%s: %w", ex.dest, errTimeout)
		}
	}
}

// failed maps negative outcomes to a command error.
func failed(ev daemon.Event) error {
	switch ev.Kind {
	case daemon.EventMessageNoSuchGame, daemon.EventInviteFailed, daemon.EventBadProtocol, daemon.EventUnreachable:
		return fmt.Errorf("%s: %s", ev.Dest, ev.Kind)
	}
	return nil
}

func unreachable(dest outbox.Destination, ev daemon.Event) bool {
	return ev.Kind == daemon.EventUnreachable && ev.Dest == dest
}

func parseGameID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid game id %q", s)
	}
	return uint32(id), nil
}

func addTimeoutFlag(cmd *cobra.Command, timeout *time.Duration) {
	cmd.Flags().DurationVar(timeout, "timeout", 15*time.Second, "How long to wait for the peer's reply")
}

// gameRequest builds the send and invite commands, which differ only in the
// runner call and the events that settle them.
func gameRequest(use, short string, submit func(r *daemon.Runner, dest outbox.Destination, game uint32, body []byte, corr string) bool, answers ...daemon.EventKind) *cobra.Command {
	var timeout time.Duration
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := outbox.ParseDestination(args[0])
			if err != nil {
				return err
			}
			game, err := parseGameID(args[1])
			if err != nil {
				return err
			}
			var body []byte
			if len(args) == 3 {
				body = []byte(args[2])
			}
			corr := uuid.NewString()
			ev, err := runExchange(cmd, exchange{
				dest:    dest,
				timeout: timeout,
				submit:  func(r *daemon.Runner) bool { return submit(r, dest, game, body, corr) },
				settles: func(ev daemon.Event) bool {
					if unreachable(dest, ev) {
						return true
					}
					if ev.CorrelationID != corr {
						return false
					}
					if ev.Kind == daemon.EventBadProtocol {
						return true
					}
					for _, k := range answers {
						if ev.Kind == k {
							return true
						}
					}
					return false
				},
			})
			if err != nil {
				return err
			}
			writeEvent(cmd, ev, outputJSON)
			return failed(ev)
		},
	}
	addTimeoutFlag(cmd, &timeout)
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}

func newSendCmd() *cobra.Command {
	return gameRequest("send <dest> <game-id> [body]", "Deliver one game message to a peer",
		func(r *daemon.Runner, dest outbox.Destination, game uint32, body []byte, corr string) bool {
			return r.Send(dest, game, body, corr)
		},
		daemon.EventMessageAccepted, daemon.EventMessageNoSuchGame)
}

func newInviteCmd() *cobra.Command {
	return gameRequest("invite <dest> <game-id> [body]", "Invite a peer into a game",
		func(r *daemon.Runner, dest outbox.Destination, game uint32, body []byte, corr string) bool {
			return r.Invite(dest, game, body, corr)
		},
		daemon.EventInviteAccepted, daemon.EventInviteDuplicate, daemon.EventInviteFailed)
}

func newGoneCmd() *cobra.Command {
	var timeout time.Duration
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "gone <dest> <game-id>",
		Short: "Tell a peer a game was torn down",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := outbox.ParseDestination(args[0])
			if err != nil {
				return err
			}
			game, err := parseGameID(args[1])
			if err != nil {
				return err
			}
			ev, err := runExchange(cmd, exchange{
				dest:    dest,
				timeout: timeout,
				submit:  func(r *daemon.Runner) bool { return r.NotifyPeerGone(dest, game) },
				settles: func(ev daemon.Event) bool {
					return unreachable(dest, ev) || (ev.Kind == daemon.EventGameGoneAcked && ev.GameID == game)
				},
			})
			if err != nil {
				return err
			}
			writeEvent(cmd, ev, outputJSON)
			return failed(ev)
		},
	}
	addTimeoutFlag(cmd, &timeout)
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}

func newProbeCmd() *cobra.Command {
	var timeout time.Duration
	var game uint32
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "probe <dest>",
		Short: "Check whether a peer answers a ping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := outbox.ParseDestination(args[0])
			if err != nil {
				return err
			}
			started := time.Now()
			ev, err := runExchange(cmd, exchange{
				dest: dest,
				// the probe gives up on its own just before the command does
				timeout: timeout + time.Second,
				submit:  func(r *daemon.Runner) bool { return r.ProbeLiveness(dest, game, timeout) },
				settles: func(ev daemon.Event) bool {
					return ev.Dest == dest && (ev.Kind == daemon.EventPong || ev.Kind == daemon.EventUnreachable)
				},
			})
			if err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"dest":       dest.String(),
					"alive":      ev.Kind == daemon.EventPong,
					"elapsed_ms": time.Since(started).Milliseconds(),
				})
			}
			writeEvent(cmd, ev, false)
			return failed(ev)
		},
	}
	addTimeoutFlag(cmd, &timeout)
	cmd.Flags().Uint32Var(&game, "game", 0, "Game id carried by the ping")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}
