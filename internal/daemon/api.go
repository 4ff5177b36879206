package daemon

import (
	"time"

	"go.uber.org/zap"

	"duelnet/internal/metrics"
	"duelnet/internal/outbox"
	"duelnet/internal/proto"
)

// Send queues a MESSAGE for gameID. It returns false when dest is not known
// to be reachable or the queue cannot take the payload; delivery itself is
// reported through events.
func (r *Runner) Send(dest outbox.Destination, gameID uint32, payload []byte, correlationID string) bool {
	return r.enqueue(dest, proto.KindMessage, gameID, payload, correlationID)
}

// Invite queues an INVITE opening gameID on the peer.
func (r *Runner) Invite(dest outbox.Destination, gameID uint32, payload []byte, correlationID string) bool {
	return r.enqueue(dest, proto.KindInvite, gameID, payload, correlationID)
}

// NotifyPeerGone tells the peer that gameID has been torn down locally.
func (r *Runner) NotifyPeerGone(dest outbox.Destination, gameID uint32) bool {
	return r.enqueue(dest, proto.KindGameGone, gameID, nil, "")
}

// QueryIdentity asks dest how it sees this node.
func (r *Runner) QueryIdentity(dest outbox.Destination) bool {
	return r.enqueue(dest, proto.KindIdentityQuery, 0, nil, "")
}

// ProbeLiveness sends a one-shot PING on its own queue. The probe gives up
// after lifetime (the configured probe lifetime when zero) and raises
// EventPong or EventUnreachable. Probes skip the reachability check, since
// finding out is their purpose.
func (r *Runner) ProbeLiveness(dest outbox.Destination, gameID uint32, lifetime time.Duration) bool {
	if _, ok := r.dialers[dest.Transport]; !ok || dest.Addr == "" {
		r.metrics.IncRejectedNoRoute()
		return false
	}
	if lifetime <= 0 {
		lifetime = r.cfg.Outbox.ProbeLifetime
	}
	acc := outbox.NewAccumulator(dest, outbox.Options{
		Deadline:      time.Now().Add(lifetime),
		ExitWhenEmpty: true,
		Log:           r.log.Named("probe"),
	})
	if !acc.Enqueue(proto.KindPing, gameID, nil, "") {
		return false
	}
	r.metrics.IncEnqueued()

	if !r.spawn(acc, false) {
		r.log.Debug("probe dropped: runner not running", zap.Stringer("dest", dest))
		return false
	}
	return true
}

// AddCandidates records destinations discovery reports as reachable.
func (r *Runner) AddCandidates(dests ...outbox.Destination) {
	for _, d := range dests {
		r.candidates.Add(d)
	}
	if r.running.Load() {
		r.maybeQueryIdentity()
	}
}

func (r *Runner) Reachable(dest outbox.Destination) bool {
	return r.candidates.Has(dest)
}

func (r *Runner) enqueue(dest outbox.Destination, kind proto.Kind, gameID uint32, payload []byte, corr string) bool {
	if _, ok := r.dialers[dest.Transport]; !ok || !r.Reachable(dest) {
		r.metrics.IncRejectedNoRoute()
		r.log.Debug("enqueue rejected: no route", zap.Stringer("dest", dest), zap.Stringer("kind", kind))
		return false
	}
	switch r.registry.Enqueue(dest, kind, gameID, payload, corr) {
	case outbox.Queued:
		r.metrics.IncEnqueued()
	case outbox.Duplicate:
		r.metrics.IncDeduped()
	default:
		r.metrics.IncRejectedOversize()
		return false
	}
	return true
}

// Status is a point-in-time view of the node.
type Status struct {
	Running       bool             `json:"running"`
	ListenAddr    string           `json:"listen_addr,omitempty"`
	OwnIdentity   string           `json:"own_identity,omitempty"`
	RelayState    string           `json:"relay_state,omitempty"`
	RelayIdentity string           `json:"relay_identity,omitempty"`
	Candidates    []string         `json:"candidates"`
	Queues        []QueueStatus    `json:"queues"`
	Reach         []ReachStatus    `json:"reach"`
	Metrics       metrics.Snapshot `json:"metrics"`
}

type QueueStatus struct {
	Dest     string `json:"dest"`
	Pending  int    `json:"pending"`
	Bytes    int    `json:"bytes"`
	Failures int    `json:"failures"`
}

type ReachStatus struct {
	Dest         string    `json:"dest"`
	LastOK       time.Time `json:"last_ok,omitempty"`
	FailingSince time.Time `json:"failing_since,omitempty"`
	Failures     int       `json:"failures"`
	Unreachable  bool      `json:"unreachable"`
}

func (r *Runner) Status() Status {
	st := Status{
		Running:     r.running.Load(),
		ListenAddr:  r.ListenAddr(),
		OwnIdentity: r.store.OwnIdentity(),
		Metrics:     r.metrics.Snapshot(),
	}
	if r.relay != nil {
		st.RelayState = r.relay.State().String()
		st.RelayIdentity = r.relay.Identity()
	}
	for _, d := range r.candidates.List() {
		st.Candidates = append(st.Candidates, d.String())
	}
	for _, q := range r.registry.Stats() {
		st.Queues = append(st.Queues, QueueStatus{Dest: q.Dest.String(), Pending: q.Pending, Bytes: q.Bytes, Failures: q.Failures})
	}
	for _, ri := range r.reach.list() {
		st.Reach = append(st.Reach, ReachStatus{
			Dest:         ri.Dest.String(),
			LastOK:       ri.LastOK,
			FailingSince: ri.FailingSince,
			Failures:     ri.Failures,
			Unreachable:  ri.Unreachable,
		})
	}
	return st
}
