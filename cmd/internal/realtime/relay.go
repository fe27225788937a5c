package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	v1 "rollcall/shared/contracts/signal/v1"
)

// Relay kinds, used as metric labels and in logs.
const (
	KindDirectInvite    = "direct_invite"
	KindDirectAnswer    = "direct_answer"
	KindBroadcastInvite = "broadcast_invite"
)

// Recorder receives relay and presence counters.
type Recorder interface {
	Routed(kind string, deliveries int)
	ConnectionOpened()
	ConnectionClosed()
}

type nopRecorder struct{}

func (nopRecorder) Routed(string, int) {}
func (nopRecorder) ConnectionOpened() {}
func (nopRecorder) ConnectionClosed() {}

// ClassRoster lists the identities enrolled in a class. When configured, class
// calls reach only the roster plus the announcing teacher.
type ClassRoster interface {
	Members(ctx context.Context, classID int64) ([]string, error)
}

// Relay routes call-control messages between connections. It persists
// nothing: a target with no live connection means the message is dropped.
type Relay struct {
	log      *slog.Logger
	hub      *Hub
	presence *Registry
	roster   ClassRoster
	metrics  Recorder
	now      func() time.Time
}

type RelayOption func(*Relay)

// WithClassRoster scopes class-call broadcasts to the class audience.
func WithClassRoster(r ClassRoster) RelayOption {
	return func(rl *Relay) { rl.roster = r }
}

func WithRecorder(r Recorder) RelayOption {
	return func(rl *Relay) {
		if r != nil {
			rl.metrics = r
		}
	}
}

func NewRelay(log *slog.Logger, opts ...RelayOption) *Relay {
	if log == nil {
		log = slog.Default()
	}
	r := &Relay{
		log:      log,
		hub:      NewHub(),
		presence: NewRegistry(),
		metrics:  nopRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Presence exposes the registry, mainly for diagnostics and tests.
func (r *Relay) Presence() *Registry { return r.presence }

// Hub exposes the live connection set.
func (r *Relay) Hub() *Hub { return r.hub }

// Attach makes c eligible for broadcasts.
func (r *Relay) Attach(c *Client) {
	r.hub.Add(c)
	r.metrics.ConnectionOpened()
}

// Detach is the implicit Unregister on disconnect.
func (r *Relay) Detach(c *Client) {
	if c == nil {
		return
	}
	r.hub.Remove(c.ConnID)
	identity, ok := r.presence.Retire(c)
	r.metrics.ConnectionClosed()
	if ok {
		r.log.Debug("presence.unregister", "conn_id", c.ConnID, "identity", identity)
	}
}

// Register binds c to identity in the presence registry. A client that has
// already been detached stays unregistered.
func (r *Relay) Register(c *Client, identity string) bool {
	if !r.presence.Register(identity, c) {
		r.log.Debug("presence.register.skip", "identity", identity)
		return false
	}
	r.log.Debug("presence.register", "conn_id", c.ConnID, "identity", identity)
	return true
}

// DirectInvite delivers an incomingCall to every connection of to and returns
// the number of connections that accepted it.
func (r *Relay) DirectInvite(from, to v1.ID, signal json.RawMessage, callerName string) int {
	p, _ := json.Marshal(v1.IncomingCallPayload{Signal: signal, From: from, Name: callerName})
	env := newEnvelope(v1.TypeIncomingCall, p, r.now())

	n := r.deliver(r.presence.ConnectionsFor(to.String()), env, "")
	r.record(KindDirectInvite, n, "to", to.String())
	return n
}

// DirectAnswer delivers a callAccepted to every connection of to.
func (r *Relay) DirectAnswer(to v1.ID, signal json.RawMessage) int {
	p, _ := json.Marshal(v1.CallAcceptedPayload{Signal: signal})
	env := newEnvelope(v1.TypeCallAccepted, p, r.now())

	n := r.deliver(r.presence.ConnectionsFor(to.String()), env, "")
	r.record(KindDirectAnswer, n, "to", to.String())
	return n
}

// BroadcastInvite delivers classCallStarted to every live connection except
// origin, or with a ClassRoster, to the class audience except origin.
func (r *Relay) BroadcastInvite(ctx context.Context, origin *Client, call v1.StartClassCallPayload) int {
	p, _ := json.Marshal(v1.ClassCallStartedPayload(call))
	env := newEnvelope(v1.TypeClassCallStarted, p, r.now())

	skip := ""
	if origin != nil {
		skip = origin.ConnID
	}

	var targets []*Client
	if r.roster == nil {
		targets = r.hub.Snapshot()
	} else {
		var err error
		targets, err = r.audience(ctx, call)
		if err != nil {
			r.log.Warn("relay.broadcast.roster.fail", "class_id", call.ClassID.String(), "err", err)
			r.record(KindBroadcastInvite, 0, "class_id", call.ClassID.String())
			return 0
		}
	}

	n := r.deliver(targets, env, skip)
	r.record(KindBroadcastInvite, n, "class_id", call.ClassID.String())
	return n
}

func (r *Relay) audience(ctx context.Context, call v1.StartClassCallPayload) ([]*Client, error) {
	classID, err := call.ClassID.Int64()
	if err != nil {
		return nil, err
	}
	members, err := r.roster.Members(ctx, classID)
	if err != nil {
		return nil, err
	}

	audience := make([]string, 0, len(members)+1)
	audience = append(audience, members...)
	audience = append(audience, call.TeacherID.String())

	seen := make(map[string]struct{}, len(audience))
	var out []*Client
	for _, identity := range audience {
		if _, dup := seen[identity]; dup || identity == "" {
			continue
		}
		seen[identity] = struct{}{}
		out = append(out, r.presence.ConnectionsFor(identity)...)
	}
	return out, nil
}

func (r *Relay) deliver(targets []*Client, env v1.Envelope, skipConn string) int {
	n := 0
	for _, c := range targets {
		if c == nil || c.ConnID == skipConn {
			continue
		}
		if c.offer(env) {
			n++
		}
	}
	return n
}

func (r *Relay) record(kind string, n int, key, val string) {
	r.metrics.Routed(kind, n)
	if n == 0 {
		r.log.Debug("relay.dropped", "kind", kind, key, val)
		return
	}
	r.log.Debug("relay.delivered", "kind", kind, key, val, "deliveries", n)
}
