package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"rollcall/cmd/internal/auth"
	v1 "rollcall/shared/contracts/signal/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Authenticator verifies a raw bearer credential.
type Authenticator interface {
	Verify(raw string) (auth.Identity, error)
}

// GatewayConfig holds the WebSocket policy knobs.
type GatewayConfig struct {
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string
	// RequireAuth rejects handshakes without a valid credential. Handshakes
	// that present an invalid credential are rejected regardless.
	RequireAuth bool

	WriteTimeout     time.Duration
	ReadIdleTimeout  time.Duration
	SendQueueSize    int
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration
	RateEvents       int
	RateWindow       time.Duration
}

// GatewayConfigFromEnv reads ROLLCALL_WS_* variables over secure defaults.
func GatewayConfigFromEnv() GatewayConfig {
	return GatewayConfig{
		DevInsecure:      envBoolWS("ROLLCALL_WS_DEV_INSECURE", false),
		OriginRequired:   envBoolWS("ROLLCALL_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired),
		AllowedOrigins:   envCSVWS("ROLLCALL_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins),
		RequireAuth:      envBoolWS("ROLLCALL_WS_REQUIRE_AUTH", false),
		WriteTimeout:     envDurationWS("ROLLCALL_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout),
		ReadIdleTimeout:  envDurationWS("ROLLCALL_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle),
		SendQueueSize:    envIntWS("ROLLCALL_WS_SEND_QUEUE", wsDefaultSendQueueSize),
		HeartbeatEvery:   envDurationWS("ROLLCALL_WS_HEARTBEAT_INTERVAL", heartbeatInterval),
		HeartbeatTimeout: envDurationWS("ROLLCALL_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout),
		RateEvents:       envIntWS("ROLLCALL_WS_RATE_EVENTS", rateLimitEvents),
		RateWindow:       envDurationWS("ROLLCALL_WS_RATE_WINDOW", rateLimitWindow),
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// WSGateway is the WebSocket entrypoint for signaling.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, and hands validated envelopes to the Relay.
type WSGateway struct {
	log   *slog.Logger
	relay *Relay
	authn Authenticator
	cfg   GatewayConfig

	// websocket.Accept authorizes same-host origins itself; cross-origin
	// requests need these host patterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. authn may be nil, in which case every
// connection is anonymous and credentials are ignored.
func NewWSGateway(log *slog.Logger, relay *Relay, authn Authenticator, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if relay == nil {
		relay = NewRelay(log)
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		relay:          relay,
		authn:          authn,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the signaling loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ident, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(NewConnID(time.Now().UTC()), ident, g.cfg.SendQueueSize)
	g.relay.Attach(client)
	if ident != nil {
		// Authenticated connections are reachable without an explicit register.
		g.relay.Register(client, ident.Key())
	}
	g.log.Info("ws.connect", "conn_id", client.ConnID, "authenticated", ident != nil)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// Detach happens before client.Close so a relay holding a stale snapshot
	// only ever sees a closed done channel.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.relay.Detach(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.log.Info("ws.disconnect", "conn_id", client.ConnID, "reason", reason)
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", client.ConnID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", client.ConnID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", client.ConnID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error())
			continue readLoop
		}
		if !v1.Inbound(env.Type) {
			g.trySendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
			continue readLoop
		}

		if err := g.dispatch(ctx, client, env); err != nil {
			g.trySendError(client, errorCode(err), err.Error())
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *WSGateway) authenticate(r *http.Request) (*auth.Identity, error) {
	if g.authn == nil {
		return nil, nil
	}
	raw := auth.CredentialFromRequest(r, true)
	if raw == "" {
		if g.cfg.RequireAuth {
			return nil, auth.ErrNoCredential
		}
		return nil, nil
	}
	id, err := g.authn.Verify(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// ---- handlers ----

var (
	errBadPayload    = errors.New("invalid payload")
	errNotRegistered = errors.New("register first")
	errForbidden     = errors.New("forbidden")
	errBadJSON       = errors.New("bad json")
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, errNotRegistered):
		return "not_registered"
	case errors.Is(err, errForbidden):
		return "forbidden"
	default:
		return "bad_payload"
	}
}

func (g *WSGateway) dispatch(ctx context.Context, client *Client, env v1.Envelope) error {
	switch env.Type {
	case v1.TypeRegister:
		return g.onRegister(client, env)
	case v1.TypeCallUser:
		return g.onCallUser(client, env)
	case v1.TypeAnswerCall:
		return g.onAnswerCall(env)
	case v1.TypeStartClassCall:
		return g.onStartClassCall(ctx, client, env)
	}
	return nil
}

func (g *WSGateway) onRegister(client *Client, env v1.Envelope) error {
	var identity string
	if client.Auth != nil {
		identity = client.Auth.Key()
	} else {
		id, err := v1.DecodeRegister(env.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", errBadPayload, err)
		}
		identity = id.String()
	}

	if !g.relay.Register(client, identity) {
		return nil
	}

	ack, _ := json.Marshal(v1.RegisteredPayload{UserID: v1.ID(identity)})
	_ = client.offer(newEnvelope(v1.TypeRegistered, ack, time.Now().UTC()))
	return nil
}

func (g *WSGateway) onCallUser(client *Client, env v1.Envelope) error {
	var p v1.CallUserPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	if p.UserToCall == "" {
		return fmt.Errorf("%w: missing userToCall", errBadPayload)
	}

	from := p.From
	name := clampName(p.CallerName)
	if client.Auth != nil {
		from = v1.ID(client.Auth.Key())
		if name == "" {
			name = client.Auth.Name
		}
	} else if from == "" {
		id, ok := g.relay.Presence().IdentityOf(client.ConnID)
		if !ok {
			return errNotRegistered
		}
		from = v1.ID(id)
	}

	g.relay.DirectInvite(from, p.UserToCall, p.SignalData, name)
	return nil
}

func (g *WSGateway) onAnswerCall(env v1.Envelope) error {
	var p v1.AnswerCallPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	if p.To == "" {
		return fmt.Errorf("%w: missing to", errBadPayload)
	}

	g.relay.DirectAnswer(p.To, p.Signal)
	return nil
}

func (g *WSGateway) onStartClassCall(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.StartClassCallPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	if p.ClassID == "" {
		return fmt.Errorf("%w: missing classId", errBadPayload)
	}
	p.TeacherName = clampName(p.TeacherName)

	if client.Auth != nil {
		if client.Auth.Role != auth.RoleTeacher {
			return fmt.Errorf("%w: only teachers start class calls", errForbidden)
		}
		p.TeacherID = v1.ID(client.Auth.Key())
		if p.TeacherName == "" {
			p.TeacherName = client.Auth.Name
		}
	}

	g.relay.BroadcastInvite(ctx, client, p)
	return nil
}

func clampName(s string) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > maxNameChars {
		return string(r[:maxNameChars])
	}
	return s
}

// ---- send helpers ----

func (g *WSGateway) trySendError(client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = client.offer(newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %w", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*", origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins turns the allowlist into the host
// patterns websocket.Accept matches cross-origin requests against. Each host
// is allowed with and without a port, mirroring enforceOrigin.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	out := make([]string, 0, 2*len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" || slices.Contains(out, h) {
			continue
		}
		out = append(out, h, h+":*")
	}
	slices.Sort(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
