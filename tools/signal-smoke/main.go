// Command signal-smoke is a CI-friendly WebSocket smoke test for rollcall signaling.
//
// It validates:
//   - handshake + subprotocol selection
//   - register/registered for a teacher and a student
//   - callUser -> incomingCall on the student
//   - answerCall -> callAccepted on the teacher
//   - startClassCall -> classCallStarted on everyone but the teacher
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "rollcall/shared/contracts/signal/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL        = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin       = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		teacherID    = flag.Int64("teacher", 1, "teacher user id")
		studentID    = flag.Int64("student", 42, "student user id")
		classID      = flag.Int64("class", 7, "class id for the class call")
		teacherToken = flag.String("teacher-token", "", "bearer token for the teacher (when the server requires auth)")
		studentToken = flag.String("student-token", "", "bearer token for the student (when the server requires auth)")
		timeout      = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose      = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	teacher := v1.IDFromInt64(*teacherID)
	student := v1.IDFromInt64(*studentID)

	t := mustConnect(root, "teacher", *wsURL, *origin, *teacherToken, *timeout)
	defer closeWS(t.conn)
	s := mustConnect(root, "student", *wsURL, *origin, *studentToken, *timeout)
	defer closeWS(s.conn)
	o := mustConnect(root, "observer", *wsURL, *origin, "", *timeout)
	defer closeWS(o.conn)

	mustRegister(root, t, teacher, *timeout)
	mustRegister(root, s, student, *timeout)
	if *verbose {
		fmt.Printf("registered: teacher=%s student=%s\n", teacher, student)
	}

	offer := json.RawMessage(`{"type":"offer","sdp":"smoke"}`)
	mustWrite(root, t, v1.TypeCallUser, v1.CallUserPayload{
		UserToCall: student,
		SignalData: offer,
		From:       teacher,
		CallerName: "smoke teacher",
	}, *timeout)

	in := s.mustReadUntilType(root, v1.TypeIncomingCall, *timeout)
	var inP v1.IncomingCallPayload
	mustUnmarshal(in.Payload, &inP, "incomingCall")
	if inP.From != teacher {
		fatalf("incomingCall from mismatch: got=%q want=%q", inP.From, teacher)
	}

	mustWrite(root, s, v1.TypeAnswerCall, v1.AnswerCallPayload{
		To:     teacher,
		Signal: json.RawMessage(`{"type":"answer","sdp":"smoke"}`),
	}, *timeout)
	acc := t.mustReadUntilType(root, v1.TypeCallAccepted, *timeout)
	var accP v1.CallAcceptedPayload
	mustUnmarshal(acc.Payload, &accP, "callAccepted")
	if !strings.Contains(string(accP.Signal), "answer") {
		fatalf("callAccepted signal mismatch: %s", accP.Signal)
	}

	room := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	mustWrite(root, t, v1.TypeStartClassCall, v1.StartClassCallPayload{
		ClassID:     v1.IDFromInt64(*classID),
		TeacherID:   teacher,
		RoomID:      v1.ID(room),
		TeacherName: "smoke teacher",
	}, *timeout)
	for _, c := range []*smokeClient{s, o} {
		env := c.mustReadUntilType(root, v1.TypeClassCallStarted, *timeout)
		var p v1.ClassCallStartedPayload
		mustUnmarshal(env.Payload, &p, "classCallStarted")
		if string(p.RoomID) != room {
			fatalf("classCallStarted room mismatch (%s): got=%q want=%q", c.name, p.RoomID, room)
		}
	}
	mustAssertNoType(root, t, v1.TypeClassCallStarted, 1200*time.Millisecond)

	fmt.Printf("OK: teacher=%s student=%s room=%s\n", teacher, student, room)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(token) != "" {
		h.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func mustRegister(parent context.Context, c *smokeClient, id v1.ID, stepTimeout time.Duration) {
	mustWrite(parent, c, v1.TypeRegister, v1.RegisterPayload{UserID: id}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeRegistered, stepTimeout)
	var p v1.RegisteredPayload
	mustUnmarshal(ack.Payload, &p, "registered")
	if p.UserID == "" {
		fatalf("registered missing userId (%s)", c.name)
	}
}

func (c *smokeClient) startReadLoop() {
	fail := func(err error) {
		select {
		case c.errCh <- err:
		default:
		}
	}

	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			// Other traffic (e.g. a class call seen by the observer early) is skipped.
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	raw, err := json.Marshal(payload)
	if err != nil {
		fatalf("marshal payload: %v", err)
	}
	b, err := json.Marshal(v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: raw,
	})
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
}

func mustUnmarshal(raw json.RawMessage, v any, what string) {
	if err := json.Unmarshal(raw, v); err != nil {
		fatalf("unmarshal %s payload: %v", what, err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
