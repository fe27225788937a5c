package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rollcall/cmd/internal/auth"
	"rollcall/cmd/internal/clock"
	"rollcall/cmd/internal/realtime"
	"rollcall/cmd/internal/sqlitedb"
	v1 "rollcall/shared/contracts/signal/v1"

	"github.com/coder/websocket"
)

const testJWTSecret = "app-test-secret-0123456789abcdef!"

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "port only", in: ":7000", want: "http://127.0.0.1:7000"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://attend.example.edu", want: "wss://attend.example.edu"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		HTTPAddr:        "127.0.0.1:0",
		BaseURL:         "https://attend.example.edu",
		SQLitePath:      filepath.Join(t.TempDir(), "rollcall.db"),
		SeedDev:         true,
		DBSchema:        "rollcall",
		Timezone:        "UTC",
		SessionValidity: 5 * time.Second,
		SessionRotation: 5 * time.Second,
		RotationSlack:   time.Second,
		BurstWindow:     2 * time.Second,
		BurstThreshold:  3,
		JWTSecret:       testJWTSecret,
		LoginPath:       "/login.html",
	}
}

func newTestApp(t *testing.T, cfg Config) (*App, *httptest.Server, *clock.Manual) {
	t.Helper()

	clk := clock.NewManual(time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(cfg, log,
		WithClock(clk),
		WithGatewayConfig(realtime.GatewayConfig{OriginRequired: false}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return a, srv, clk
}

func signToken(t *testing.T, a *App, userID int64, role auth.Role) string {
	t.Helper()
	tok, err := a.authn.Sign(auth.Identity{UserID: userID, Role: role}, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return tok
}

func postJSON(t *testing.T, url, bearer string, body any) (int, map[string]any) {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, out
}

func getBody(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func TestApp_HealthReadyAndHeaders(t *testing.T) {
	t.Parallel()

	_, srv, _ := newTestApp(t, testConfig(t))

	resp, body := getBody(t, srv.URL+"/healthz")
	if resp.StatusCode != http.StatusOK || body != "ok\n" {
		t.Fatalf("healthz: %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("missing nosniff: %q", got)
	}

	resp, body = getBody(t, srv.URL+"/readyz")
	if resp.StatusCode != http.StatusOK || body != "ready\n" {
		t.Fatalf("readyz: %d %q", resp.StatusCode, body)
	}

	resp, _ = getBody(t, srv.URL+"/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown route: %d", resp.StatusCode)
	}
}

func TestApp_ReadyRequiresPostgresWhenConfigured(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.ReadinessRequireDB = true
	_, srv, _ := newTestApp(t, cfg)

	resp, _ := getBody(t, srv.URL+"/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz: %d", resp.StatusCode)
	}
}

func TestApp_AttendanceFlowAndMetrics(t *testing.T) {
	t.Parallel()

	a, srv, clk := newTestApp(t, testConfig(t))
	teacher := signToken(t, a, sqlitedb.DevTeacherID, auth.RoleTeacher)
	student := signToken(t, a, sqlitedb.DevStudentA, auth.RoleStudent)

	status, issued := postJSON(t, srv.URL+"/api/teacher/generate-qr", teacher, map[string]any{"classId": sqlitedb.DevClassID})
	if status != http.StatusOK {
		t.Fatalf("issue: %d %v", status, issued)
	}
	tok, _ := issued["token"].(string)
	if !strings.HasPrefix(issued["redemption_url"].(string), "https://attend.example.edu/mark-attendance?") {
		t.Fatalf("redemption_url = %v", issued["redemption_url"])
	}

	clk.Advance(time.Second)
	status, res := postJSON(t, srv.URL+"/api/student/scan-qr", student, map[string]any{"token": tok, "classId": sqlitedb.DevClassID})
	if status != http.StatusOK || res["outcome"] != "marked" {
		t.Fatalf("scan: %d %v", status, res)
	}

	_, metrics := getBody(t, srv.URL+"/metrics")
	for _, want := range []string{
		"rollcall_sessions_issued_total 1",
		`rollcall_redemptions_total{outcome="marked"} 1`,
		"rollcall_http_request_duration_seconds",
	} {
		if !strings.Contains(metrics, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestApp_WebSocketThroughMiddleware(t *testing.T) {
	t.Parallel()

	_, srv, _ := newTestApp(t, testConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	reg, _ := json.Marshal(v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeRegister,
		ID:      "1",
		TS:      time.Now().UTC(),
		Payload: json.RawMessage(`{"userId":42}`),
	})
	if err := conn.Write(ctx, websocket.MessageText, reg); err != nil {
		t.Fatalf("write: %v", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Type == v1.TypeRegistered {
			return
		}
		if env.Type == v1.TypeError {
			t.Fatalf("unexpected error envelope: %s", env.Payload)
		}
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"missing jwt secret", func(c *Config) { c.JWTSecret = "" }},
		{"rotation exceeds validity", func(c *Config) { c.SessionRotation = 10 * time.Second }},
		{"validity outlives rotation", func(c *Config) { c.SessionValidity = 30 * time.Second }},
		{"unknown timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
	}
	for _, tc := range cases {
		cfg := testConfig(t)
		tc.mut(&cfg)
		if a, err := New(cfg, log); err == nil {
			a.Close()
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
