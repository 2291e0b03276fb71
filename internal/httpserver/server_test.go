package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/benchpulse/benchpulse/internal/config"
	"github.com/benchpulse/benchpulse/internal/frametime"
	"github.com/benchpulse/benchpulse/internal/session"
	"github.com/benchpulse/benchpulse/internal/telemetry"
	"github.com/benchpulse/benchpulse/internal/version"
)

func TestHealthzOK(t *testing.T) {
	t.Parallel()

	env := newTestServer(t)

	resp, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if strings.TrimSpace(string(body)) != `{"status":"ok"}` {
		t.Fatalf("unexpected body %q", string(body))
	}

	respAPI, err := http.Get(env.ts.URL + "/api/healthz")
	if err != nil {
		t.Fatalf("GET /api/healthz failed: %v", err)
	}
	respAPI.Body.Close()
	if respAPI.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for /api/healthz, got %d", respAPI.StatusCode)
	}
}

func TestReadyzStates(t *testing.T) {
	t.Parallel()

	env := newTestServer(t)

	// No sample published yet.
	assertReadyz(t, env.ts.URL+"/readyz", http.StatusServiceUnavailable, "initializing", "waiting_for_samples")
	assertReadyz(t, env.ts.URL+"/api/readyz", http.StatusServiceUnavailable, "initializing", "waiting_for_samples")

	env.hub.PublishSample(telemetry.Sample{Timestamp: time.Now()})
	env.hub.PublishPhaseChange(session.PhaseOff, session.PhaseWaiting)

	assertReadyz(t, env.ts.URL+"/readyz", http.StatusOK, "ok", "")

	resp, err := http.Get(env.ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz failed: %v", err)
	}
	defer resp.Body.Close()
	var payload readyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode readyz response: %v", err)
	}
	if payload.Phase != "waiting" {
		t.Fatalf("expected phase waiting, got %q", payload.Phase)
	}
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()

	version.Set(version.Info{Version: "v0.0.1", Commit: "abc123", BuildTime: "now"})

	env := newTestServer(t)

	resp, err := http.Get(env.ts.URL + "/api/version")
	if err != nil {
		t.Fatalf("GET /api/version failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var info version.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Version != "v0.0.1" || info.Commit != "abc123" || info.BuildTime != "now" {
		t.Fatalf("unexpected version payload %+v", info)
	}
}

func TestAPISample(t *testing.T) {
	t.Parallel()

	env := newTestServer(t)

	resp, err := http.Get(env.ts.URL + "/api/sample")
	if err != nil {
		t.Fatalf("GET /api/sample failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before first sample, got %d", resp.StatusCode)
	}

	sample := telemetry.Sample{Timestamp: time.Now()}
	sample.Frame.FPS = telemetry.Float(144.2)
	sample.GPU.UtilizationPct = telemetry.Float(87)
	env.hub.PublishSample(sample)

	resp2, err := http.Get(env.ts.URL + "/api/sample")
	if err != nil {
		t.Fatalf("GET /api/sample failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp2.StatusCode)
	}

	var decoded telemetry.Sample
	if err := json.NewDecoder(resp2.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode sample: %v", err)
	}
	if decoded.Frame.FPS == nil || *decoded.Frame.FPS != 144.2 {
		t.Fatalf("fps = %v", decoded.Frame.FPS)
	}
	if decoded.GPU.UtilizationPct == nil || *decoded.GPU.UtilizationPct != 87 {
		t.Fatalf("gpu utilization = %v", decoded.GPU.UtilizationPct)
	}
}

func TestSessionControl(t *testing.T) {
	t.Parallel()

	env := newTestServer(t)

	resp, err := http.Get(env.ts.URL + "/api/session")
	if err != nil {
		t.Fatalf("GET /api/session failed: %v", err)
	}
	var state struct {
		Phase       string `json:"phase"`
		EndDetected bool   `json:"end_detected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode session state: %v", err)
	}
	resp.Body.Close()
	if state.Phase != "off" || state.EndDetected {
		t.Fatalf("initial state = %+v", state)
	}

	postJSON(t, env.ts.URL+"/api/session/phase", `{"phase":"running"}`, http.StatusOK)
	if env.detector.Phase() != session.PhaseRunning {
		t.Fatalf("detector phase = %v", env.detector.Phase())
	}

	postJSON(t, env.ts.URL+"/api/session/phase", `{"phase":"turbo"}`, http.StatusBadRequest)

	postJSON(t, env.ts.URL+"/api/session/end", "", http.StatusOK)
	if !env.detector.EndDetected() {
		t.Fatal("end signal not recorded")
	}

	// GET on a POST-only control endpoint is rejected.
	respGet, err := http.Get(env.ts.URL + "/api/session/end")
	if err != nil {
		t.Fatalf("GET /api/session/end failed: %v", err)
	}
	respGet.Body.Close()
	if respGet.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", respGet.StatusCode)
	}
}

func TestFrameIngest(t *testing.T) {
	t.Parallel()

	env := newTestServer(t)

	payload := `{
		"process_id": 4242,
		"fps": 138.5,
		"frame_time_avg_ms": 7.22,
		"frames_presented": 1200,
		"frame_times_ms": [7.1, 7.3, 6.9]
	}`
	postJSON(t, env.ts.URL+"/api/frames", payload, http.StatusAccepted)

	stats, _, ok := env.frames.Latest()
	if !ok {
		t.Fatal("frame cache empty after ingest")
	}
	if stats.ProcessID != 4242 || stats.FPS != 138.5 {
		t.Fatalf("stats = %+v", stats)
	}
	drained := env.frames.DrainFrameTimes()
	if len(drained) != 3 || drained[0] != 7.1 {
		t.Fatalf("drained = %v", drained)
	}

	postJSON(t, env.ts.URL+"/api/frames", "{not json", http.StatusBadRequest)
}

func TestWebSocketStream(t *testing.T) {
	t.Parallel()

	env := newTestServer(t)

	wsURL := toWebsocketURL(env.ts.URL + "/ws")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello := readWSMessage(t, ctx, conn)
	if hello["type"] != "hello" {
		t.Fatalf("expected hello message, got %q", hello["type"])
	}
	if _, ok := hello["interval_ms"]; !ok {
		t.Fatal("hello missing interval_ms")
	}
	if hello["phase"] != "off" {
		t.Fatalf("hello phase = %v", hello["phase"])
	}

	sample := telemetry.Sample{Timestamp: time.Now()}
	sample.Frame.FPS = telemetry.Float(99.5)
	env.hub.PublishSample(sample)

	msg := readWSMessage(t, ctx, conn)
	if msg["type"] != "sample" {
		t.Fatalf("expected sample message, got %q", msg["type"])
	}
	frame, ok := msg["frame"].(map[string]interface{})
	if !ok {
		t.Fatal("sample payload missing frame section")
	}
	if frame["fps"] != 99.5 {
		t.Fatalf("fps = %v", frame["fps"])
	}

	env.hub.PublishPhaseChange(session.PhaseWaiting, session.PhaseRunning)
	phaseMsg := readWSMessage(t, ctx, conn)
	if phaseMsg["type"] != "phase" || phaseMsg["from"] != "waiting" || phaseMsg["to"] != "running" {
		t.Fatalf("phase message = %v", phaseMsg)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	pong := readWSMessage(t, ctx, conn)
	if pong["type"] != "pong" {
		t.Fatalf("expected pong, got %q", pong["type"])
	}
}

func TestWebSocketRepliesErrorOnBadClientMessage(t *testing.T) {
	t.Parallel()

	env := newTestServer(t)

	wsURL := toWebsocketURL(env.ts.URL + "/ws")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	readWSMessage(t, ctx, conn) // hello

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"subscribe"}`)); err != nil {
		t.Fatalf("write unknown message: %v", err)
	}
	reply := readWSMessage(t, ctx, conn)
	if reply["type"] != "error" {
		t.Fatalf("expected error reply, got %q", reply["type"])
	}
	message, _ := reply["message"].(string)
	if !strings.Contains(message, "subscribe") {
		t.Fatalf("error message = %q, should name the rejected type", message)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{not json`)); err != nil {
		t.Fatalf("write malformed message: %v", err)
	}
	reply = readWSMessage(t, ctx, conn)
	if reply["type"] != "error" {
		t.Fatalf("expected error reply to malformed message, got %q", reply["type"])
	}

	// The connection survives both rejects.
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if pong := readWSMessage(t, ctx, conn); pong["type"] != "pong" {
		t.Fatalf("expected pong after error replies, got %q", pong["type"])
	}
}

func TestWebSocketCapacity(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.WS.MaxClients = 1
	env := newTestServerWithConfig(t, cfg)

	wsURL := toWebsocketURL(env.ts.URL + "/ws")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	readWSMessage(t, ctx, conn)

	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatal("second dial should be rejected at capacity")
	}
	if resp != nil && resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 rejection, got %d", resp.StatusCode)
	}
}

type testEnv struct {
	srv      *Server
	ts       *httptest.Server
	hub      *Hub
	detector *session.ManualDetector
	frames   *frametime.Cache
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	return newTestServerWithConfig(t, defaultTestConfig())
}

func newTestServerWithConfig(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub()
	detector := session.NewManualDetector()
	frames := frametime.NewCache(0)

	srv := New(cfg, logger, hub, detector, frames, Engine{})
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, ts: ts, hub: hub, detector: detector, frames: frames}
}

func assertReadyz(t *testing.T, url string, expectedStatus int, expected string, reason string) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		t.Fatalf("expected status %d for %s, got %d", expectedStatus, url, resp.StatusCode)
	}

	var payload readyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode readyz response: %v", err)
	}

	if payload.Status != expected {
		t.Fatalf("expected status %q, got %q", expected, payload.Status)
	}
	if reason == "" {
		if payload.Reason != "" {
			t.Fatalf("expected empty reason, got %q", payload.Reason)
		}
	} else if payload.Reason != reason {
		t.Fatalf("expected reason %q, got %q", reason, payload.Reason)
	}
}

func postJSON(t *testing.T, url, body string, expectedStatus int) {
	t.Helper()

	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	resp.Body.Close()
	if resp.StatusCode != expectedStatus {
		t.Fatalf("POST %s: expected status %d, got %d", url, expectedStatus, resp.StatusCode)
	}
}

func readWSMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]interface{} {
	t.Helper()

	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("websocket read: %v", err)
	}
	if msgType != websocket.MessageText {
		t.Fatalf("unexpected message type %v", msgType)
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

func defaultTestConfig() config.Config {
	return config.Config{
		ListenAddr:     ":0",
		TickInterval:   time.Second,
		AllowedOrigins: []string{"*"},
		EnableResults:  true,
		WS: config.WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
	}
}

func toWebsocketURL(httpURL string) string {
	u, err := url.Parse(httpURL)
	if err != nil {
		return httpURL
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}
