package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leofalp/agentcanvas/core/engine"
	"github.com/leofalp/agentcanvas/core/presence"
	"github.com/leofalp/agentcanvas/core/schedule"
	"github.com/leofalp/agentcanvas/core/stream"
	"github.com/leofalp/agentcanvas/providers/observability/promobs"
	"github.com/leofalp/agentcanvas/providers/store/memstore"
)

const echoGraph = `{
	"nodes": [
		{"id": "in", "type": "input", "data": {}},
		{"id": "out", "type": "output", "data": {}}
	],
	"edges": [{"id": "e1", "source": "in", "target": "out"}]
}`

const cyclicGraph = `{
	"nodes": [
		{"id": "a", "type": "transform", "data": {"transform_type": "json_stringify"}},
		{"id": "b", "type": "transform", "data": {"transform_type": "json_stringify"}}
	],
	"edges": [
		{"id": "e1", "source": "a", "target": "b"},
		{"id": "e2", "source": "b", "target": "a"}
	]
}`

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	server    *Server
	engine    *engine.Engine
	presence  *presence.Service
	scheduler *schedule.Scheduler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	runner := engine.New(engine.WithStore(memstore.New()))
	service := presence.NewService(presence.NewMemoryStore())
	scheduler := schedule.New(runner)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = scheduler.Stop(ctx)
		_ = runner.Close(ctx)
	})

	opts = append([]Option{WithPresence(service), WithScheduler(scheduler), WithKeepalive(50 * time.Millisecond)}, opts...)
	return &fixture{
		server:    New(runner, opts...),
		engine:    runner,
		presence:  service,
		scheduler: scheduler,
	}
}

func (f *fixture) do(t *testing.T, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	for index := 0; index+1 < len(headers); index += 2 {
		request.Header.Set(headers[index], headers[index+1])
	}
	recorder := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(recorder, request)
	return recorder
}

func decode[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("decode %q: %v", recorder.Body.String(), err)
	}
	return value
}

// startRun posts echoGraph with input and waits for the execution to end.
func (f *fixture) startRun(t *testing.T, input string) string {
	t.Helper()
	recorder := f.do(t, http.MethodPost, "/v1/executions", `{"graph": `+echoGraph+`, "input": `+input+`}`)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("POST /v1/executions = %d: %s", recorder.Code, recorder.Body.String())
	}
	created := decode[runResponse](t, recorder)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := f.engine.Wait(ctx, created.ExecutionID); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	return created.ExecutionID
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	recorder := f.do(t, http.MethodGet, "/healthz", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d", recorder.Code)
	}
	if body := decode[map[string]any](t, recorder); body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestCreateExecution_RunsAndSnapshots(t *testing.T) {
	f := newFixture(t)
	id := f.startRun(t, `"hello"`)

	recorder := f.do(t, http.MethodGet, "/v1/executions/"+id, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("GET execution = %d: %s", recorder.Code, recorder.Body.String())
	}
	snapshot := decode[snapshotResponse](t, recorder)
	if snapshot.Execution.Status != engine.ExecutionCompleted {
		t.Errorf("status = %s, want completed", snapshot.Execution.Status)
	}
	if snapshot.Execution.Output != "hello" {
		t.Errorf("output = %v, want hello", snapshot.Execution.Output)
	}
	if snapshot.Execution.Trigger != "api" {
		t.Errorf("trigger = %q, want api", snapshot.Execution.Trigger)
	}
	if snapshot.LastSeq == 0 {
		t.Error("last_seq should point at the final event")
	}
}

func TestCreateExecution_RejectsBadRequests(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"missing graph", `{"input": 1}`, http.StatusBadRequest},
		{"malformed json", `{"graph": `, http.StatusBadRequest},
		{"negative timeout", `{"graph": ` + echoGraph + `, "timeout_seconds": -1}`, http.StatusBadRequest},
		{"cycle", `{"graph": ` + cyclicGraph + `}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := f.do(t, http.MethodPost, "/v1/executions", tt.body)
			if recorder.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d: %s", recorder.Code, tt.wantCode, recorder.Body.String())
			}
			if body := decode[errorBody](t, recorder); body.Error == "" {
				t.Error("error message is empty")
			}
		})
	}

	recorder := f.do(t, http.MethodPost, "/v1/executions", `{"graph": `+cyclicGraph+`}`)
	body := decode[errorBody](t, recorder)
	if body.Validation == nil || len(body.Validation.NodeIDs) == 0 {
		t.Errorf("validation details missing: %s", recorder.Body.String())
	}
}

func TestValidateWorkflow(t *testing.T) {
	f := newFixture(t)

	recorder := f.do(t, http.MethodPost, "/v1/workflows/validate", echoGraph)
	if recorder.Code != http.StatusOK {
		t.Fatalf("valid graph = %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decode[map[string]any](t, recorder)
	if order, _ := body["order"].([]any); len(order) != 2 || order[0] != "in" {
		t.Errorf("order = %v, want [in out]", body["order"])
	}

	recorder = f.do(t, http.MethodPost, "/v1/workflows/validate", cyclicGraph)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Errorf("cyclic graph = %d, want 422", recorder.Code)
	}
}

func TestGetExecution_NotFound(t *testing.T) {
	f := newFixture(t)
	for _, target := range []string{"/v1/executions/missing", "/v1/executions/missing/events"} {
		if recorder := f.do(t, http.MethodGet, target, ""); recorder.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", target, recorder.Code)
		}
	}
	if recorder := f.do(t, http.MethodPost, "/v1/executions/missing/cancel", ""); recorder.Code != http.StatusNotFound {
		t.Errorf("cancel missing = %d, want 404", recorder.Code)
	}
}

func TestListExecutions(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, `1`)
	f.startRun(t, `2`)

	recorder := f.do(t, http.MethodGet, "/v1/executions?status=completed&limit=1", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("list = %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decode[struct {
		Executions []engine.Execution `json:"executions"`
	}](t, recorder)
	if len(body.Executions) != 1 {
		t.Errorf("len = %d, want 1", len(body.Executions))
	}

	recorder = f.do(t, http.MethodGet, "/v1/executions?status=failed", "")
	body = decode[struct {
		Executions []engine.Execution `json:"executions"`
	}](t, recorder)
	if len(body.Executions) != 0 {
		t.Errorf("failed executions = %d, want 0", len(body.Executions))
	}

	if recorder := f.do(t, http.MethodGet, "/v1/executions?status=bogus", ""); recorder.Code != http.StatusBadRequest {
		t.Errorf("bogus status = %d, want 400", recorder.Code)
	}
}

func TestCancelExecution_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	id := f.startRun(t, `"x"`)

	for range 2 {
		recorder := f.do(t, http.MethodPost, "/v1/executions/"+id+"/cancel", "")
		if recorder.Code != http.StatusAccepted {
			t.Fatalf("cancel = %d: %s", recorder.Code, recorder.Body.String())
		}
		if body := decode[map[string]any](t, recorder); body["status"] != string(engine.ExecutionCompleted) {
			t.Errorf("status = %v, want completed", body["status"])
		}
	}
}

func readEvents(t *testing.T, body *bytes.Buffer) []stream.Event {
	t.Helper()
	events := make([]stream.Event, 0)
	for event, err := range stream.ReadSSE(body) {
		if err != nil {
			t.Fatalf("ReadSSE: %v", err)
		}
		events = append(events, event)
	}
	return events
}

func TestStreamEvents_SSEReplayAndResume(t *testing.T) {
	f := newFixture(t)
	id := f.startRun(t, `"hi"`)

	recorder := f.do(t, http.MethodGet, "/v1/executions/"+id+"/events", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("events = %d: %s", recorder.Code, recorder.Body.String())
	}
	if contentType := recorder.Header().Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Errorf("Content-Type = %q", contentType)
	}
	all := readEvents(t, recorder.Body)
	if len(all) < 2 {
		t.Fatalf("got %d events, want at least 2", len(all))
	}
	for index, event := range all {
		if event.Seq != uint64(index+1) {
			t.Errorf("event %d has seq %d", index, event.Seq)
		}
	}
	if last := all[len(all)-1]; !last.Terminal() || last.Status != string(engine.ExecutionCompleted) {
		t.Errorf("last event = %+v, want final completed", last)
	}

	resumeAt := all[len(all)-2].Seq
	recorder = f.do(t, http.MethodGet, "/v1/executions/"+id+"/events", "", "Last-Event-ID", "1")
	if got := readEvents(t, recorder.Body); len(got) != len(all)-1 || got[0].Seq != 2 {
		t.Errorf("Last-Event-ID resume returned %d events", len(got))
	}
	recorder = f.do(t, http.MethodGet, "/v1/executions/"+id+"/events?after="+jsonNumber(resumeAt), "", "Last-Event-ID", "1")
	if got := readEvents(t, recorder.Body); len(got) != 1 || !got[0].Terminal() {
		t.Errorf("after=%d returned %+v, want only the final event", resumeAt, got)
	}

	if recorder := f.do(t, http.MethodGet, "/v1/executions/"+id+"/events?after=x", ""); recorder.Code != http.StatusBadRequest {
		t.Errorf("bad cursor = %d, want 400", recorder.Code)
	}
}

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func TestStreamEvents_WebSocket(t *testing.T) {
	f := newFixture(t)
	id := f.startRun(t, `"ws"`)

	httpServer := httptest.NewServer(f.server.Handler())
	defer httpServer.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(httpServer, "/v1/executions/"+id+"/ws?after=0"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var last stream.Event
	for {
		var event stream.Event
		if err := conn.ReadJSON(&event); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		if event.Seq <= last.Seq {
			t.Fatalf("seq %d after %d", event.Seq, last.Seq)
		}
		last = event
	}
	if !last.Terminal() {
		t.Errorf("last event %+v is not final", last)
	}
}

type presenceFrame struct {
	Type     string              `json:"type"`
	Presence presence.Presence   `json:"presence"`
	Self     presence.Presence   `json:"self"`
	Peers    []presence.Presence `json:"peers"`
	Error    string              `json:"error"`
}

func readFrame(t *testing.T, conn *websocket.Conn) presenceFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame presenceFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestPresenceWebSocket(t *testing.T) {
	f := newFixture(t)
	httpServer := httptest.NewServer(f.server.Handler())
	defer httpServer.Close()

	alice, _, err := websocket.DefaultDialer.Dial(wsURL(httpServer, "/v1/sessions/s1/ws?client_id=alice&name=Alice"), nil)
	if err != nil {
		t.Fatalf("dial alice: %v", err)
	}
	defer alice.Close()
	welcome := readFrame(t, alice)
	if welcome.Type != frameWelcome || welcome.Self.ClientID != "alice" || len(welcome.Peers) != 0 {
		t.Fatalf("alice welcome = %+v", welcome)
	}
	if welcome.Self.Color != presence.ColorFor("alice") {
		t.Errorf("color = %q, want palette color", welcome.Self.Color)
	}

	bob, _, err := websocket.DefaultDialer.Dial(wsURL(httpServer, "/v1/sessions/s1/ws?client_id=bob&color=%23123456"), nil)
	if err != nil {
		t.Fatalf("dial bob: %v", err)
	}
	welcome = readFrame(t, bob)
	if len(welcome.Peers) != 1 || welcome.Peers[0].ClientID != "alice" {
		t.Fatalf("bob peers = %+v", welcome.Peers)
	}
	if joined := readFrame(t, alice); joined.Type != string(presence.MessageJoin) || joined.Presence.Color != "#123456" {
		t.Errorf("alice saw %+v, want bob's join", joined)
	}

	if err := bob.WriteJSON(map[string]any{"type": "update", "patch": map[string]any{"cursor": map[string]any{"x": 10, "y": 20}}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	update := readFrame(t, alice)
	if update.Type != string(presence.MessageUpdate) || update.Presence.Cursor == nil || update.Presence.Cursor.X != 10 {
		t.Errorf("alice saw %+v, want bob's cursor", update)
	}

	if err := bob.WriteJSON(map[string]any{"type": "dance"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if reply := readFrame(t, bob); reply.Type != frameError {
		t.Errorf("bob got %+v, want an error frame", reply)
	}

	recorder := f.do(t, http.MethodGet, "/v1/sessions/s1/presence", "")
	listed := decode[struct {
		Clients []presence.Presence `json:"clients"`
	}](t, recorder)
	if len(listed.Clients) != 2 {
		t.Errorf("listed %d clients, want 2", len(listed.Clients))
	}

	_ = bob.Close()
	if left := readFrame(t, alice); left.Type != string(presence.MessageLeave) || left.Presence.ClientID != "bob" {
		t.Errorf("alice saw %+v, want bob's leave", left)
	}
}

func TestSchedules(t *testing.T) {
	f := newFixture(t)
	body := `{"id": "hourly", "cron": "0 * * * *", "timezone": "UTC", "graph": ` + echoGraph + `, "input": "tick"}`

	recorder := f.do(t, http.MethodPost, "/v1/schedules", body)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", recorder.Code, recorder.Body.String())
	}
	created := decode[schedule.Schedule](t, recorder)
	if created.NextRun == nil {
		t.Error("next_run missing")
	}

	if recorder := f.do(t, http.MethodPost, "/v1/schedules", body); recorder.Code != http.StatusConflict {
		t.Errorf("duplicate = %d, want 409", recorder.Code)
	}
	bad := `{"id": "bad", "cron": "61 * * * *", "graph": ` + echoGraph + `}`
	if recorder := f.do(t, http.MethodPost, "/v1/schedules", bad); recorder.Code != http.StatusBadRequest {
		t.Errorf("bad cron = %d, want 400", recorder.Code)
	}

	recorder = f.do(t, http.MethodPost, "/v1/schedules/hourly/fire", "")
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("fire = %d: %s", recorder.Code, recorder.Body.String())
	}
	fired := decode[runResponse](t, recorder)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	execution, err := f.engine.Wait(ctx, fired.ExecutionID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if execution.Trigger != schedule.TriggerPrefix+"hourly" || execution.Output != "tick" {
		t.Errorf("execution trigger = %q output = %v", execution.Trigger, execution.Output)
	}

	recorder = f.do(t, http.MethodGet, "/v1/schedules/hourly", "")
	if got := decode[schedule.Schedule](t, recorder); got.LastExecutionID != fired.ExecutionID {
		t.Errorf("last_execution_id = %q, want %q", got.LastExecutionID, fired.ExecutionID)
	}
	listed := decode[struct {
		Schedules []schedule.Schedule `json:"schedules"`
	}](t, f.do(t, http.MethodGet, "/v1/schedules", ""))
	if len(listed.Schedules) != 1 {
		t.Errorf("listed %d schedules, want 1", len(listed.Schedules))
	}

	if recorder := f.do(t, http.MethodDelete, "/v1/schedules/hourly", ""); recorder.Code != http.StatusNoContent {
		t.Errorf("delete = %d, want 204", recorder.Code)
	}
	if recorder := f.do(t, http.MethodGet, "/v1/schedules/hourly", ""); recorder.Code != http.StatusNotFound {
		t.Errorf("get deleted = %d, want 404", recorder.Code)
	}
}

func TestMetricsAndCORS(t *testing.T) {
	registry := prometheus.NewRegistry()
	observer := promobs.New(nil, promobs.WithRegisterer(registry))
	f := newFixture(t,
		WithObserver(observer),
		WithMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
		WithCORSOrigins([]string{"https://canvas.example.com"}),
	)

	recorder := f.do(t, http.MethodGet, "/healthz", "", "Origin", "https://canvas.example.com")
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "https://canvas.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	recorder = f.do(t, http.MethodGet, "/healthz", "", "Origin", "https://evil.example.com")
	if recorder.Code != http.StatusForbidden {
		t.Errorf("foreign origin = %d, want 403", recorder.Code)
	}

	recorder = f.do(t, http.MethodGet, "/metrics", "")
	if !strings.Contains(recorder.Body.String(), `agentcanvas_http_requests_total{http_method="GET",http_route="/healthz",http_status_code="200"} 1`) {
		t.Errorf("metrics missing request counter:\n%s", recorder.Body.String())
	}
}
