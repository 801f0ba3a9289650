package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sdewitt/kiln/internal/dispatch"
	"github.com/sdewitt/kiln/internal/model"
	"github.com/sdewitt/kiln/internal/ratelimit"
	"github.com/sdewitt/kiln/internal/registry"
	"github.com/sdewitt/kiln/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	reg := registry.New()
	reg.Register("echo", func() registry.Handler {
		return registry.HandlerFunc(func(_ context.Context, msg *model.Message) (json.RawMessage, error) {
			return msg.Payload, nil
		})
	}, registry.ModeWorker)
	reg.Register("fail", func() registry.Handler {
		return registry.HandlerFunc(func(_ context.Context, _ *model.Message) (json.RawMessage, error) {
			return nil, errors.New("kaput")
		})
	}, registry.ModeWorker)

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := dispatch.New(dispatch.Config{
		Workers:       2,
		RetryBase:     10 * time.Millisecond,
		RetryMaxWait:  50 * time.Millisecond,
		SchedulerTick: 20 * time.Millisecond,
	}, reg, ratelimit.NewTokenBucket(nil), logger, dispatch.WithSnapshots(st))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Shutdown(ctx, time.Second)
	})

	return NewServer(ServerConfig{Addr: ":0", DefaultRetryMax: 1, DefaultTimeoutS: 30}, d, st, reg, logger)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
	return v
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeBody[healthResponse](t, rec)
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Types != 2 {
		t.Errorf("types = %d, want 2 registered handlers", resp.Types)
	}
	if resp.QueueDepth != 0 {
		t.Errorf("queue_depth = %d, want 0 on an idle engine", resp.QueueDepth)
	}
}

func TestListTypes(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/v1/types", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeBody[map[string][]typeInfo](t, rec)
	types := resp["types"]
	if len(types) != 2 {
		t.Fatalf("got %d types, want 2", len(types))
	}
	// Registry listing is sorted by type name.
	if types[0].Type != "echo" || types[1].Type != "fail" {
		t.Errorf("types = %v, want echo then fail", types)
	}
}

func TestSubmitTaskAccepted(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/tasks", submitTaskRequest{
		Type:    "echo",
		Payload: json.RawMessage(`{"n":1}`),
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	resp := decodeBody[submitTaskResponse](t, rec)
	if resp.ID == "" {
		t.Error("response missing task ID")
	}
	if resp.Status != model.StatusSubmitted {
		t.Errorf("status = %q, want %q", resp.Status, model.StatusSubmitted)
	}
}

func TestSubmitTaskWait(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/tasks", submitTaskRequest{
		Type:    "echo",
		Payload: json.RawMessage(`"ping"`),
		Wait:    true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	res := decodeBody[model.Result](t, rec)
	if !res.Success {
		t.Fatalf("result failed: %v", res.Error)
	}
	if string(res.Data) != `"ping"` {
		t.Errorf("data = %s, want payload echoed", res.Data)
	}
}

func TestSubmitTaskValidation(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name string
		req  submitTaskRequest
		want int
	}{
		{"missing type", submitTaskRequest{}, http.StatusBadRequest},
		{"unregistered type", submitTaskRequest{Type: "ghost"}, http.StatusBadRequest},
		{"negative timeout", submitTaskRequest{Type: "echo", TimeoutS: intPtr(-5)}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, "/v1/tasks", tt.req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func intPtr(v int) *int { return &v }

func TestGetResultsBlocking(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/tasks", submitTaskRequest{Type: "echo"})
	id := decodeBody[submitTaskResponse](t, rec).ID

	rec = doJSON(t, srv, http.MethodGet, "/v1/tasks/results?ids="+id+"&block=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeBody[getResultsResponse](t, rec)
	if _, ok := resp.Results[id]; !ok {
		t.Fatalf("results missing %s: %v", id, resp.Results)
	}
}

func TestGetResultsRequiresIDs(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/v1/tasks/results", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestJoinEndpoint(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 3; i++ {
		doJSON(t, srv, http.MethodPost, "/v1/tasks", submitTaskRequest{Type: "echo"})
	}

	rec := doJSON(t, srv, http.MethodPost, "/v1/tasks/join", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestCreateAndDeleteSchedule(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/schedules", createScheduleRequest{
		Type:    "echo",
		DelayMS: 60_000,
		EveryMS: 60_000,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	resp := decodeBody[scheduleResponse](t, rec)
	if resp.Kind != "interval" {
		t.Errorf("kind = %q, want interval", resp.Kind)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/v1/schedules/"+resp.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/v1/schedules/"+resp.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

func TestCreateCronSchedule(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/schedules", createScheduleRequest{
		Type: "echo",
		Cron: "0 0 * * * *",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	resp := decodeBody[scheduleResponse](t, rec)
	if resp.Kind != "cron" {
		t.Errorf("kind = %q, want cron", resp.Kind)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/v1/schedules/"+resp.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", rec.Code)
	}
}

func TestCreateScheduleInvalidCron(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/schedules", createScheduleRequest{
		Type: "echo",
		Cron: "definitely not cron",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSnapshotEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/tasks", submitTaskRequest{
		Type:    "echo",
		Payload: json.RawMessage(`1`),
		Wait:    true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d", rec.Code)
	}
	res := decodeBody[model.Result](t, rec)

	rec = doJSON(t, srv, http.MethodGet, "/v1/snapshots", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	list := decodeBody[listSnapshotsResponse](t, rec)
	if list.Total != 1 {
		t.Fatalf("total = %d, want 1", list.Total)
	}

	rec = doJSON(t, srv, http.MethodGet, "/v1/snapshots/"+res.Message.Origin(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/v1/snapshots/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get missing status = %d, want 404", rec.Code)
	}
}

func TestReplayEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/tasks", submitTaskRequest{
		Type:     "fail",
		RetryMax: intPtr(0),
		Wait:     true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/v1/snapshots/replay", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	resp := decodeBody[replayResponse](t, rec)
	if resp.Count != 1 {
		t.Errorf("replayed %d tasks, want 1", resp.Count)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	doJSON(t, srv, http.MethodPost, "/v1/tasks", submitTaskRequest{Type: "echo", Wait: true})
	doJSON(t, srv, http.MethodPost, "/v1/tasks", submitTaskRequest{Type: "fail", RetryMax: intPtr(0), Wait: true})

	rec := doJSON(t, srv, http.MethodGet, "/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeBody[statsResponse](t, rec)
	if resp.Total != 2 {
		t.Errorf("total = %d, want 2", resp.Total)
	}
	if resp.Succeeded != 1 || resp.Failed != 1 {
		t.Errorf("succeeded/failed = %d/%d, want 1/1", resp.Succeeded, resp.Failed)
	}
}
