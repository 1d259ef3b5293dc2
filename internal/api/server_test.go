package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polravi/mapmyactivities/internal/ai"
	"github.com/polravi/mapmyactivities/internal/db"
	"github.com/polravi/mapmyactivities/internal/delta"
	"github.com/polravi/mapmyactivities/internal/observability"
	"github.com/polravi/mapmyactivities/internal/ratelimit"
	"github.com/polravi/mapmyactivities/internal/schema"
	"github.com/polravi/mapmyactivities/internal/seed"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeSuggester struct {
	got *ai.SuggestRequest
	err error
}

func (f *fakeSuggester) SuggestQuadrant(_ context.Context, req *ai.SuggestRequest) (*ai.Suggestion, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &ai.Suggestion{Quadrant: 2, Confidence: 0.8, Reasoning: "important, not urgent"}, nil
}

type testServer struct {
	*Server
	store     *db.DB
	suggester *fakeSuggester
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema())

	clock := func() time.Time { return now }
	reg := prometheus.NewRegistry()
	metrics := observability.NewSyncMetrics(reg)
	welcome, err := seed.Load(nil)
	require.NoError(t, err)

	suggester := &fakeSuggester{}
	srv := New(Deps{
		Sync:      delta.New(store, delta.WithClock(clock), delta.WithMetrics(metrics)),
		Identity:  StaticIdentity{"alice-token": "alice", "bob-token": "bob"},
		DB:        store,
		Seeder:    store,
		Seed:      welcome,
		Limiter:   ratelimit.New(store, ratelimit.WithClock(clock)),
		Suggester: suggester,
		Gatherer:  reg,
		Now:       clock,
	})
	return &testServer{Server: srv, store: store, suggester: suggester}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/sync/pull", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/sync/pull", "nope", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/sync/pull?access_token=alice-token", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPushThenPull(t *testing.T) {
	ts := newTestServer(t)

	push := map[string]any{
		"changes": map[string]any{
			"tasks": map[string]any{
				"created": []map[string]any{{
					"id": "t1", "title": "Write report", "eisenhowerQuadrant": 1,
					"status": "todo", "priority": "high", "sortOrder": 1000,
				}},
			},
		},
	}
	w := ts.do(t, http.MethodPost, "/v1/sync/push", "alice-token", push)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	// An empty body is a first sync.
	w = ts.do(t, http.MethodPost, "/v1/sync/pull", "alice-token", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[delta.PullResponse](t, w)
	assert.Equal(t, schema.Millis(now), res.Timestamp)
	require.Len(t, res.Changes.Tasks.Created, 1)
	assert.Equal(t, "t1", res.Changes.Tasks.Created[0].ID())

	w = ts.do(t, http.MethodPost, "/v1/sync/pull", "bob-token", map[string]any{"lastPulledAt": nil})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[delta.PullResponse](t, w).Changes.Empty())
}

func TestPull_BadCursor(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/sync/pull", "alice-token", map[string]any{"lastPulledAt": -5})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "lastPulledAt", decode[ErrorResponse](t, w).Field)

	w = ts.do(t, http.MethodPost, "/v1/sync/pull", "alice-token", map[string]any{"schemaVersion": 9})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPush_ValidationError(t *testing.T) {
	ts := newTestServer(t)

	push := map[string]any{
		"changes": map[string]any{
			"tasks": map[string]any{
				"created": []map[string]any{{"id": "t1", "title": "x", "eisenhowerQuadrant": 7}},
			},
		},
	}
	w := ts.do(t, http.MethodPost, "/v1/sync/push", "alice-token", push)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[ErrorResponse](t, w).Field, "eisenhowerQuadrant")

	n, err := ts.store.Count(context.Background(), schema.CollectionTasks)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRestore(t *testing.T) {
	ts := newTestServer(t)

	push := map[string]any{
		"changes": map[string]any{
			"tasks": map[string]any{
				"created": []map[string]any{{
					"id": "t1", "title": "Old idea", "eisenhowerQuadrant": 4, "status": "discarded",
				}},
			},
		},
	}
	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, "/v1/sync/push", "alice-token", push).Code)

	w := ts.do(t, http.MethodPost, "/v1/tasks/t1/restore", "bob-token", map[string]any{"status": "todo"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/tasks/t1/restore", "alice-token", map[string]any{"status": "done"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/tasks/t1/restore", "alice-token", map[string]any{"status": "todo"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, schema.StatusTodo, decode[schema.Task](t, w).Status)

	w = ts.do(t, http.MethodPost, "/v1/tasks/t1/restore", "alice-token", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSuggestQuadrant(t *testing.T) {
	ts := newTestServer(t)

	body := map[string]any{"title": "Plan next quarter", "tags": []string{"planning"}}
	w := ts.do(t, http.MethodPost, "/v1/ai/suggest-quadrant", "alice-token", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[SuggestResponse](t, w)
	assert.Equal(t, 2, got.Quadrant)
	assert.True(t, got.HighConfidence)
	assert.Equal(t, "Plan next quarter", ts.suggester.got.Title)

	w = ts.do(t, http.MethodPost, "/v1/ai/suggest-quadrant", "alice-token", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ts.suggester.err = errors.New("upstream down")
	w = ts.do(t, http.MethodPost, "/v1/ai/suggest-quadrant", "alice-token", body)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.True(t, decode[ErrorResponse](t, w).Retryable)
}

func TestSuggestQuadrant_QuotaExceeded(t *testing.T) {
	ts := newTestServer(t)
	limit := ratelimit.LimitFor(ratelimit.ActionAISuggest, ratelimit.TierFree)

	body := map[string]any{"title": "Call the bank"}
	for i := 0; i < limit; i++ {
		w := ts.do(t, http.MethodPost, "/v1/ai/suggest-quadrant", "alice-token", body)
		require.Equal(t, http.StatusOK, w.Code, "call %d", i+1)
	}

	w := ts.do(t, http.MethodPost, "/v1/ai/suggest-quadrant", "alice-token", body)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, decode[ErrorResponse](t, w).Error)

	// Quota is per user.
	w = ts.do(t, http.MethodPost, "/v1/ai/suggest-quadrant", "bob-token", body)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSuggestQuadrant_NotConfigured(t *testing.T) {
	ts := newTestServer(t)
	ts.deps.Suggester = nil

	w := ts.do(t, http.MethodPost, "/v1/ai/suggest-quadrant", "alice-token", map[string]any{"title": "x"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestInitAccount_Idempotent(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/account/init", "alice-token", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode[map[string]int](t, w)
	assert.Positive(t, first["created"])

	w = ts.do(t, http.MethodPost, "/v1/account/init", "alice-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, decode[map[string]int](t, w)["created"])

	n, err := ts.store.Count(context.Background(), schema.CollectionTasks)
	require.NoError(t, err)
	assert.Equal(t, first["created"], n)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, w)["status"])

	ts.do(t, http.MethodPost, "/v1/sync/pull", "alice-token", nil)
	w = ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mma_sync")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &delta.ValidationError{Field: "x", Reason: "y"}, http.StatusBadRequest},
		{"quota", &ratelimit.QuotaExceededError{Action: ratelimit.ActionAISuggest, Tier: ratelimit.TierFree, Limit: 10}, http.StatusTooManyRequests},
		{"not found", delta.ErrNotFound, http.StatusNotFound},
		{"conflict", &delta.PushError{Op: "commit", Err: delta.ErrConflict}, http.StatusConflict},
		{"push", &delta.PushError{Op: "commit", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := statusFor(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}
