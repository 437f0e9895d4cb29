package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rideline/internal/config"
	"rideline/internal/db"
	"rideline/internal/domain"
	"rideline/internal/engine"
	"rideline/internal/migrate"
	"rideline/internal/remote"
)

const testSecret = "test-secret"

type stubTransport struct {
	mu   sync.Mutex
	down bool
	sent []remote.RemoteRequest
}

func (s *stubTransport) Send(_ context.Context, rr remote.RemoteRequest) (remote.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, rr)
	if s.down {
		return remote.Response{StatusCode: 503}, &remote.TransportError{StatusCode: 503, Transient: true}
	}
	if rr.Method == http.MethodPost && strings.HasSuffix(rr.URL, "/api/v1/events.json") {
		return remote.Response{StatusCode: 201, Body: []byte(`{"event":{"id":900,"url":"https://rides.example/events/900"}}`)}, nil
	}
	return remote.Response{StatusCode: 200, Body: []byte(`{}`)}, nil
}

func (s *stubTransport) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

type testServer struct {
	*httptest.Server
	Engine    *engine.Engine
	Transport *stubTransport
	token     string
	now       *time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default("rideline")
	cfg.Club.Timezone = "UTC"
	cfg.Remote.BaseURL = "https://rides.example"
	e := engine.New(conn, cfg)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return now }
	st := &stubTransport{}
	e.Transport = st
	e.Auth, err = remote.NewAuthContext(remote.AuthBasic, remote.Credentials{APIKey: "k", AuthToken: "t"})
	require.NoError(t, err)

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	token, err := SignToken(testSecret, "alice", time.Hour)
	require.NoError(t, err)
	return &testServer{Server: srv, Engine: e, Transport: st, token: token, now: &now}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, method, s.URL+path, body, map[string]string{"Authorization": "Bearer " + s.token})
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func (s *testServer) addRow(t *testing.T, date string) domain.Row {
	t.Helper()
	res, data := s.do(t, http.MethodPost, "/v0/rows", map[string]any{
		"start_date": date,
		"start_time": "08:00",
		"group":      "Sat A",
		"route_url":  "https://rides.example/routes/55",
		"route_name": "Hills",
		"leaders":    []string{"Bo"},
		"location":   "Park",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var row domain.Row
	require.NoError(t, json.Unmarshal(data, &row))
	return row
}

func TestAuthRequiredExceptHealth(t *testing.T) {
	srv := newTestServer(t)

	res, _ := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/rows", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, "unauthorized", envelope.Error.Code)

	bad, err := SignToken("other-secret", "mallory", time.Hour)
	require.NoError(t, err)
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/rows", nil, map[string]string{"Authorization": "Bearer " + bad})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestRowsEndpoints(t *testing.T) {
	srv := newTestServer(t)
	first := srv.addRow(t, "2026-04-11")
	srv.addRow(t, "2026-04-18")
	assert.Equal(t, 1, first.Position)
	assert.Equal(t, domain.StateUnscheduled, first.State)

	res, data := srv.do(t, http.MethodGet, "/v0/rows/2", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var second domain.Row
	require.NoError(t, json.Unmarshal(data, &second))
	assert.Equal(t, "2026-04-18", second.StartDate)

	res, _ = srv.do(t, http.MethodGet, "/v0/rows/"+first.ID, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, _ = srv.do(t, http.MethodGet, "/v0/rows/99", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = srv.do(t, http.MethodGet, "/v0/rows?from=2026-04-12", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var rows []domain.Row
	require.NoError(t, json.Unmarshal(data, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Position)

	res, _ = srv.do(t, http.MethodPost, "/v0/rows", map[string]any{"start_date": "2026-04-18", "start_time": "8am"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestRideCommandAndRetryFlow(t *testing.T) {
	srv := newTestServer(t)
	good := srv.addRow(t, "2026-04-11")
	res, data := srv.do(t, http.MethodPost, "/v0/rows", map[string]any{"start_date": "2026-04-18"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPost, "/v0/rides/schedule", map[string]any{"rows": []string{"1", "2"}})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var run RunCommandResponse
	require.NoError(t, json.Unmarshal(data, &run))
	require.Len(t, run.Applied, 1)
	assert.Equal(t, good.ID, run.Applied[0].ID)
	assert.Equal(t, "https://rides.example/events/900", run.Applied[0].Ride.URL)
	require.Len(t, run.Blocked, 1)
	assert.Equal(t, 2, run.Blocked[0].Position)

	srv.Transport.setDown(true)
	res, data = srv.do(t, http.MethodPost, "/v0/rides/cancel", map[string]any{"rows": []string{good.ID}})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &run))
	require.Len(t, run.Failed, 1)
	assert.NotEmpty(t, run.Failed[0].QueuedRetry)

	res, data = srv.do(t, http.MethodGet, "/v0/retry/items", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var items []QueueItemResponse
	require.NoError(t, json.Unmarshal(data, &items))
	require.Len(t, items, 1)
	assert.Equal(t, "ride.cancel", items[0].OperationType)
	assert.Equal(t, run.Failed[0].QueuedRetry, items[0].ID)

	srv.Transport.setDown(false)
	*srv.now = srv.now.Add(6 * time.Minute)
	res, data = srv.do(t, http.MethodPost, "/v0/retry/process", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var processed ProcessRetriesResponse
	require.NoError(t, json.Unmarshal(data, &processed))
	assert.Len(t, processed.Succeeded, 1)

	res, data = srv.do(t, http.MethodGet, "/v0/retry/stats", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.EqualValues(t, 0, stats["total"])

	row, err := srv.Engine.Repo.GetRow(context.Background(), good.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, row.State)
}

func TestUnknownRowRefIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	res, _ := srv.do(t, http.MethodPost, "/v0/rides/schedule", map[string]any{"rows": []string{"7"}})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestEventsPagination(t *testing.T) {
	srv := newTestServer(t)
	for _, d := range []string{"2026-04-11", "2026-04-18", "2026-04-25"} {
		srv.addRow(t, d)
	}
	res, data := srv.do(t, http.MethodGet, "/v0/events?limit=2&type=row.added", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	assert.Equal(t, "alice", page.Items[0].ActorID)

	res, data = srv.do(t, http.MethodGet, "/v0/events?limit=2&type=row.added&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	assert.Empty(t, page.NextCursor)
	assert.EqualValues(t, 1, page.Items[0].Payload["position"])
}

func TestWebhookDispatcherDeliversFilteredEvents(t *testing.T) {
	srv := newTestServer(t)
	var (
		mu       sync.Mutex
		received []webhookEvent
		secrets  []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		secrets = append(secrets, r.Header.Get("X-Rideline-Secret"))
		mu.Unlock()
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{URL: hook.URL, Events: []string{"row.scheduled"}, Secret: "s3"}})
	ctx := context.Background()
	d.DispatchAll(ctx)

	row := srv.addRow(t, "2026-04-11")
	res, data := srv.do(t, http.MethodPost, "/v0/rides/schedule", map[string]any{"rows": []string{row.ID}})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "row.scheduled", received[0].Type)
	assert.Equal(t, row.ID, received[0].EntityID)
	assert.Equal(t, "s3", secrets[0])
}

func TestEventFilterPrefix(t *testing.T) {
	f := newEventFilter([]string{"retry.*", " row.cancelled "})
	assert.True(t, f.match("retry.expired"))
	assert.True(t, f.match("row.cancelled"))
	assert.False(t, f.match("row.scheduled"))
	assert.True(t, newEventFilter(nil).match("anything"))
}
