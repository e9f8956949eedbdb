package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/51f0x/personal-kanban/eventbus"
	"github.com/51f0x/personal-kanban/internal/broadcast"
	"github.com/51f0x/personal-kanban/internal/store"
	"github.com/51f0x/personal-kanban/kanban"
	"github.com/51f0x/personal-kanban/messaging"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
	err    error
}

func (p *recordingPublisher) PublishAll(_ context.Context, evs ...eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evs...)
	return nil
}

func (p *recordingPublisher) snapshot() []eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]eventbus.Event(nil), p.events...)
}

func (p *recordingPublisher) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

type staticHealth string

func (s staticHealth) Health(context.Context) messaging.HealthStatus {
	return messaging.HealthStatus{Status: string(s)}
}

type fixture struct {
	store *store.Store
	pub   *recordingPublisher
	hub   *broadcast.Hub
	srv   *httptest.Server
}

func newFixture(t *testing.T, health string) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{store: st, pub: &recordingPublisher{}, hub: broadcast.NewHub(nil, 8)}
	f.srv = httptest.NewServer(NewRouter(Deps{
		Service: kanban.NewService(st, f.pub),
		Store:   st,
		Hub:     f.hub,
		Health:  staticHealth(health),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var sb strings.Builder
	_, _ = bufio.NewReader(resp.Body).WriteTo(&sb)
	return resp, sb.String()
}

func TestCaptureAndMove(t *testing.T) {
	f := newFixture(t, "healthy")

	resp, body := f.do(t, http.MethodPost, "/api/boards/b1/tasks", `{"columnId":"inbox","title":"ship it"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Contains(t, body, `"title":"ship it"`)

	published := f.pub.snapshot()
	require.Len(t, published, 1)
	taskID := published[0].AggregateID

	resp, body = f.do(t, http.MethodPost, "/api/tasks/"+taskID+"/move", `{"toColumnId":"doing"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.JSONEq(t, `{"taskId":"`+taskID+`","boardId":"b1","from":"inbox","to":"doing"}`, body)

	resp, body = f.do(t, http.MethodGet, "/api/tasks/"+taskID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"columnId":"doing"`)

	resp, body = f.do(t, http.MethodPost, "/api/tasks/move", `{"moves":[{"taskId":"`+taskID+`","toColumnId":"done"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Contains(t, body, `"to":"done"`)
	assert.Len(t, f.pub.snapshot(), 3)
}

func TestErrors(t *testing.T) {
	f := newFixture(t, "healthy")

	tests := []struct {
		name, method, path, body string
		want                     int
	}{
		{name: "unknown task", method: http.MethodGet, path: "/api/tasks/nope", want: http.StatusNotFound},
		{name: "bad json", method: http.MethodPost, path: "/api/boards/b1/tasks", body: `{`, want: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, path: "/api/boards/b1/tasks", body: `{"bogus":1}`, want: http.StatusBadRequest},
		{name: "missing title", method: http.MethodPost, path: "/api/boards/b1/tasks", body: `{}`, want: http.StatusBadRequest},
		{name: "bad limit", method: http.MethodGet, path: "/api/tasks/t1/activity?limit=x", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode, body)
			assert.Contains(t, body, `"error"`)
		})
	}

	f.pub.fail(messaging.ErrTransportUnavailable)
	resp, _ := f.do(t, http.MethodPost, "/api/boards/b1/tasks", `{"title":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestUsersActivityHealth(t *testing.T) {
	f := newFixture(t, "healthy")
	ctx := context.Background()
	require.NoError(t, f.store.AddUser(ctx, kanban.User{ID: "u1", Name: "Ada"}, "b1"))
	require.NoError(t, f.store.RecordActivity(ctx, kanban.Activity{
		EventID: "e1", Name: kanban.EventTaskMoved, AggregateID: "t1", Offset: "1-0",
		Payload: []byte(`{"taskId":"t1"}`), OccurredOn: time.Now(),
	}))

	resp, body := f.do(t, http.MethodGet, "/api/boards/b1/users", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"users":[{"id":"u1","name":"Ada"}]}`, body)

	resp, body = f.do(t, http.MethodGet, "/api/tasks/t1/activity", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"eventId":"e1"`)
	assert.Contains(t, body, `"payload":{"taskId":"t1"}`)

	resp, body = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"messaging":"healthy"`)

	resp, body = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "# metrics", body)

	down := newFixture(t, "unhealthy")
	resp, _ = down.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStream(t *testing.T) {
	f := newFixture(t, "healthy")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/boards/b1/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	require.Eventually(t, func() bool { return f.hub.Count(kanban.BoardRoom("b1")) == 1 }, time.Second, 5*time.Millisecond)
	f.hub.Broadcast(kanban.BoardRoom("b1"), map[string]string{"event": "TaskMoved"})

	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	assert.JSONEq(t, `{"event":"TaskMoved"}`, strings.TrimPrefix(strings.TrimSpace(line), "data: "))
}
