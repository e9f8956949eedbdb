package api

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/51f0x/personal-kanban/eventbus"
	"github.com/51f0x/personal-kanban/internal/app"
	"github.com/51f0x/personal-kanban/internal/config"
	"github.com/51f0x/personal-kanban/internal/store"
	"github.com/51f0x/personal-kanban/kanban"
	"github.com/51f0x/personal-kanban/messaging"
	"github.com/51f0x/personal-kanban/messaging/adapter/memory"
	"github.com/51f0x/personal-kanban/rpc"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("KANBAN_BROKER_TRANSPORT", "memory")
	t.Setenv("KANBAN_TOKENS_SECRET", testSecret)
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Retry.Initial = time.Millisecond
	cfg.Retry.Max = 10 * time.Millisecond
	cfg.RPC.Timeout = 2 * time.Second
	return cfg
}

func newClient(t *testing.T, tr messaging.Transport) *messaging.Client {
	t.Helper()
	c, err := messaging.NewClientBuilder().
		WithTransportInstance(tr).
		WithDefaultBackoff(messaging.Backoff{Initial: time.Millisecond, Max: 10 * time.Millisecond, Multiplier: 2}).
		Build()
	require.NoError(t, err)
	return c
}

type fixture struct {
	app    *App
	store  *store.Store
	caller *rpc.Caller
}

// startAPI runs an API app and a caller in separate clients over one memory transport.
func startAPI(t *testing.T) fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := testConfig(t)
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "kanban.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tr := memory.NewTransport(memory.Defaults())
	a, err := New(ctx, cfg, Options{Client: newClient(t, tr), Store: st})
	require.NoError(t, err)
	stop, err := a.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = stop() })

	caller := rpc.NewCaller(newClient(t, tr),
		rpc.WithRequestQueue(cfg.RPC.RequestsQueue),
		rpc.WithReplyQueue("responses.test"),
		rpc.WithDefaultTimeout(cfg.RPC.Timeout),
	)
	require.NoError(t, caller.Start(ctx))
	t.Cleanup(func() { _ = caller.Close() })

	return fixture{app: a, store: st, caller: caller}
}

func seedBoard(t *testing.T, f fixture) kanban.Task {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.AddUser(ctx, kanban.User{ID: "u1", Name: "Ada"}, "b1"))
	require.NoError(t, f.store.AddUser(ctx, kanban.User{ID: "u2", Name: "Grace"}, "b1"))
	require.NoError(t, f.store.AddUser(ctx, kanban.User{ID: "u3", Name: "Linus"}, "b2"))
	task, err := f.app.Service().CaptureTask(ctx, kanban.CaptureInput{BoardID: "b1", ColumnID: "todo", Title: "write tests"})
	require.NoError(t, err)
	return task
}

func TestGetUsers(t *testing.T) {
	f := startAPI(t)
	seedBoard(t, f)

	resp, err := rpc.Invoke[kanban.GetUsersResponse](context.Background(), f.caller, kanban.KindGetUsers,
		kanban.GetUsersRequest{BoardID: "b1"})
	require.NoError(t, err)
	require.Len(t, resp.Users, 2)
	assert.Equal(t, "u1", resp.Users[0].ID)
	assert.Equal(t, "u2", resp.Users[1].ID)
}

func TestGetTask(t *testing.T) {
	f := startAPI(t)
	task := seedBoard(t, f)
	ctx := context.Background()

	resp, err := rpc.Invoke[kanban.GetTaskResponse](ctx, f.caller, kanban.KindGetTask, kanban.GetTaskRequest{TaskID: task.ID})
	require.NoError(t, err)
	assert.Equal(t, "write tests", resp.Task.Title)

	_, err = rpc.Invoke[kanban.GetTaskResponse](ctx, f.caller, kanban.KindGetTask, kanban.GetTaskRequest{TaskID: "missing"})
	var herr *rpc.HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, CodeNotFound, herr.Code)
}

func TestCreateActionToken_IsIdempotentPerKey(t *testing.T) {
	f := startAPI(t)
	task := seedBoard(t, f)
	ctx := context.Background()
	req := kanban.CreateActionTokenRequest{Key: "analyze-" + task.ID, TaskID: task.ID, UserID: "u1", Action: "analyze"}

	first, err := rpc.Invoke[kanban.CreateActionTokenResponse](ctx, f.caller, kanban.KindCreateActionToken, req)
	require.NoError(t, err)
	second, err := rpc.Invoke[kanban.CreateActionTokenResponse](ctx, f.caller, kanban.KindCreateActionToken, req)
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Equal(t, first.TokenID, second.TokenID)
	assert.Equal(t, first.Token, second.Token)
	assert.NotEmpty(t, first.Token)

	n, err := f.store.CountActionTokens(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		acts, err := f.store.Activity(ctx, task.ID, 0)
		if err != nil {
			return false
		}
		created := 0
		for _, a := range acts {
			if a.Name == kanban.EventActionTokenCreated {
				created++
			}
		}
		return created == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateActionToken_UnknownTask(t *testing.T) {
	f := startAPI(t)

	_, err := rpc.Invoke[kanban.CreateActionTokenResponse](context.Background(), f.caller, kanban.KindCreateActionToken,
		kanban.CreateActionTokenRequest{Key: "k", TaskID: "missing"})
	var herr *rpc.HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, CodeNotFound, herr.Code)
}

func TestMoveTasks_BroadcastsToBoardRoom(t *testing.T) {
	f := startAPI(t)
	task := seedBoard(t, f)
	ctx := context.Background()

	room := f.app.Hub().Join(kanban.BoardRoom("b1"))
	defer room.Leave()

	resp, err := rpc.Invoke[kanban.MoveTasksResponse](ctx, f.caller, kanban.KindMoveTasks, kanban.MoveTasksRequest{
		Moves: []kanban.Move{{TaskID: task.ID, ToColumnID: "doing"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Moved, 1)
	assert.Equal(t, "todo", resp.Moved[0].From)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "doing", got.ColumnID)

	select {
	case raw := <-room.Messages():
		var msg struct {
			Event       string `json:"event"`
			AggregateID string `json:"aggregateId"`
		}
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, kanban.EventTaskMoved, msg.Event)
		assert.Equal(t, task.ID, msg.AggregateID)
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast for the move")
	}
}

func TestMoveBatch_ReplayRecordsOneActivity(t *testing.T) {
	f := startAPI(t)
	task := seedBoard(t, f)
	ctx := context.Background()
	moves := []kanban.Move{{TaskID: task.ID, ToColumnID: "doing"}}

	first, err := f.app.Service().MoveBatch(ctx, "req-1", moves)
	require.NoError(t, err)
	second, err := f.app.Service().MoveBatch(ctx, "req-1", moves)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "todo", second[0].From)

	moved := func() []kanban.Activity {
		acts, err := f.store.Activity(ctx, task.ID, 0)
		require.NoError(t, err)
		var out []kanban.Activity
		for _, a := range acts {
			if a.Name == kanban.EventTaskMoved {
				out = append(out, a)
			}
		}
		return out
	}
	require.Eventually(t, func() bool { return len(moved()) > 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	acts := moved()
	require.Len(t, acts, 1)
	assert.Equal(t, kanban.MovedEventID("req-1", 0), acts[0].EventID)
}

func TestLogEvents_FromOtherProcessesAreApplied(t *testing.T) {
	f := startAPI(t)
	task := seedBoard(t, f)
	ctx := context.Background()

	room := f.app.Hub().Join(kanban.BoardRoom("b1"))
	defer room.Leave()

	// A second bus with its own origin stands in for the worker.
	other := newForeignBus(t, f)
	ev := other.NewEvent(kanban.EventTaskAnalyzed, task.ID, kanban.TaskAnalyzed{TaskID: task.ID, BoardID: "b1", AssigneeID: "u2"})
	require.NoError(t, other.Publish(ctx, ev))

	require.Eventually(t, func() bool {
		got, err := f.store.GetTask(ctx, task.ID)
		return err == nil && got.AssigneeID == "u2"
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case raw := <-room.Messages():
		assert.Contains(t, string(raw), kanban.EventTaskAnalyzed)
	case <-time.After(2 * time.Second):
		t.Fatal("foreign event was not broadcast")
	}
}

func newForeignBus(t *testing.T, f fixture) *eventbus.Bus {
	t.Helper()
	_, events, err := app.Kinds()
	require.NoError(t, err)
	return eventbus.New(newClient(t, f.app.Client().Transport()),
		eventbus.WithStream(f.app.Bus().Stream()),
		eventbus.WithKinds(events),
		eventbus.WithOrigin("worker-test"),
	)
}
