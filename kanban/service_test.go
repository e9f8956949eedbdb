package kanban

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/51f0x/personal-kanban/eventbus"
	"github.com/51f0x/personal-kanban/messaging"
)

type fakeStore struct {
	mu       sync.Mutex
	tasks    map[string]Task
	tokens   map[string]ActionToken
	log      []Activity
	previous map[string]string
	err      error
}

func newFakeStore(tasks ...Task) *fakeStore {
	s := &fakeStore{tasks: map[string]Task{}, tokens: map[string]ActionToken{}, previous: map[string]string{}}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *fakeStore) ListUsers(context.Context, string) ([]User, error) { return nil, s.err }

func (s *fakeStore) GetTask(_ context.Context, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t, nil
}

func (s *fakeStore) CreateTask(_ context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *fakeStore) MoveTasks(_ context.Context, moves []Move, at time.Time) ([]MovedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	next := make(map[string]Task, len(moves))
	out := make([]MovedTask, 0, len(moves))
	for _, m := range moves {
		t, ok := next[m.TaskID]
		if !ok {
			if t, ok = s.tasks[m.TaskID]; !ok {
				return nil, ErrTaskNotFound
			}
		}
		if t.ColumnID == m.ToColumnID {
			from := s.previous[t.ID]
			if from == "" {
				from = t.ColumnID
			}
			out = append(out, MovedTask{Task: t, From: from})
			continue
		}
		from := t.ColumnID
		t.ColumnID, t.UpdatedAt = m.ToColumnID, at
		next[t.ID] = t
		out = append(out, MovedTask{Task: t, From: from, Changed: true})
	}
	for i, r := range out {
		if r.Changed {
			s.previous[r.Task.ID] = r.From
			s.tasks[r.Task.ID] = next[moves[i].TaskID]
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertActionToken(_ context.Context, t ActionToken) (ActionToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tokens[t.Key]; ok {
		return existing, false, nil
	}
	s.tokens[t.Key] = t
	return t, true, nil
}

func (s *fakeStore) RecordActivity(_ context.Context, a Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, a)
	return nil
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) PublishAll(ctx context.Context, evs ...eventbus.Event) error {
	return m.Called(ctx, evs).Error(0)
}

func TestMoveTasks_PublishesOneBatch(t *testing.T) {
	store := newFakeStore(
		Task{ID: "t1", BoardID: "b1", ColumnID: "c1"},
		Task{ID: "t2", BoardID: "b1", ColumnID: "c2"},
		Task{ID: "t3", BoardID: "b1", ColumnID: "c1"},
	)
	pub := &mockPublisher{}
	pub.On("PublishAll", mock.Anything, mock.MatchedBy(func(evs []eventbus.Event) bool {
		return len(evs) == 3 &&
			evs[0].ID == MovedEventID("batch-1", 0) && evs[0].AggregateID == "t1" &&
			evs[1].ID == MovedEventID("batch-1", 1) && evs[1].AggregateID == "t2" &&
			evs[2].ID == MovedEventID("batch-1", 2) && evs[2].AggregateID == "t3"
	})).Return(nil).Once()

	svc := NewService(store, pub)
	moved, err := svc.MoveBatch(context.Background(), "batch-1", []Move{
		{TaskID: "t1", ToColumnID: "c2"},
		{TaskID: "t2", ToColumnID: "c2"},
		{TaskID: "t3", ToColumnID: "c3"},
	})
	require.NoError(t, err)
	assert.Equal(t, []TaskMoved{
		{TaskID: "t1", BoardID: "b1", From: "c1", To: "c2"},
		{TaskID: "t2", BoardID: "b1", From: "c2", To: "c2"},
		{TaskID: "t3", BoardID: "b1", From: "c1", To: "c3"},
	}, moved)
	pub.AssertExpectations(t)

	got, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "c2", got.ColumnID)
}

func TestMoveTasks_UnknownTaskChangesNothing(t *testing.T) {
	store := newFakeStore(Task{ID: "t1", BoardID: "b1", ColumnID: "c1"})
	pub := &mockPublisher{}
	svc := NewService(store, pub)

	_, err := svc.MoveTasks(context.Background(), []Move{
		{TaskID: "t1", ToColumnID: "c2"},
		{TaskID: "nope", ToColumnID: "c1"},
	})
	require.ErrorIs(t, err, ErrTaskNotFound)
	pub.AssertNotCalled(t, "PublishAll", mock.Anything, mock.Anything)

	got, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ColumnID)
}

func TestMoveBatch_RetryAfterPublishFailureRepublishes(t *testing.T) {
	store := newFakeStore(Task{ID: "t1", BoardID: "b1", ColumnID: "c1"})
	pub := &mockPublisher{}
	var published [][]eventbus.Event
	record := func(args mock.Arguments) { published = append(published, args.Get(1).([]eventbus.Event)) }
	pub.On("PublishAll", mock.Anything, mock.Anything).Run(record).Return(messaging.ErrTransportUnavailable).Once()
	pub.On("PublishAll", mock.Anything, mock.Anything).Run(record).Return(nil).Once()
	svc := NewService(store, pub)
	moves := []Move{{TaskID: "t1", ToColumnID: "c2"}}

	_, err := svc.MoveBatch(context.Background(), "req-1", moves)
	require.ErrorIs(t, err, messaging.ErrTransportUnavailable)

	moved, err := svc.MoveBatch(context.Background(), "req-1", moves)
	require.NoError(t, err)
	want := TaskMoved{TaskID: "t1", BoardID: "b1", From: "c1", To: "c2"}
	assert.Equal(t, []TaskMoved{want}, moved)

	require.Len(t, published, 2)
	require.Len(t, published[1], 1)
	assert.Equal(t, published[0][0].ID, published[1][0].ID)
	assert.Equal(t, want, published[1][0].Payload)
	pub.AssertExpectations(t)
}

func TestMoveTask_InPlace(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("PublishAll", mock.Anything, mock.Anything).Return(nil)
	svc := NewService(newFakeStore(Task{ID: "t1", BoardID: "b1", ColumnID: "c2"}), pub)

	tm, err := svc.MoveTask(context.Background(), "t1", "c2")
	require.NoError(t, err)
	assert.Equal(t, TaskMoved{TaskID: "t1", BoardID: "b1", From: "c2", To: "c2"}, tm)
	pub.AssertNumberOfCalls(t, "PublishAll", 1)
}

func TestMoveTasks_Errors(t *testing.T) {
	tests := []struct {
		name  string
		moves []Move
		want  error
	}{
		{name: "unknown task", moves: []Move{{TaskID: "nope", ToColumnID: "c1"}}, want: ErrTaskNotFound},
		{name: "missing column", moves: []Move{{TaskID: "t1"}}, want: ErrInvalidTask},
		{name: "empty batch", moves: nil, want: ErrInvalidTask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(newFakeStore(Task{ID: "t1", ColumnID: "c1"}), &mockPublisher{})
			_, err := svc.MoveTasks(context.Background(), tt.moves)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMoveTask_PublishFailureIsReturned(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("PublishAll", mock.Anything, mock.Anything).Return(messaging.ErrTransportUnavailable)
	svc := NewService(newFakeStore(Task{ID: "t1", BoardID: "b1", ColumnID: "c1"}), pub)

	_, err := svc.MoveTask(context.Background(), "t1", "c2")
	assert.ErrorIs(t, err, messaging.ErrTransportUnavailable)
}

func TestCaptureTask(t *testing.T) {
	store := newFakeStore()
	pub := &mockPublisher{}
	var published []eventbus.Event
	pub.On("PublishAll", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { published = args.Get(1).([]eventbus.Event) }).
		Return(nil)
	svc := NewService(store, pub)

	task, err := svc.CaptureTask(context.Background(), CaptureInput{BoardID: "b1", ColumnID: "inbox", Title: "  write docs "})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "write docs", task.Title)

	require.Len(t, published, 1)
	assert.Equal(t, EventTaskCaptured, published[0].Name)
	assert.Equal(t, TaskCaptured{TaskID: task.ID, BoardID: "b1", ColumnID: "inbox", Title: "write docs"}, published[0].Payload)

	_, err = svc.CaptureTask(context.Background(), CaptureInput{BoardID: "b1"})
	assert.ErrorIs(t, err, ErrInvalidTask)

	store.err = errors.New("disk full")
	_, err = svc.CaptureTask(context.Background(), CaptureInput{BoardID: "b1", Title: "x"})
	assert.ErrorContains(t, err, "disk full")
}

func TestRegister(t *testing.T) {
	k := messaging.NewKinds()
	require.NoError(t, RegisterRequests(k))
	require.NoError(t, RegisterEvents(k))
	assert.Error(t, RegisterEvents(k))

	v, err := k.Decode(nil, EventTaskMoved, []byte(`{"taskId":"t1","from":"c1","to":"c2"}`))
	require.NoError(t, err)
	assert.Equal(t, TaskMoved{TaskID: "t1", From: "c1", To: "c2"}, v)

	_, err = k.Decode(nil, KindMoveTasks, []byte(`{"moves":[{"taskId":"t1"}]}`))
	assert.ErrorIs(t, err, messaging.ErrInvalidPayload)

	assert.Equal(t, "b1", BoardOf(TaskAnalyzed{TaskID: "t1", BoardID: "b1"}))
	assert.Empty(t, BoardOf(ActionTokenCreated{}))
	assert.Equal(t, "board:b1", BoardRoom("b1"))
}
