package kanban

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/51f0x/personal-kanban/eventbus"
)

// Service runs the board use cases: it changes state through the Store and then
// publishes the resulting events in a single batch.
type Service struct {
	store     Store
	publisher Publisher
	clock     xclock.Clock
	logger    *xlog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

func WithClock(c xclock.Clock) ServiceOption {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l *xlog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewService(store Store, publisher Publisher, opts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		publisher: publisher,
		clock:     xclock.Default(),
		logger:    xlog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.With(xlog.Str("component", "kanban.service"))
	return s
}

// CaptureInput is a new task as entered by a user.
type CaptureInput struct {
	BoardID     string `json:"boardId"`
	ColumnID    string `json:"columnId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// CaptureTask stores a new task and publishes TaskCaptured.
func (s *Service) CaptureTask(ctx context.Context, in CaptureInput) (Task, error) {
	title := strings.TrimSpace(in.Title)
	if in.BoardID == "" || title == "" {
		return Task{}, fmt.Errorf("%w: board and title are required", ErrInvalidTask)
	}
	now := s.clock.Now().UTC()
	t := Task{
		ID:          uuid.NewString(),
		BoardID:     in.BoardID,
		ColumnID:    in.ColumnID,
		Title:       title,
		Description: in.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	ev := eventbus.Event{
		Name:        EventTaskCaptured,
		AggregateID: t.ID,
		OccurredOn:  now,
		Payload:     TaskCaptured{TaskID: t.ID, BoardID: t.BoardID, ColumnID: t.ColumnID, Title: t.Title},
	}
	if err := s.publisher.PublishAll(ctx, ev); err != nil {
		return t, fmt.Errorf("publish %s: %w", EventTaskCaptured, err)
	}
	return t, nil
}

// MoveTask moves one task.
func (s *Service) MoveTask(ctx context.Context, taskID, toColumnID string) (TaskMoved, error) {
	moved, err := s.MoveTasks(ctx, []Move{{TaskID: taskID, ToColumnID: toColumnID}})
	if err != nil {
		return TaskMoved{}, err
	}
	return moved[0], nil
}

// MoveTasks is MoveBatch under a fresh batch id.
func (s *Service) MoveTasks(ctx context.Context, moves []Move) ([]TaskMoved, error) {
	return s.MoveBatch(ctx, uuid.NewString(), moves)
}

// MoveBatch validates every move, applies the batch in one store transaction and
// publishes one TaskMoved per move in a single PublishAll. Event ids derive from
// batchID, so running a batch again after a failed publish appends the same
// events. A move that finds the task in place is announced again with the
// column the task last left.
func (s *Service) MoveBatch(ctx context.Context, batchID string, moves []Move) ([]TaskMoved, error) {
	if batchID == "" {
		batchID = uuid.NewString()
	}
	if len(moves) == 0 {
		return nil, fmt.Errorf("%w: no moves", ErrInvalidTask)
	}
	for _, m := range moves {
		if m.TaskID == "" || m.ToColumnID == "" {
			return nil, fmt.Errorf("%w: move needs task and column", ErrInvalidTask)
		}
	}

	now := s.clock.Now().UTC()
	results, err := s.store.MoveTasks(ctx, moves, now)
	if err != nil {
		return nil, fmt.Errorf("move %d task(s): %w", len(moves), err)
	}

	moved := make([]TaskMoved, 0, len(results))
	evs := make([]eventbus.Event, 0, len(results))
	changed := 0
	for i, r := range results {
		tm := TaskMoved{TaskID: r.Task.ID, BoardID: r.Task.BoardID, From: r.From, To: r.Task.ColumnID}
		moved = append(moved, tm)
		evs = append(evs, eventbus.Event{
			ID:          MovedEventID(batchID, i),
			Name:        EventTaskMoved,
			AggregateID: r.Task.ID,
			OccurredOn:  now,
			Payload:     tm,
		})
		if r.Changed {
			changed++
		}
	}
	if err := s.publisher.PublishAll(ctx, evs...); err != nil {
		return moved, fmt.Errorf("publish %d move(s): %w", len(evs), err)
	}
	s.logger.Debug().
		Str("batch", batchID).
		Str("moves", strconv.Itoa(len(evs))).
		Str("changed", strconv.Itoa(changed)).
		Msg("tasks moved")
	return moved, nil
}

// MovedEventID is the id of the TaskMoved event for move i of a batch.
func MovedEventID(batchID string, i int) string {
	return "moved-" + batchID + "-" + strconv.Itoa(i)
}
