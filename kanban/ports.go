package kanban

import (
	"context"
	"time"

	"github.com/51f0x/personal-kanban/eventbus"
)

// Store is the persistence collaborator. Its failures are returned as-is so the
// transport retries the surrounding delivery.
type Store interface {
	ListUsers(ctx context.Context, boardID string) ([]User, error)
	GetTask(ctx context.Context, id string) (Task, error)
	CreateTask(ctx context.Context, t Task) error
	// MoveTasks applies moves in order within one transaction. When any task is
	// unknown nothing is changed and the error matches ErrTaskNotFound.
	MoveTasks(ctx context.Context, moves []Move, at time.Time) ([]MovedTask, error)
	// UpsertActionToken stores t unless its key exists; it returns the stored token
	// and whether it was created by this call.
	UpsertActionToken(ctx context.Context, t ActionToken) (ActionToken, bool, error)
	RecordActivity(ctx context.Context, a Activity) error
}

// MovedTask is the outcome of one move. Task is the task after the move. From is
// the column it left; when the task already was in the target column, From is the
// column it left on its last move, or the target when it never moved.
type MovedTask struct {
	Task    Task
	From    string
	Changed bool
}

// Broadcaster pushes a payload to every live client in a room. Delivery is fire-and-forget.
type Broadcaster interface {
	Broadcast(roomID string, payload any)
}

// Publisher appends domain events in one batch. *eventbus.Bus implements it.
type Publisher interface {
	PublishAll(ctx context.Context, evs ...eventbus.Event) error
}

// BoardRoom is the broadcast room of a board.
func BoardRoom(boardID string) string { return "board:" + boardID }
