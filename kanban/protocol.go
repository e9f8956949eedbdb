package kanban

import (
	"errors"
	"time"

	"github.com/51f0x/personal-kanban/messaging"
)

// Request kinds served by the API process over the RPC bridge.
const (
	KindGetUsers          = "GetUsers"
	KindGetTask           = "GetTask"
	KindMoveTasks         = "MoveTasks"
	KindCreateActionToken = "CreateActionToken"
)

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type Task struct {
	ID          string    `json:"id"`
	BoardID     string    `json:"boardId"`
	ColumnID    string    `json:"columnId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	AssigneeID  string    `json:"assigneeId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// GetUsersRequest lists the users of a board; an empty BoardID lists everyone.
type GetUsersRequest struct {
	BoardID string `json:"boardId,omitempty"`
}

type GetUsersResponse struct {
	Users []User `json:"users"`
}

type GetTaskRequest struct {
	TaskID string `json:"taskId" validate:"required"`
}

type GetTaskResponse struct {
	Task Task `json:"task"`
}

// Move places a task into a column.
type Move struct {
	TaskID     string `json:"taskId" validate:"required"`
	ToColumnID string `json:"toColumnId" validate:"required"`
}

type MoveTasksRequest struct {
	Moves []Move `json:"moves" validate:"required,min=1,dive"`
}

type MoveTasksResponse struct {
	Moved []TaskMoved `json:"moved"`
}

// CreateActionTokenRequest asks for a signed action token. Key makes the request
// idempotent: the same key always yields the same token.
type CreateActionTokenRequest struct {
	Key    string `json:"key" validate:"required,max=200"`
	TaskID string `json:"taskId" validate:"required"`
	UserID string `json:"userId" validate:"required"`
	Action string `json:"action" validate:"required"`
}

type CreateActionTokenResponse struct {
	TokenID   string    `json:"tokenId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	// Created is false when the key was already known.
	Created bool `json:"created"`
}

// ActionToken is the stored form of a token, keyed by its idempotency key.
type ActionToken struct {
	ID        string
	Key       string
	TaskID    string
	UserID    string
	Action    string
	Token     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Activity is one line of the board activity log.
type Activity struct {
	EventID     string
	Name        string
	AggregateID string
	Offset      string
	Payload     []byte
	OccurredOn  time.Time
}

var (
	ErrTaskNotFound = errors.New("kanban: task not found")
	ErrInvalidTask  = errors.New("kanban: invalid task")
)

// RegisterRequests registers every request payload under its kind.
func RegisterRequests(k *messaging.Kinds) error {
	return errors.Join(
		messaging.RegisterKind[GetUsersRequest](k, KindGetUsers),
		messaging.RegisterKind[GetTaskRequest](k, KindGetTask),
		messaging.RegisterKind[MoveTasksRequest](k, KindMoveTasks),
		messaging.RegisterKind[CreateActionTokenRequest](k, KindCreateActionToken),
	)
}
