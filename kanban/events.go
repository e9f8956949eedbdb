package kanban

import (
	"errors"

	"github.com/51f0x/personal-kanban/messaging"
)

// Domain event names.
const (
	EventTaskCaptured       = "TaskCaptured"
	EventTaskMoved          = "TaskMoved"
	EventTaskAnalyzed       = "TaskAnalyzed"
	EventActionTokenCreated = "ActionTokenCreated"
)

type TaskCaptured struct {
	TaskID   string `json:"taskId" validate:"required"`
	BoardID  string `json:"boardId" validate:"required"`
	ColumnID string `json:"columnId"`
	Title    string `json:"title" validate:"required"`
}

type TaskMoved struct {
	TaskID  string `json:"taskId" validate:"required"`
	BoardID string `json:"boardId,omitempty"`
	From    string `json:"from"`
	To      string `json:"to" validate:"required"`
}

type TaskAnalyzed struct {
	TaskID     string `json:"taskId" validate:"required"`
	BoardID    string `json:"boardId,omitempty"`
	AssigneeID string `json:"assigneeId,omitempty"`
	TokenID    string `json:"tokenId,omitempty"`
}

type ActionTokenCreated struct {
	TokenID string `json:"tokenId" validate:"required"`
	TaskID  string `json:"taskId" validate:"required"`
	UserID  string `json:"userId" validate:"required"`
	Action  string `json:"action"`
}

// RegisterEvents registers every event payload under its name.
func RegisterEvents(k *messaging.Kinds) error {
	return errors.Join(
		messaging.RegisterKind[TaskCaptured](k, EventTaskCaptured),
		messaging.RegisterKind[TaskMoved](k, EventTaskMoved),
		messaging.RegisterKind[TaskAnalyzed](k, EventTaskAnalyzed),
		messaging.RegisterKind[ActionTokenCreated](k, EventActionTokenCreated),
	)
}

// BoardOf returns the board an event payload belongs to, or "".
func BoardOf(payload any) string {
	switch p := payload.(type) {
	case TaskCaptured:
		return p.BoardID
	case TaskMoved:
		return p.BoardID
	case TaskAnalyzed:
		return p.BoardID
	}
	return ""
}
