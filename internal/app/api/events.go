package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/51f0x/personal-kanban/eventbus"
	"github.com/51f0x/personal-kanban/kanban"
)

// BoardMessage is what live clients of a board room receive.
type BoardMessage struct {
	Event       string    `json:"event"`
	EventID     string    `json:"eventId"`
	AggregateID string    `json:"aggregateId"`
	Offset      string    `json:"offset,omitempty"`
	OccurredOn  time.Time `json:"occurredOn"`
	Payload     any       `json:"payload"`
}

var localEvents = []string{
	kanban.EventTaskCaptured,
	kanban.EventTaskMoved,
	kanban.EventTaskAnalyzed,
	kanban.EventActionTokenCreated,
}

// subscribeLocal registers the in-process handlers: live broadcast and the
// write-behind activity log.
func (a *App) subscribeLocal() error {
	for _, name := range localEvents {
		if _, err := a.bus.Subscribe(name, a.broadcast); err != nil {
			return err
		}
		if _, err := a.bus.Subscribe(name, a.recordActivity); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) broadcast(_ context.Context, ev eventbus.Event) error {
	board := kanban.BoardOf(ev.Payload)
	if board == "" {
		return nil
	}
	a.rooms.Broadcast(kanban.BoardRoom(board), BoardMessage{
		Event:       ev.Name,
		EventID:     ev.ID,
		AggregateID: ev.AggregateID,
		Offset:      ev.Offset,
		OccurredOn:  ev.OccurredOn,
		Payload:     ev.Payload,
	})
	return nil
}

func (a *App) recordActivity(ctx context.Context, ev eventbus.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", ev.Name, err)
	}
	return a.store.RecordActivity(ctx, kanban.Activity{
		EventID:     ev.ID,
		Name:        ev.Name,
		AggregateID: ev.AggregateID,
		Offset:      ev.Offset,
		Payload:     payload,
		OccurredOn:  ev.OccurredOn,
	})
}

// onLogEvent follows the log as the api group. Events this process published
// were already broadcast locally; the activity insert is repeated because a
// local handler failure is not retried, and the insert ignores known ids.
func (a *App) onLogEvent(ctx context.Context, ev eventbus.Event) error {
	if err := a.recordActivity(ctx, ev); err != nil {
		return err
	}
	if ev.Origin == a.origin {
		return nil
	}
	if analyzed, ok := ev.Payload.(kanban.TaskAnalyzed); ok && analyzed.AssigneeID != "" {
		if err := a.store.AssignTask(ctx, analyzed.TaskID, analyzed.AssigneeID, ev.OccurredOn); err != nil {
			return err
		}
	}
	return a.broadcast(ctx, ev)
}
