package api

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/51f0x/personal-kanban/eventbus"
	"github.com/51f0x/personal-kanban/kanban"
	"github.com/51f0x/personal-kanban/messaging"
	"github.com/51f0x/personal-kanban/rpc"
)

// Error codes of kanban handler replies.
const (
	CodeNotFound = "not_found"
	CodeInvalid  = "invalid"
)

func (a *App) registerHandlers() error {
	return errors.Join(
		rpc.Register(a.responder, kanban.KindGetUsers, a.getUsers),
		rpc.Register(a.responder, kanban.KindGetTask, a.getTask),
		rpc.Register(a.responder, kanban.KindMoveTasks, a.moveTasks),
		rpc.Register(a.responder, kanban.KindCreateActionToken, a.createActionToken),
	)
}

// replyError turns domain failures into error replies; everything else is
// returned unchanged so the transport redelivers the request.
func replyError(err error) error {
	switch {
	case errors.Is(err, kanban.ErrTaskNotFound):
		return rpc.FailCode(CodeNotFound, "%v", err)
	case errors.Is(err, kanban.ErrInvalidTask):
		return rpc.FailCode(CodeInvalid, "%v", err)
	}
	return err
}

func (a *App) getUsers(ctx context.Context, req kanban.GetUsersRequest) (kanban.GetUsersResponse, error) {
	users, err := a.store.ListUsers(ctx, req.BoardID)
	if err != nil {
		return kanban.GetUsersResponse{}, err
	}
	return kanban.GetUsersResponse{Users: users}, nil
}

func (a *App) getTask(ctx context.Context, req kanban.GetTaskRequest) (kanban.GetTaskResponse, error) {
	t, err := a.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return kanban.GetTaskResponse{}, replyError(err)
	}
	return kanban.GetTaskResponse{Task: t}, nil
}

// moveTasks keys the batch by the request envelope id, so a redelivered request
// republishes the same TaskMoved event ids.
func (a *App) moveTasks(ctx context.Context, req kanban.MoveTasksRequest) (kanban.MoveTasksResponse, error) {
	moved, err := a.service.MoveBatch(ctx, messaging.MessageIDFromContext(ctx), req.Moves)
	if err != nil {
		return kanban.MoveTasksResponse{}, replyError(err)
	}
	return kanban.MoveTasksResponse{Moved: moved}, nil
}

// createActionToken upserts by request key, so a redelivered request returns
// the token stored by the first delivery. ActionTokenCreated is published on
// every delivery under an id derived from the token, which the activity log
// deduplicates.
func (a *App) createActionToken(ctx context.Context, req kanban.CreateActionTokenRequest) (kanban.CreateActionTokenResponse, error) {
	if _, err := a.store.GetTask(ctx, req.TaskID); err != nil {
		return kanban.CreateActionTokenResponse{}, replyError(err)
	}

	tokenID := uuid.NewString()
	signed, expires, err := a.signer.Issue(tokenID, req.TaskID, req.UserID, req.Action)
	if err != nil {
		return kanban.CreateActionTokenResponse{}, err
	}
	stored, created, err := a.store.UpsertActionToken(ctx, kanban.ActionToken{
		ID:        tokenID,
		Key:       req.Key,
		TaskID:    req.TaskID,
		UserID:    req.UserID,
		Action:    req.Action,
		Token:     signed,
		ExpiresAt: expires,
		CreatedAt: a.client.Clock().Now(),
	})
	if err != nil {
		return kanban.CreateActionTokenResponse{}, err
	}

	ev := eventbus.Event{
		ID:          "action-token-" + stored.ID,
		Name:        kanban.EventActionTokenCreated,
		AggregateID: stored.TaskID,
		Payload: kanban.ActionTokenCreated{
			TokenID: stored.ID,
			TaskID:  stored.TaskID,
			UserID:  stored.UserID,
			Action:  stored.Action,
		},
	}
	if err := a.bus.Publish(ctx, ev); err != nil {
		return kanban.CreateActionTokenResponse{}, err
	}

	return kanban.CreateActionTokenResponse{
		TokenID:   stored.ID,
		Token:     stored.Token,
		ExpiresAt: stored.ExpiresAt,
		Created:   created,
	}, nil
}
