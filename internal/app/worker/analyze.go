package worker

import (
	"context"
	"errors"
	"hash/fnv"

	"github.com/51f0x/personal-kanban/eventbus"
	"github.com/51f0x/personal-kanban/kanban"
	"github.com/51f0x/personal-kanban/rpc"
)

// ActionAnalyze is the action carried by tokens the worker issues.
const ActionAnalyze = "analyze"

func (w *App) onEvent(ctx context.Context, ev eventbus.Event) error {
	captured, ok := ev.Payload.(kanban.TaskCaptured)
	if !ok {
		return nil
	}
	_, err := w.Analyze(ctx, captured)
	var herr *rpc.HandlerError
	if errors.As(err, &herr) {
		// The API answered; asking again gives the same answer.
		w.logger.Warn().
			Err(err).
			Str("task_id", captured.TaskID).
			Str("code", herr.Code).
			Msg("analysis rejected")
		return nil
	}
	return err
}

// Analyze picks an assignee among the board's users, obtains an action token
// for the task and publishes TaskAnalyzed. Redelivery of the same capture
// reuses the token, because the token request key is derived from the task id.
func (w *App) Analyze(ctx context.Context, captured kanban.TaskCaptured) (kanban.TaskAnalyzed, error) {
	users, err := rpc.Invoke[kanban.GetUsersResponse](ctx, w.caller, kanban.KindGetUsers,
		kanban.GetUsersRequest{BoardID: captured.BoardID})
	if err != nil {
		return kanban.TaskAnalyzed{}, err
	}

	out := kanban.TaskAnalyzed{TaskID: captured.TaskID, BoardID: captured.BoardID}
	assignee, ok := pickAssignee(captured.TaskID, users.Users)
	if ok {
		out.AssigneeID = assignee.ID
	}

	tok, err := rpc.Invoke[kanban.CreateActionTokenResponse](ctx, w.caller, kanban.KindCreateActionToken,
		kanban.CreateActionTokenRequest{
			Key:    "analyze-" + captured.TaskID,
			TaskID: captured.TaskID,
			UserID: out.AssigneeID,
			Action: ActionAnalyze,
		})
	if err != nil {
		return kanban.TaskAnalyzed{}, err
	}
	out.TokenID = tok.TokenID

	ev := w.bus.NewEvent(kanban.EventTaskAnalyzed, captured.TaskID, out)
	ev.ID = "analyzed-" + captured.TaskID
	if err := w.bus.Publish(ctx, ev); err != nil {
		return kanban.TaskAnalyzed{}, err
	}
	w.logger.Info().
		Str("task_id", out.TaskID).
		Str("assignee_id", out.AssigneeID).
		Str("token_id", out.TokenID).
		Msg("task analyzed")
	return out, nil
}

// pickAssignee spreads tasks over users by a hash of the task id, so the same
// task always lands on the same user while the board's members are unchanged.
func pickAssignee(taskID string, users []kanban.User) (kanban.User, bool) {
	if len(users) == 0 {
		return kanban.User{}, false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return users[h.Sum32()%uint32(len(users))], true
}
