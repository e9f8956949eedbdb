// Package eventbus publishes domain events such as TaskCaptured or TaskMoved.
//
// Publishing appends the events to a durable log stream and then runs the
// handlers registered in this process. Other processes follow the same stream
// with Listen, each under its own consumer group:
//
//	bus := eventbus.New(client, eventbus.WithKinds(kinds))
//	_, _ = bus.Subscribe(kanban.EventTaskMoved, func(ctx context.Context, ev eventbus.Event) error {
//		return hub.Broadcast(ctx, ev)
//	})
//	err := bus.Publish(ctx, bus.NewEvent(kanban.EventTaskMoved, taskID, kanban.TaskMoved{TaskID: taskID, From: "c1", To: "c2"}))
//
// A local handler that fails never fails the publish; the failure is logged and
// counted in Failures.
package eventbus
