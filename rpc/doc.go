// Package rpc turns the queue primitive into awaitable request/response calls.
//
// A Caller enqueues a request on the "requests" queue with a fresh correlation
// id as job id and the reply queue in the reply_to header, then waits on a
// pending entry until the matching response arrives or the deadline fires.
// A Responder consumes "requests", dispatches on the envelope kind and
// enqueues "response-"+correlationId on the reply queue.
//
//	caller := rpc.NewCaller(client, rpc.WithDefaultTimeout(10*time.Second))
//	if err := caller.Start(ctx); err != nil {
//	    return err
//	}
//	users, err := rpc.Invoke[kanban.GetUsersResponse](ctx, caller, kanban.KindGetUsers, kanban.GetUsersRequest{})
//	switch {
//	case errors.Is(err, rpc.ErrTimeout):
//	case errors.Is(err, rpc.ErrHandlerFailed):
//	case errors.Is(err, rpc.ErrTransportUnavailable):
//	}
package rpc
