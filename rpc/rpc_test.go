package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/51f0x/personal-kanban/messaging"
	"github.com/51f0x/personal-kanban/messaging/adapter/memory"
)

type getUsersReq struct {
	BoardID string `json:"boardId" validate:"required"`
}

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type getUsersResp struct {
	Users []user `json:"users"`
}

const kindGetUsers = "GetUsers"

func fastRetry() messaging.Backoff {
	return messaging.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
}

// newClient builds a client sharing tr, standing in for one process.
func newClient(t *testing.T, tr messaging.Transport) *messaging.Client {
	t.Helper()
	c, err := messaging.NewClientBuilder().
		WithTransportInstance(tr).
		WithDefaultBackoff(fastRetry()).
		Build()
	require.NoError(t, err)
	return c
}

func startCaller(t *testing.T, ctx context.Context, tr messaging.Transport, opts ...Option) *Caller {
	t.Helper()
	c := NewCaller(newClient(t, tr), append([]Option{WithBackoff(fastRetry())}, opts...)...)
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func startResponder(t *testing.T, ctx context.Context, tr messaging.Transport, setup func(*Responder)) {
	t.Helper()
	r := NewResponder(newClient(t, tr), WithBackoff(fastRetry()))
	setup(r)
	sub, err := r.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
}

func TestCall_RoundTrip(t *testing.T) {
	tr := memory.NewTransport(memory.Defaults())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	startResponder(t, ctx, tr, func(r *Responder) {
		require.NoError(t, Register(r, kindGetUsers, func(_ context.Context, req getUsersReq) (getUsersResp, error) {
			assert.Equal(t, "b1", req.BoardID)
			return getUsersResp{Users: []user{{ID: "u1", Name: "Ada"}}}, nil
		}))
	})
	caller := startCaller(t, ctx, tr)

	resp, err := Invoke[getUsersResp](ctx, caller, kindGetUsers, getUsersReq{BoardID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, []user{{ID: "u1", Name: "Ada"}}, resp.Users)
	assert.Equal(t, 0, caller.Pending())
}

func TestCall_TimeoutRemovesPending(t *testing.T) {
	tr := memory.NewTransport(memory.Defaults())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var observed atomic.Value
	caller := startCaller(t, ctx, tr, WithCallObserver(func(kind string, _ time.Duration, err error) {
		observed.Store(err)
	}))

	start := time.Now()
	_, err := caller.Call(ctx, "Silence", struct{}{}, WithTimeout(50*time.Millisecond))
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTimeout(err))
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "Silence", te.Kind)
	assert.Equal(t, 50*time.Millisecond, te.After)
	assert.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond)
	assert.Equal(t, 0, caller.Pending())
	assert.False(t, caller.pending.has(te.CorrelationID))
	assert.ErrorIs(t, observed.Load().(error), ErrTimeout)
}

// A responder that is down yields a timeout; the request job is kept and handled once the
// responder comes up, and its late response is dropped.
func TestCall_GetUsersResponderDown(t *testing.T) {
	tr := memory.NewTransport(memory.Defaults())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	caller := startCaller(t, ctx, tr)
	_, err := Invoke[getUsersResp](ctx, caller, kindGetUsers, getUsersReq{BoardID: "b1"}, WithTimeout(30*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, caller.Pending())

	handled := make(chan string, 1)
	startResponder(t, ctx, tr, func(r *Responder) {
		require.NoError(t, Register(r, kindGetUsers, func(_ context.Context, req getUsersReq) (getUsersResp, error) {
			handled <- req.BoardID
			return getUsersResp{}, nil
		}))
	})

	select {
	case board := <-handled:
		assert.Equal(t, "b1", board)
	case <-ctx.Done():
		t.Fatal("queued request was not handled after the responder came up")
	}
	assert.Equal(t, 0, caller.Pending())
}

func TestCall_ErrorReplies(t *testing.T) {
	tr := memory.NewTransport(memory.Defaults())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	startResponder(t, ctx, tr, func(r *Responder) {
		require.NoError(t, Register(r, kindGetUsers, func(_ context.Context, req getUsersReq) (getUsersResp, error) {
			return getUsersResp{}, FailCode("board_not_found", "board %s does not exist", req.BoardID)
		}))
	})
	caller := startCaller(t, ctx, tr)

	tests := []struct {
		name     string
		kind     string
		req      any
		wantCode string
	}{
		{name: "handler failure", kind: kindGetUsers, req: getUsersReq{BoardID: "nope"}, wantCode: "board_not_found"},
		{name: "invalid payload", kind: kindGetUsers, req: getUsersReq{}, wantCode: CodeInvalidPayload},
		{name: "unknown kind", kind: "Unknown", req: struct{}{}, wantCode: CodeUnknownKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := caller.Call(ctx, tt.kind, tt.req, WithTimeout(2*time.Second))
			require.ErrorIs(t, err, ErrHandlerFailed)
			assert.False(t, IsTimeout(err))
			var he *HandlerError
			require.True(t, errors.As(err, &he))
			assert.Equal(t, tt.wantCode, he.Code)
			assert.Equal(t, tt.kind, he.Kind)
		})
	}
	assert.Equal(t, 0, caller.Pending())
}

// failingEnqueue rejects requests while replies still flow.
type failingEnqueue struct {
	*memory.Transport
}

func (f failingEnqueue) Enqueue(context.Context, string, *messaging.Envelope, messaging.EnqueueOptions) error {
	return errors.New("connection reset by peer")
}

func TestCall_TransportUnavailableFailsFast(t *testing.T) {
	tr := failingEnqueue{memory.NewTransport(memory.Defaults())}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	caller := startCaller(t, ctx, tr)
	start := time.Now()
	_, err := caller.Call(ctx, kindGetUsers, getUsersReq{BoardID: "b1"})
	require.ErrorIs(t, err, ErrTransportUnavailable)
	assert.False(t, IsTimeout(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, caller.Pending())
}

// Redelivered requests reach an upserting handler twice but leave one record and one answer.
func TestCall_IdempotentRedelivery(t *testing.T) {
	tr := memory.NewTransport(memory.Defaults())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type tokenReq struct {
		Key string `json:"key" validate:"required"`
	}
	var (
		mu     sync.Mutex
		tokens = map[string]string{}
		runs   atomic.Int32
	)
	startResponder(t, ctx, tr, func(r *Responder) {
		require.NoError(t, Register(r, "CreateActionToken", func(_ context.Context, req tokenReq) (string, error) {
			mu.Lock()
			if _, ok := tokens[req.Key]; !ok {
				tokens[req.Key] = "tok-" + req.Key
			}
			tok := tokens[req.Key]
			mu.Unlock()
			if runs.Add(1) == 1 {
				return "", errors.New("store hiccup after write")
			}
			return tok, nil
		}))
	})
	caller := startCaller(t, ctx, tr)

	tok, err := Invoke[string](ctx, caller, "CreateActionToken", tokenReq{Key: "analyze-t1"})
	require.NoError(t, err)
	assert.Equal(t, "tok-analyze-t1", tok)
	assert.Equal(t, int32(2), runs.Load())
	mu.Lock()
	assert.Len(t, tokens, 1)
	mu.Unlock()
}

func TestCall_ContextCancelled(t *testing.T) {
	tr := memory.NewTransport(memory.Defaults())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	caller := startCaller(t, ctx, tr)

	callCtx, callCancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer callCancel()
	_, err := caller.Call(callCtx, "Silence", struct{}{}, WithTimeout(time.Minute))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsTimeout(err))
	assert.Equal(t, 0, caller.Pending())
}

func TestCaller_MaxPendingAndClose(t *testing.T) {
	tr := memory.NewTransport(memory.Defaults())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	caller := startCaller(t, ctx, tr, WithMaxPending(1))

	errCh := make(chan error, 1)
	go func() {
		_, err := caller.Call(ctx, "Silence", struct{}{}, WithTimeout(time.Minute))
		errCh <- err
	}()
	require.Eventually(t, func() bool { return caller.Pending() == 1 }, time.Second, time.Millisecond)

	_, err := caller.Call(ctx, "Silence", struct{}{})
	assert.ErrorIs(t, err, ErrTooManyPending)

	require.NoError(t, caller.Close())
	assert.ErrorIs(t, <-errCh, ErrCallerClosed)
	assert.Equal(t, 0, caller.Pending())

	_, err = caller.Call(ctx, "Silence", struct{}{})
	assert.ErrorIs(t, err, ErrCallerClosed)
}

func TestCaller_NotStarted(t *testing.T) {
	caller := NewCaller(newClient(t, memory.NewTransport(memory.Defaults())))
	_, err := caller.Call(context.Background(), kindGetUsers, getUsersReq{BoardID: "b"})
	assert.ErrorIs(t, err, ErrNotStarted)
}

// Two callers on their own reply queues never see each other's pending entries.
func TestCallers_AreIsolated(t *testing.T) {
	tr := memory.NewTransport(memory.Defaults())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	startResponder(t, ctx, tr, func(r *Responder) {
		require.NoError(t, Register(r, "Echo", func(_ context.Context, req string) (string, error) {
			return req, nil
		}))
	})
	a := startCaller(t, ctx, tr, WithReplyQueue("responses-a"))
	b := startCaller(t, ctx, tr, WithReplyQueue("responses-b"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			got, err := Invoke[string](ctx, a, "Echo", "from-a")
			assert.NoError(t, err)
			assert.Equal(t, "from-a", got)
		}()
		go func() {
			defer wg.Done()
			got, err := Invoke[string](ctx, b, "Echo", "from-b")
			assert.NoError(t, err)
			assert.Equal(t, "from-b", got)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, 0, b.Pending())
}

func TestResponder_DuplicateHandler(t *testing.T) {
	r := NewResponder(newClient(t, memory.NewTransport(memory.Defaults())))
	h := func(context.Context, *messaging.Envelope) (any, error) { return nil, nil }
	require.NoError(t, r.Handle("A", h))
	assert.ErrorIs(t, r.Handle("A", h), ErrDuplicateHandler)
	assert.ErrorIs(t, r.Handle("", h), messaging.ErrInvalidKind)
	assert.ErrorIs(t, Register(r, "A", func(context.Context, string) (string, error) { return "", nil }), ErrDuplicateHandler)
}

func TestPendingTable_ExactlyOnce(t *testing.T) {
	p := newPendingTable(0)
	call := &pendingCall{id: "c1", done: make(chan outcome, 1)}
	require.NoError(t, p.add(call, time.Millisecond, func() {
		p.complete("c1", outcome{err: &TimeoutError{CorrelationID: "c1"}})
	}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.complete("c1", outcome{payload: []byte("ok")}) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	time.Sleep(5 * time.Millisecond)

	assert.LessOrEqual(t, wins.Load(), int32(1))
	assert.Len(t, call.done, 1)
	_, again := p.remove("c1")
	assert.False(t, again)
	assert.Equal(t, 0, p.len())
}

func TestPendingTable_LimitHoldsUnderConcurrentAdds(t *testing.T) {
	p := newPendingTable(5)
	var added, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			call := &pendingCall{id: fmt.Sprint("c", i), done: make(chan outcome, 1)}
			switch err := p.add(call, time.Minute, func() {}); {
			case err == nil:
				added.Add(1)
			case errors.Is(err, ErrTooManyPending):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), added.Load())
	assert.Equal(t, int32(45), rejected.Load())
	assert.Equal(t, 5, p.len())
	assert.Equal(t, 5, p.failAll(ErrCallerClosed))

	dup := &pendingCall{id: "again", done: make(chan outcome, 1)}
	require.NoError(t, p.add(dup, time.Minute, func() {}))
	assert.ErrorIs(t, p.add(dup, time.Minute, func() {}), errDuplicateCall)
	p.remove("again")
}
