package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryMiddleware(t *testing.T) {
	boom := errors.New("boom")
	fatal := errors.New("fatal")

	tests := []struct {
		name      string
		cfg       RetryConfig
		failures  int
		failWith  error
		wantCalls int
		wantErr   error
	}{
		{name: "succeeds first", cfg: RetryConfig{MaxAttempts: 3}, wantCalls: 1},
		{name: "recovers", cfg: RetryConfig{MaxAttempts: 3}, failures: 2, failWith: boom, wantCalls: 3},
		{name: "exhausts", cfg: RetryConfig{MaxAttempts: 3}, failures: 5, failWith: boom, wantCalls: 3, wantErr: boom},
		{
			name:      "selective",
			cfg:       RetryConfig{MaxAttempts: 3, RetryIf: func(err error) bool { return !errors.Is(err, fatal) }},
			failures:  5,
			failWith:  fatal,
			wantCalls: 1,
			wantErr:   fatal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Backoff = Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1}
			calls := 0
			h := RetryMiddleware(tt.cfg)(func(context.Context, *Envelope) error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			})
			err := h(context.Background(), &Envelope{Kind: "K"})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	slow := TimeoutMiddleware(20 * time.Millisecond)(func(ctx context.Context, _ *Envelope) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, slow(context.Background(), &Envelope{}), context.DeadlineExceeded)

	fast := TimeoutMiddleware(time.Second)(func(context.Context, *Envelope) error { return nil })
	assert.NoError(t, fast(context.Background(), &Envelope{}))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(func(context.Context, *Envelope) error { panic("kaboom") })
	err := h(context.Background(), &Envelope{})
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, env *Envelope) error {
				order = append(order, name)
				return next(ctx, env)
			}
		}
	}
	h := Chain(func(context.Context, *Envelope) error {
		order = append(order, "handler")
		return nil
	}, mw("a"), nil, mw("b"))

	assert.NoError(t, h(context.Background(), &Envelope{}))
	assert.Equal(t, []string{"a", "b", "handler"}, order)
}
