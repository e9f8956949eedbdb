package messaging

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in messaging (prevents collisions).
type ctxKey string

const (
	codecCtxKey   ctxKey = "messaging:codec"
	loggerCtxKey  ctxKey = "messaging:logger"
	clockCtxKey   ctxKey = "messaging:clock"
	attemptCtxKey ctxKey = "messaging:attempt"
	messageCtxKey ctxKey = "messaging:message_id"
)

func injectCodec(ctx context.Context, c Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecCtxKey, c)
}

// CodecFromContext retrieves a Codec previously injected into the context.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	if v := ctx.Value(codecCtxKey); v != nil {
		if c, ok := v.(Codec); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext retrieves the client logger, if any.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

// ClockFromContext retrieves the client clock, if any.
func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func withAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptCtxKey, attempt)
}

// AttemptFromContext returns the 1-based delivery attempt of the envelope being handled.
func AttemptFromContext(ctx context.Context) int {
	if v, ok := ctx.Value(attemptCtxKey).(int); ok {
		return v
	}
	return 1
}

func withMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, messageCtxKey, id)
}

// MessageIDFromContext returns the id of the envelope being handled, or "".
// Redeliveries of one queue job or log entry carry the same id.
func MessageIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(messageCtxKey).(string)
	return id
}

// InjectAll is a convenience helper to inject all standard dependencies.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock) context.Context {
	ctx = injectCodec(ctx, codec)
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	return ctx
}

// Decode unmarshals env.Payload into T using a Codec found in ctx.
// Falls back to the default "json" codec if none was injected.
func Decode[T any](ctx context.Context, env *Envelope) (T, error) {
	if c, ok := CodecFromContext(ctx); ok {
		return DecodeCodec[T](c, env)
	}
	return DecodeCodec[T](JSONCodec{}, env)
}
