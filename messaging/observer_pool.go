package messaging

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped   uint64
	Processed uint64
	// Panicked counts observer calls that panicked and were recovered.
	Panicked     uint64
	ActiveEvents int
	Workers      int
	BufferSize   int
}

// ObserverPool dispatches lifecycle events to observers on its own workers, so
// enqueue, append and consume never wait on an observer. Events are dropped
// when the buffer is full. A panicking observer is logged and skipped.
type ObserverPool struct {
	eventCh   chan *Event
	workers   int
	logger    *xlog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
	panicked  atomic.Uint64
}

// NewObserverPool creates a pool for async observer notification. A nil logger
// uses xlog.Default().
func NewObserverPool(ctx context.Context, workers, bufferSize int, logger *xlog.Logger) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	if logger == nil {
		logger = xlog.Default()
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		eventCh: make(chan *Event, bufferSize),
		workers: workers,
		logger:  logger.With(xlog.Str("component", "messaging.observers")),
		ctx:     poolCtx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		op.wg.Add(1)
		go op.worker()
	}

	return op
}

// Notify queues an event for asynchronous dispatch. It never blocks.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 || op.closed.Load() {
		return
	}

	e.observers = make([]Observer, len(observers))
	copy(e.observers, observers)

	select {
	case op.eventCh <- &e:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) worker() {
	defer op.wg.Done()
	for {
		select {
		case <-op.ctx.Done():
			// drain what is already queued
			for {
				select {
				case e := <-op.eventCh:
					if e != nil {
						op.dispatchEvent(e)
						op.processed.Add(1)
					}
				default:
					return
				}
			}
		case e := <-op.eventCh:
			if e != nil {
				op.dispatchEvent(e)
				op.processed.Add(1)
			}
		}
	}
}

// dispatchEvent calls every observer of e in order.
func (op *ObserverPool) dispatchEvent(e *Event) {
	for _, obs := range e.observers {
		if obs != nil {
			op.notifyOne(obs, e)
		}
	}
}

func (op *ObserverPool) notifyOne(obs Observer, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			op.panicked.Add(1)
			op.logger.Error().
				Str("observer", fmt.Sprintf("%T", obs)).
				Str("event", string(e.Type)).
				Str("target", e.Target).
				Str("panic", fmt.Sprint(r)).
				Msg("messaging: observer panic (recovered)")
		}
	}()
	obs.OnEvent(*e)
}

// Close stops the workers, waiting up to timeout for queued events to drain.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}

	op.cancel()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		Panicked:     op.panicked.Load(),
		ActiveEvents: len(op.eventCh),
		Workers:      op.workers,
		BufferSize:   cap(op.eventCh),
	}
}
