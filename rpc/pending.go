package rpc

import (
	"sync"
	"time"
)

// outcome is the single result a pending call is completed with.
type outcome struct {
	payload []byte
	err     error
}

// pendingCall is an issued request awaiting its response.
type pendingCall struct {
	id       string
	kind     string
	deadline time.Time
	timer    *time.Timer
	// done has capacity 1 and receives exactly one outcome.
	done chan outcome
}

// pendingTable indexes in-flight calls by correlation id. It belongs to one Caller.
// Removal is idempotent: whichever path removes an entry first (response, deadline,
// caller context, shutdown) delivers its outcome; later attempts are no-ops.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
	// limit bounds len(calls); 0 is unbounded.
	limit int
}

func newPendingTable(limit int) *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall), limit: limit}
}

// add registers call and arms its deadline timer. onExpire runs when the timer fires.
// It returns ErrTooManyPending when the table is full and errDuplicateCall when
// the id is already pending.
func (p *pendingTable) add(call *pendingCall, timeout time.Duration, onExpire func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.calls[call.id]; dup {
		return errDuplicateCall
	}
	if p.limit > 0 && len(p.calls) >= p.limit {
		return ErrTooManyPending
	}
	p.calls[call.id] = call
	call.timer = time.AfterFunc(timeout, onExpire)
	return nil
}

// remove detaches the call and stops its timer. The second remove of an id returns false.
func (p *pendingTable) remove(id string) (*pendingCall, bool) {
	p.mu.Lock()
	call, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	p.mu.Unlock()
	if ok && call.timer != nil {
		call.timer.Stop()
	}
	return call, ok
}

// complete removes the call and hands it o. It reports whether this was the first removal.
func (p *pendingTable) complete(id string, o outcome) bool {
	call, ok := p.remove(id)
	if !ok {
		return false
	}
	call.done <- o
	return true
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *pendingTable) has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.calls[id]
	return ok
}

// failAll completes every pending call with err.
func (p *pendingTable) failAll(err error) int {
	p.mu.Lock()
	ids := make([]string, 0, len(p.calls))
	for id := range p.calls {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	n := 0
	for _, id := range ids {
		if p.complete(id, outcome{err: err}) {
			n++
		}
	}
	return n
}
