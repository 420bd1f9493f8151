package manager

import (
	"sync"

	cgErrors "github.com/harunnryd/callgate/internal/errors"
)

type waitOutcome struct {
	transcript string
	err        error
}

// waiter is a pending transcript request. It resolves exactly once.
type waiter struct {
	callID string
	ch     chan waitOutcome
	once   sync.Once
}

func newWaiter(callID string) *waiter {
	return &waiter{callID: callID, ch: make(chan waitOutcome, 1)}
}

func (w *waiter) resolve(transcript string) {
	w.once.Do(func() { w.ch <- waitOutcome{transcript: transcript} })
}

func (w *waiter) reject(err error) {
	w.once.Do(func() { w.ch <- waitOutcome{err: err} })
}

// waiterRegistry holds at most one waiter per call. Guarded by Manager.mu.
type waiterRegistry struct {
	pending map[string]*waiter
}

func newWaiterRegistry() *waiterRegistry {
	return &waiterRegistry{pending: make(map[string]*waiter)}
}

func (r *waiterRegistry) register(callID string) (*waiter, error) {
	if _, ok := r.pending[callID]; ok {
		return nil, cgErrors.Wrap(cgErrors.ErrTranscriptWaitPending, "call "+callID)
	}
	w := newWaiter(callID)
	r.pending[callID] = w
	return w, nil
}

// take removes and returns the waiter for callID.
func (r *waiterRegistry) take(callID string) *waiter {
	w, ok := r.pending[callID]
	if !ok {
		return nil
	}
	delete(r.pending, callID)
	return w
}

// release removes w only if it is still the registered waiter.
func (r *waiterRegistry) release(w *waiter) bool {
	if cur, ok := r.pending[w.callID]; ok && cur == w {
		delete(r.pending, w.callID)
		return true
	}
	return false
}

func (r *waiterRegistry) drain() []*waiter {
	out := make([]*waiter, 0, len(r.pending))
	for id, w := range r.pending {
		out = append(out, w)
		delete(r.pending, id)
	}
	return out
}

func (r *waiterRegistry) count() int {
	return len(r.pending)
}
