package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
)

// runHandle tracks one in-flight run so it can be aborted from another
// goroutine. The handle lives in the orchestrator's run map only while the
// run is active; a finished run cannot be aborted.
type runHandle struct {
	cancel  context.CancelFunc
	aborted atomic.Bool

	mu     sync.Mutex
	reason string
}

// abort flips the handle exactly once. The reason is recorded before the
// context is canceled so the run goroutine can report it.
func (h *runHandle) abort(reason string) bool {
	if !h.aborted.CompareAndSwap(false, true) {
		return false
	}
	h.mu.Lock()
	h.reason = reason
	h.mu.Unlock()
	h.cancel()
	return true
}

func (h *runHandle) abortReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Abort requests cancellation of the session's active run. It returns true
// on the first call for an active run and false for repeated calls,
// unknown sessions and finished runs.
func (o *Orchestrator) Abort(sessionID, reason string) bool {
	value, ok := o.runs.Load(sessionID)
	if !ok {
		return false
	}
	handle, ok := value.(*runHandle)
	if !ok {
		return false
	}
	if reason == "" {
		reason = "aborted by caller"
	}
	return handle.abort(reason)
}
