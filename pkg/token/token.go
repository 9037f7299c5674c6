// Package token implements the in-process half of the continuation
// mechanism: a submission slot registers a token and blocks on its channel;
// the completion listener resumes it exactly once. The durable half (job id
// to token, surviving duplicate notifications) lives in pkg/database.
package token

import (
	"sync"

	"batch-orchestrator/pkg/batch"
)

type Waiter struct {
	mu      sync.Mutex
	waiting map[string]chan batch.JobResult
}

func NewWaiter() *Waiter {
	return &Waiter{waiting: map[string]chan batch.JobResult{}}
}

// Register creates a continuation for the token and returns the channel the
// suspended slot blocks on. The channel is buffered so Resume never blocks.
func (w *Waiter) Register(token string) <-chan batch.JobResult {
	ch := make(chan batch.JobResult, 1)
	w.mu.Lock()
	w.waiting[token] = ch
	w.mu.Unlock()
	return ch
}

// Resume delivers the result and consumes the continuation. Returns false if
// the token is unknown or already consumed; resuming twice is a no-op.
func (w *Waiter) Resume(token string, result batch.JobResult) bool {
	w.mu.Lock()
	ch, ok := w.waiting[token]
	if ok {
		delete(w.waiting, token)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	ch <- result
	return true
}

// Cancel drops a registered continuation without delivering a result, used
// when the submission itself fails and nothing will ever resume it.
func (w *Waiter) Cancel(token string) {
	w.mu.Lock()
	delete(w.waiting, token)
	w.mu.Unlock()
}

// Pending returns the number of unconsumed continuations.
func (w *Waiter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiting)
}
