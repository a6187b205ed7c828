package queue

import (
	"context"

	"inkdrop/pkg/models"
)

// Task is a worker's claim on one queue entry. Its methods are no-ops once
// the entry has been cancelled, removed or replaced by a requeue.
type Task struct {
	BookID    string
	RecordID  int64
	Username  string
	SearchURL string
	Book      models.BookInfo

	ctx context.Context
	seq uint64
	q   *Queue
}

// Context is cancelled when the entry is cancelled or removed
func (t *Task) Context() context.Context {
	return t.ctx
}

// Next blocks until a queued entry exists, moves the best one to processing
// and returns it. It returns ctx.Err() when ctx ends first.
func (q *Queue) Next(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		var best *entry
		for _, e := range q.entries {
			if _, ok := e.phase.(Queued); !ok {
				continue
			}
			if best == nil || e.before(best) {
				best = e
			}
		}

		if best != nil {
			taskCtx, cancel := context.WithCancel(ctx)
			best.phase = Processing{}
			best.cancel = cancel
			task := &Task{
				BookID:    best.book.ID,
				RecordID:  best.recordID,
				Username:  best.username,
				SearchURL: best.searchURL,
				Book:      best.book.Clone(),
				ctx:       taskCtx,
				seq:       best.seq,
				q:         q,
			}
			q.mu.Unlock()
			return task, nil
		}

		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// owned returns the entry if it still belongs to this task. Caller holds mu.
func (t *Task) owned() (*entry, bool) {
	e, ok := t.q.entries[t.BookID]
	if !ok || e.seq != t.seq {
		return nil, false
	}
	return e, true
}

// Transition moves the entry to phase. It is refused once cancellation was
// requested or when the move is not part of the live lifecycle.
func (t *Task) Transition(phase Phase) bool {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()

	e, ok := t.owned()
	if !ok || e.cancelRequested {
		return false
	}
	if !canMove(e.phase.State(), phase.State()) {
		t.q.logger.Warn("Rejected queue transition",
			"book_id", t.BookID,
			"from", e.phase.State(),
			"to", phase.State())
		return false
	}
	e.phase = phase
	return true
}

// Complete marks the entry available
func (t *Task) Complete() bool {
	return t.Transition(Available{})
}

// Fail marks the entry failed with message
func (t *Task) Fail(message string) bool {
	return t.Transition(Failed{Message: message})
}

// Cancelled reports whether cancellation was requested or the entry is gone
func (t *Task) Cancelled() bool {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	e, ok := t.owned()
	return !ok || e.cancelRequested
}

// Release ends the worker's claim. A cancelled entry leaves the queue here;
// finished entries stay until drained.
func (t *Task) Release() {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()

	e, ok := t.owned()
	if !ok {
		return
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.cancelRequested {
		delete(t.q.entries, t.BookID)
		return
	}
	if e.phase.State().IsInFlight() {
		// The worker gave up without reporting an outcome
		e.phase = Failed{Message: "download stopped unexpectedly"}
	}
}
