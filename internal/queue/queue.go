// Package queue tracks the books currently being worked on. Its state is not
// persisted and is empty after every restart.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"inkdrop/pkg/models"
)

// ErrDuplicate is returned when a book is already active in the queue
var ErrDuplicate = errors.New("book is already in the queue")

// ErrInvalidBook is returned when a book has no id
var ErrInvalidBook = errors.New("book id is required")

// EnqueueOptions carries the bookkeeping attached to a new entry
type EnqueueOptions struct {
	RecordID  int64
	Username  string
	SearchURL string
	// Requeue force-cancels an active entry for the same book instead of failing
	Requeue bool
}

// Item is a point-in-time copy of one entry
type Item struct {
	Book      models.BookInfo   `json:"book"`
	State     models.QueueState `json:"state"`
	Priority  int               `json:"priority"`
	RecordID  int64             `json:"record_id"`
	Username  string            `json:"username"`
	QueuedAt  time.Time         `json:"queued_at"`
	SearchURL string            `json:"-"`
}

type entry struct {
	book      models.BookInfo
	phase     Phase
	priority  int
	seq       uint64
	recordID  int64
	username  string
	searchURL string
	queuedAt  time.Time

	cancel          context.CancelFunc
	cancelRequested bool
	observed        bool
}

func (e *entry) item() Item {
	return Item{
		Book:      render(e.book, e.phase),
		State:     e.phase.State(),
		Priority:  e.priority,
		RecordID:  e.recordID,
		Username:  e.username,
		QueuedAt:  e.queuedAt,
		SearchURL: e.searchURL,
	}
}

func (e *entry) before(o *entry) bool {
	if e.priority != o.priority {
		return e.priority < o.priority
	}
	return e.seq < o.seq
}

// Queue is the live download queue. All methods are safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	wake    chan struct{}
	logger  *slog.Logger
}

// New creates an empty queue
func New() *Queue {
	return &Queue{
		entries: make(map[string]*entry),
		wake:    make(chan struct{}),
		logger:  slog.Default(),
	}
}

// signal wakes every goroutine blocked in Next. Caller holds mu.
func (q *Queue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Enqueue adds book in the queued state. Lower priority values run first.
func (q *Queue) Enqueue(book models.BookInfo, priority int, opts EnqueueOptions) (models.BookInfo, error) {
	if book.ID == "" {
		return models.BookInfo{}, ErrInvalidBook
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.entries[book.ID]; ok {
		if existing.phase.State().IsActive() && !existing.cancelRequested {
			if !opts.Requeue {
				return models.BookInfo{}, ErrDuplicate
			}
			q.logger.Info("Force-cancelling active entry for requeue", "book_id", book.ID)
		}
		q.dropLocked(book.ID)
	}

	q.seq++
	e := &entry{
		book:      book.Clone(),
		phase:     Queued{},
		priority:  priority,
		seq:       q.seq,
		recordID:  opts.RecordID,
		username:  opts.Username,
		searchURL: opts.SearchURL,
		queuedAt:  time.Now(),
	}
	q.entries[book.ID] = e
	q.signal()

	return render(e.book, e.phase), nil
}

// dropLocked removes an entry and cancels its worker context. Caller holds mu.
func (q *Queue) dropLocked(id string) (*entry, bool) {
	e, ok := q.entries[id]
	if !ok {
		return nil, false
	}
	if e.cancel != nil {
		e.cancel()
	}
	delete(q.entries, id)
	return e, true
}

// Status returns a snapshot of every entry grouped by state
func (q *Queue) Status() models.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

func (q *Queue) statusLocked() models.QueueStatus {
	status := models.NewQueueStatus()
	for id, e := range q.entries {
		status[e.phase.State()][id] = render(e.book, e.phase)
	}
	return status
}

// StatusForReconcile is Status for the reconciliation read path. Finished
// entries (available or error) seen by an earlier call are evicted first and
// the ones left in the returned snapshot are marked as seen, so a finished
// book disappears on the pass after the one that first observed it.
func (q *Queue) StatusForReconcile() (models.QueueStatus, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := 0
	for id, e := range q.entries {
		if !isFinished(e) {
			continue
		}
		if e.observed {
			delete(q.entries, id)
			evicted++
			continue
		}
		e.observed = true
	}
	return q.statusLocked(), evicted
}

func isFinished(e *entry) bool {
	switch e.phase.(type) {
	case Available, Failed:
		return true
	}
	return false
}

// Has reports whether the book is present in any state
func (q *Queue) Has(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[id]
	return ok
}

// Get returns a copy of one entry
func (q *Queue) Get(id string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return Item{}, false
	}
	return e.item(), true
}

// SetPriority changes the priority of a queued entry. It returns false for
// books that are missing or no longer queued.
func (q *Queue) SetPriority(id string, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.setPriorityLocked(id, priority)
}

func (q *Queue) setPriorityLocked(id string, priority int) bool {
	e, ok := q.entries[id]
	if !ok {
		return false
	}
	if _, queued := e.phase.(Queued); !queued {
		return false
	}
	e.priority = priority
	return true
}

// Reorder applies several priorities at once. Ids that are not queued are
// skipped; the result is true when at least one entry changed.
func (q *Queue) Reorder(priorities map[string]int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	changed := false
	for id, priority := range priorities {
		if q.setPriorityLocked(id, priority) {
			changed = true
		}
	}
	return changed
}

// Order returns the queued entries in the order workers will take them
func (q *Queue) Order() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	queued := make([]*entry, 0, len(q.entries))
	for _, e := range q.entries {
		if _, ok := e.phase.(Queued); ok {
			queued = append(queued, e)
		}
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].before(queued[j]) })

	items := make([]Item, len(queued))
	for i, e := range queued {
		items[i] = e.item()
	}
	return items
}

// Active returns entries currently owned by a worker
func (q *Queue) Active() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var items []Item
	for _, e := range q.entries {
		if e.phase.State().IsInFlight() {
			items = append(items, e.item())
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].QueuedAt.Before(items[j].QueuedAt) })
	return items
}

// Cancel requests cancellation of an active book and returns its record id.
// Queued books leave the queue at once; books held by a worker are flagged
// and their context cancelled, and leave when the worker calls Release.
func (q *Queue) Cancel(id string) (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok || !e.phase.State().IsActive() || e.cancelRequested {
		return 0, false
	}

	if _, queued := e.phase.(Queued); queued {
		delete(q.entries, id)
		q.logger.Info("Cancelled queued book", "book_id", id)
		return e.recordID, true
	}

	e.cancelRequested = true
	e.phase = Cancelled{}
	if e.cancel != nil {
		e.cancel()
	}
	q.logger.Info("Requested cancellation of in-flight book", "book_id", id)
	return e.recordID, true
}

// ForceCancel removes the book regardless of state and returns its record id
func (q *Queue) ForceCancel(id string) (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.dropLocked(id)
	if !ok {
		return 0, false
	}
	q.logger.Warn("Force-cancelled book", "book_id", id, "state", e.phase.State())
	return e.recordID, true
}

// RemoveFromTracking forgets the book. Persisted history is not touched.
func (q *Queue) RemoveFromTracking(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.dropLocked(id)
	return ok
}

// CleanupPhantomEntries purges entries without usable metadata
func (q *Queue) CleanupPhantomEntries() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, e := range q.entries {
		if !e.book.IsPhantom() {
			continue
		}
		q.dropLocked(id)
		removed++
		q.logger.Warn("Removed phantom queue entry", "book_id", id, "state", e.phase.State())
	}
	return removed
}

// ClearCompleted drops available, error and cancelled entries
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, e := range q.entries {
		switch e.phase.(type) {
		case Available, Failed, Cancelled:
			q.dropLocked(id)
			removed++
		}
	}
	return removed
}
