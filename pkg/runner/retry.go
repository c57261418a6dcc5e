package runner

import (
	"sync"
	"time"
)

const (
	retryBase = 5 * time.Second
	retryCap  = 5 * time.Minute
)

// retryQueue holds deployments whose last reconcile failed transiently,
// keyed by ID with an earliest-deadline wakeup. Rescheduling an ID
// replaces its deadline, so a unit is queued at most once. Attempt counts
// survive a pop so backoff keeps growing across consecutive failures;
// they reset only on drop or clear.
type retryQueue struct {
	mu       sync.Mutex
	pending  map[string]time.Time
	attempts map[string]int
	wake     chan struct{}
}

func newRetryQueue() *retryQueue {
	return &retryQueue{
		pending:  make(map[string]time.Time),
		attempts: make(map[string]int),
		wake:     make(chan struct{}, 1),
	}
}

// schedule queues id for another attempt with exponential backoff.
func (q *retryQueue) schedule(id string) {
	q.mu.Lock()
	attempt := q.attempts[id] + 1
	q.attempts[id] = attempt
	delay := retryBase << (attempt - 1)
	if delay > retryCap || delay <= 0 {
		delay = retryCap
	}
	q.pending[id] = time.Now().Add(delay)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// drop forgets id entirely, e.g. after a successful reconcile or a
// teardown.
func (q *retryQueue) drop(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	delete(q.attempts, id)
	q.mu.Unlock()
}

// clear empties the queue. Called on reconnect: the follow-up
// reconcile-all covers everything that was waiting.
func (q *retryQueue) clear() {
	q.mu.Lock()
	q.pending = make(map[string]time.Time)
	q.attempts = make(map[string]int)
	q.mu.Unlock()
}

// pop removes and returns every entry due at now.
func (q *retryQueue) pop(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []string
	for id, at := range q.pending {
		if !at.After(now) {
			due = append(due, id)
			delete(q.pending, id)
		}
	}
	return due
}

// next returns the earliest pending deadline, or false when idle.
func (q *retryQueue) next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var (
		earliest time.Time
		found    bool
	)
	for _, at := range q.pending {
		if !found || at.Before(earliest) {
			earliest = at
			found = true
		}
	}
	return earliest, found
}
