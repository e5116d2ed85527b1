// Package workerpool implements the routing-worker pool: N single-threaded
// cooperative event-loop workers, each owning a disjoint set of sessions
// for their lifetime. The hot path never crosses a worker's channel
// boundary, so no lock is taken between a session's packets; only
// control-plane operations (broadcast, rebalance, thread-count changes)
// cross workers, and they do so by posting closures onto a worker's queue.
package workerpool

import (
    "context"
    "sync"
    "sync/atomic"

    "github.com/mariadb-labs/dbproxy/pkg/logger"
)

// SessionID identifies one session pinned to exactly one worker.
type SessionID uint64

// Job is a unit of work posted to a worker's queue. Recurring jobs (timers)
// return false to stop being rescheduled; one-shot jobs' return value is
// ignored.
type Job func() bool

// jobEnvelope pairs a job with whether it should be resubmitted after
// running, decided by the worker loop rather than by the caller.
type jobEnvelope struct {
    run      Job
    recurring bool
}

// Worker is a single cooperative event-loop. Blocking I/O must never run
// inside a Job: the worker runs one Job at a time, so a blocked Job stalls
// every session the worker owns.
type Worker struct {
    id     int
    queue  chan jobEnvelope
    done   chan struct{}

    mu       sync.RWMutex
    sessions map[SessionID]struct{}
    suspended map[SessionID]bool

    processed uint64
}

func newWorker(id int, queueSize int) *Worker {
    return &Worker{
        id:        id,
        queue:     make(chan jobEnvelope, queueSize),
        done:      make(chan struct{}),
        sessions:  make(map[SessionID]struct{}),
        suspended: make(map[SessionID]bool),
    }
}

// run is the worker's single goroutine: it drains the queue until the
// pool shuts it down, rescheduling recurring jobs that return true.
func (w *Worker) run() {
    for {
        select {
        case <-w.done:
            return
        case env := <-w.queue:
            cont := env.run()
            if env.recurring && cont {
                select {
                case w.queue <- env:
                default:
                    logger.WithField("worker", w.id).Warn("recurring job dropped: queue full")
                }
            }
            atomic.AddUint64(&w.processed, 1)
        }
    }
}

// post enqueues a one-shot job without blocking forever; if the worker's
// queue is saturated the job is dropped and logged rather than stalling
// the caller (typically another worker, or the admin thread).
func (w *Worker) post(job Job) bool {
    select {
    case w.queue <- jobEnvelope{run: job}:
        return true
    default:
        return false
    }
}

func (w *Worker) postRecurring(job Job) bool {
    select {
    case w.queue <- jobEnvelope{run: job, recurring: true}:
        return true
    default:
        return false
    }
}

func (w *Worker) ownsSession(id SessionID) bool {
    w.mu.RLock()
    defer w.mu.RUnlock()
    _, ok := w.sessions[id]
    return ok
}

func (w *Worker) addSession(id SessionID) {
    w.mu.Lock()
    w.sessions[id] = struct{}{}
    w.mu.Unlock()
}

func (w *Worker) removeSession(id SessionID) {
    w.mu.Lock()
    delete(w.sessions, id)
    delete(w.suspended, id)
    w.mu.Unlock()
}

func (w *Worker) sessionCount() int {
    w.mu.RLock()
    defer w.mu.RUnlock()
    return len(w.sessions)
}

func (w *Worker) sessionIDs() []SessionID {
    w.mu.RLock()
    defer w.mu.RUnlock()
    ids := make([]SessionID, 0, len(w.sessions))
    for id := range w.sessions {
        ids = append(ids, id)
    }
    return ids
}

func (w *Worker) setSuspended(id SessionID, suspended bool) {
    w.mu.Lock()
    defer w.mu.Unlock()
    if suspended {
        w.suspended[id] = true
    } else {
        delete(w.suspended, id)
    }
}

func (w *Worker) isSuspended(id SessionID) bool {
    w.mu.RLock()
    defer w.mu.RUnlock()
    return w.suspended[id]
}

func (w *Worker) stop() {
    close(w.done)
}

// drain blocks until the worker has no sessions left, or ctx is cancelled.
// Used by AdjustThreads when shrinking the pool.
func (w *Worker) drain(ctx context.Context) bool {
    for w.sessionCount() > 0 {
        select {
        case <-ctx.Done():
            return false
        default:
        }
    }
    return true
}
