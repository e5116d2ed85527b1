package record

import (
    "sync"
    "sync/atomic"

    "github.com/sirupsen/logrus"

    "github.com/mariadb-labs/dbproxy/internal/wcar/capture"
)

// Recorder is the MPSC collector every routing worker's capture.Filter
// submits events to: each worker calls Submit from its own goroutine, and
// a single background goroutine drains the shared channel into Storage in
// batches: one consumer goroutine fed by many producers.
//
// The channel is bounded. When full, Submit drops the event it was given
// (not the oldest queued one — Go channels don't support that directly)
// and increments Dropped, resolving the capture-backpressure question in
// favour of keeping the proxy's hot path non-blocking over completeness
// of the capture trace.
type Recorder struct {
    storage *Storage
    queue   chan capture.QueryEvent
    done    chan struct{}
    wg      sync.WaitGroup

    batchSize int

    dropped   uint64
    submitted uint64
}

func NewRecorder(storage *Storage, queueSize, batchSize int) *Recorder {
    if queueSize <= 0 {
        queueSize = 4096
    }
    if batchSize <= 0 {
        batchSize = 64
    }
    r := &Recorder{
        storage:   storage,
        queue:     make(chan capture.QueryEvent, queueSize),
        done:      make(chan struct{}),
        batchSize: batchSize,
    }
    r.wg.Add(1)
    go r.drain()
    return r
}

// Submit implements capture.Recorder. Never blocks: a full queue drops the
// event and counts it, rather than stalling the routing worker that owns
// the session producing it.
func (r *Recorder) Submit(event capture.QueryEvent) {
    select {
    case r.queue <- event:
        atomic.AddUint64(&r.submitted, 1)
    default:
        atomic.AddUint64(&r.dropped, 1)
        logrus.WithField("event_id", event.EventID).Warn("wcar capture queue full, dropping event")
    }
}

func (r *Recorder) drain() {
    defer r.wg.Done()

    batch := make([]capture.QueryEvent, 0, r.batchSize)
    flush := func() {
        if len(batch) == 0 {
            return
        }
        for _, e := range batch {
            if err := r.storage.WriteEvent(e); err != nil {
                logrus.WithError(err).Error("wcar storage write failed")
            }
        }
        if err := r.storage.Flush(); err != nil {
            logrus.WithError(err).Error("wcar storage flush failed")
        }
        batch = batch[:0]
    }

    for {
        select {
        case e := <-r.queue:
            batch = append(batch, e)
            if len(batch) >= r.batchSize {
                flush()
            }
        case <-r.done:
            // drain whatever is left in the channel before exiting
            for {
                select {
                case e := <-r.queue:
                    batch = append(batch, e)
                default:
                    flush()
                    return
                }
            }
        }
    }
}

// Stats reports counters used by the admin/diagnostics surface.
func (r *Recorder) Stats() (submitted, dropped uint64) {
    return atomic.LoadUint64(&r.submitted), atomic.LoadUint64(&r.dropped)
}

// Close stops the drain goroutine, flushing anything still queued, and
// closes the underlying storage files.
func (r *Recorder) Close() error {
    close(r.done)
    r.wg.Wait()
    return r.storage.Close()
}
