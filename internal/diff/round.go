// Package diff implements the comparator ("urat") router: a Router that
// binds a service to a main server and one or more other servers,
// forwarding every client statement to all of them, returning only the
// main's reply to the client, and reporting on divergence between the
// others and main.
package diff

import (
    "hash/crc32"
    "sync"
    "time"

    "github.com/mariadb-labs/dbproxy/internal/mysqlproto"
)

// ResultKind classifies how a backend's reply to one round concluded.
type ResultKind int

const (
    KindOK ResultKind = iota
    KindResultSet
    KindError
)

func (k ResultKind) String() string {
    switch k {
    case KindOK:
        return "ok"
    case KindResultSet:
        return "resultset"
    case KindError:
        return "error"
    default:
        return "unknown"
    }
}

// Slot is one backend's accumulating result within a Round.
type Slot struct {
    checksum uint32
    Rows     int64
    Warnings int
    ErrorMsg string
    Kind     ResultKind

    Start time.Time
    End   time.Time
    open  bool
}

func newSlot() *Slot {
    return &Slot{Start: time.Now(), open: true}
}

// UpdateChecksum folds one more reply fragment into the slot's rolling
// CRC32, computed incrementally as fragments arrive rather than buffered
// and hashed once at the end.
func (s *Slot) UpdateChecksum(fragment []byte) {
    s.checksum = crc32.Update(s.checksum, crc32.IEEETable, fragment)
}

func (s *Slot) Checksum() uint32 { return s.checksum }

// Close finalises the slot's metadata once its backend's reply completes.
func (s *Slot) Close(rows int64, warnings int, errMsg string) {
    s.Rows = rows
    s.Warnings = warnings
    s.ErrorMsg = errMsg
    switch {
    case errMsg != "":
        s.Kind = KindError
    case rows > 0:
        s.Kind = KindResultSet
    default:
        s.Kind = KindOK
    }
    s.End = time.Now()
    s.open = false
}

func (s *Slot) Duration() time.Duration { return s.End.Sub(s.Start) }

// Round is the per-statement bookkeeping unit: one Slot per participating
// backend, keyed by backend name.
type Round struct {
    Query     string
    Command   mysqlproto.Command
    SessionID uint64

    mu    sync.Mutex
    slots map[string]*Slot
    total int
}

func NewRound(query string, cmd mysqlproto.Command, sessionID uint64, backends []string) *Round {
    r := &Round{Query: query, Command: cmd, SessionID: sessionID, slots: make(map[string]*Slot, len(backends)), total: len(backends)}
    for _, b := range backends {
        r.slots[b] = newSlot()
    }
    return r
}

func (r *Round) Slot(backend string) *Slot {
    r.mu.Lock()
    defer r.mu.Unlock()
    return r.slots[backend]
}

// Ready reports whether every slot has closed.
func (r *Round) Ready() bool {
    r.mu.Lock()
    defer r.mu.Unlock()
    for _, s := range r.slots {
        if s.open {
            return false
        }
    }
    return true
}

func (r *Round) Slots() map[string]*Slot {
    r.mu.Lock()
    defer r.mu.Unlock()
    out := make(map[string]*Slot, len(r.slots))
    for k, v := range r.slots {
        out[k] = v
    }
    return out
}
