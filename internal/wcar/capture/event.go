// Package capture implements the WCAR capture filter: a per-session state
// machine that turns client query packets into canonicalised QueryEvents
// and forwards them to a recorder.
package capture

import (
    "crypto/sha256"
    "regexp"
    "strings"
    "sync/atomic"
)

// EventFlag is a bitmask describing a QueryEvent's nature.
type EventFlag uint32

const (
    FlagWrite        EventFlag = 1 << iota
    FlagRead
    FlagSessionClose
    FlagArtificial // synthesised opening/closing events, not from the client
    FlagBegin
    FlagCommit
    FlagRollback
    FlagAutocommitOn
    FlagAutocommitOff
)

// QueryEvent is one captured statement.
type QueryEvent struct {
    EventID      uint64
    SessionID    uint64
    CanonicalID  uint64
    Canonical    string
    Args         []string
    Flags        EventFlag
    StartTimeNS  int64
    EndTimeNS    int64
    GTID         string
}

func (e QueryEvent) Has(f EventFlag) bool { return e.Flags&f != 0 }

// eventIDCounter is the process-wide monotonic counter event_id is drawn
// from.
var eventIDCounter uint64

func nextEventID() uint64 {
    return atomic.AddUint64(&eventIDCounter, 1)
}

// CanonicalDictionary deduplicates canonical SQL strings by hash and
// assigns each a monotonic canonical_id, the first time it is seen.
type CanonicalDictionary struct {
    byHash map[[32]byte]uint64
    byID   map[uint64]string
    nextID uint64
}

func NewCanonicalDictionary() *CanonicalDictionary {
    return &CanonicalDictionary{
        byHash: make(map[[32]byte]uint64),
        byID:   make(map[uint64]string),
    }
}

// Intern returns the canonical_id for canonical, assigning a fresh one if
// this exact string has not been seen before.
func (d *CanonicalDictionary) Intern(canonical string) uint64 {
    hash := sha256.Sum256([]byte(canonical))
    if id, ok := d.byHash[hash]; ok {
        return id
    }
    d.nextID++
    id := d.nextID
    d.byHash[hash] = id
    d.byID[id] = canonical
    return id
}

func (d *CanonicalDictionary) Lookup(id uint64) (string, bool) {
    s, ok := d.byID[id]
    return s, ok
}

// Entries returns every (id, canonical) pair in id order, for serialising
// the .cx dictionary file.
func (d *CanonicalDictionary) Entries() []struct {
    ID        uint64
    Canonical string
} {
    out := make([]struct {
        ID        uint64
        Canonical string
    }, 0, len(d.byID))
    for id := uint64(1); id <= d.nextID; id++ {
        out = append(out, struct {
            ID        uint64
            Canonical string
        }{ID: id, Canonical: d.byID[id]})
    }
    return out
}

// literal matches either a quoted string or a bare number, in one
// alternation, so a single scan finds every constant in left-to-right
// order regardless of kind.
var literal = regexp.MustCompile(`'(?:[^'\\]|\\.)*'|\b\d+(\.\d+)?\b`)

// Canonicalize replaces constants in sql with a "?" placeholder and
// returns the canonical form plus the extracted literal values in the
// same left-to-right order as the placeholders they replace (a full SQL
// tokenizer is out of scope; this is a textual approximation sufficient
// for dedup and positional replay argument substitution).
func Canonicalize(sql string) (canonical string, args []string) {
    matches := literal.FindAllStringIndex(sql, -1)
    if matches == nil {
        return sql, nil
    }

    var b strings.Builder
    last := 0
    args = make([]string, 0, len(matches))
    for _, m := range matches {
        start, end := m[0], m[1]
        b.WriteString(sql[last:start])
        b.WriteByte('?')
        args = append(args, strings.Trim(sql[start:end], "'"))
        last = end
    }
    b.WriteString(sql[last:])
    return b.String(), args
}
