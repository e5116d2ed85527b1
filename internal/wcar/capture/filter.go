package capture

import (
    "strconv"
    "strings"
    "sync"
    "sync/atomic"
    "time"

    "github.com/mariadb-labs/dbproxy/internal/mysqlproto"
    "github.com/mariadb-labs/dbproxy/internal/paramkernel"
    "github.com/mariadb-labs/dbproxy/internal/session"
)

// State is the capture filter's per-session state machine: disabled,
// pending enable, and capturing, driven by client signals.
type State int

const (
    StateDisabled State = iota
    StatePendingEnable
    StateEnabled
)

// Signal drives State transitions.
type Signal int

const (
    SignalStart Signal = iota
    SignalQEvent
    SignalCloseSession
    SignalStop
)

// Recorder is the narrow interface the capture filter needs from
// internal/wcar/record: hand off a finished event for batched persistence.
type Recorder interface {
    Submit(event QueryEvent)
}

// Filter is the WCAR capture Filter: stateless itself, it carries the
// shared dictionary and recorder every session's FilterSession uses, plus
// a process-wide armed flag that governs whether newly created sessions
// start capturing.
type Filter struct {
    Dictionary *CanonicalDictionary
    Recorder   Recorder

    mu    sync.Mutex // guards Dictionary.Intern, which is not safe for concurrent use
    armed atomic.Bool
}

func New(recorder Recorder) *Filter {
    return &Filter{Dictionary: NewCanonicalDictionary(), Recorder: recorder}
}

func (f *Filter) Name() string { return "qlafilter_wcar" }

// Start arms the filter: every session created from this point on begins
// in StatePendingEnable instead of StateDisabled. Sessions already in
// flight are unaffected.
func (f *Filter) Start() { f.armed.Store(true) }

// Stop disarms the filter; sessions created afterwards start disabled.
// Sessions already capturing keep running until they close.
func (f *Filter) Stop() { f.armed.Store(false) }

func (f *Filter) Armed() bool { return f.armed.Load() }

func (f *Filter) NewSession(cfg *paramkernel.Snapshot, client session.ClientInfo) session.FilterSession {
    state := StateDisabled
    if f.Armed() {
        state = StatePendingEnable
    }
    return &FilterSession{
        filter:    f,
        sessionID: 0,
        schema:    client.Schema,
        charset:   charsetForCollation(client.Collation),
        collation: strconv.Itoa(int(client.Collation)),
        state:     state,
    }
}

// FilterSession is the per-session half of the capture filter.
type FilterSession struct {
    filter    *Filter
    sessionID uint64
    schema    string
    charset   string
    collation string

    mu    sync.Mutex
    state State

    pending QueryEvent
}

// collationCharsets maps the handful of collation IDs this proxy actually
// negotiates during the handshake to their charset name. MySQL's official
// table runs to thousands of entries; replay only needs the charset name
// to reproduce, not the full catalog.
var collationCharsets = map[uint8]string{
    8:   "latin1",
    33:  "utf8",
    45:  "utf8mb4",
    46:  "utf8mb4",
    63:  "binary",
    224: "utf8mb4",
    255: "utf8mb4",
}

func charsetForCollation(collation uint8) string {
    if cs, ok := collationCharsets[collation]; ok {
        return cs
    }
    return "utf8mb4"
}

// Enable arms capture for this session (a START signal).
func (s *FilterSession) Enable(sessionID uint64) {
    s.sessionID = sessionID
    s.handleSignal(SignalStart, QueryEvent{})
}

// Disable stops capture outright (a STOP signal), used when the capture
// filter itself is paused globally rather than the session closing.
func (s *FilterSession) Disable() {
    s.handleSignal(SignalStop, QueryEvent{})
}

func recordable(pkt mysqlproto.Packet) bool {
    if !pkt.IsQuery() || !pkt.IsReplayable() {
        return false
    }
    return !isLoadDataLocalInfile(pkt.Payload)
}

func isLoadDataLocalInfile(payload []byte) bool {
    return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(string(payload))), "LOAD DATA LOCAL")
}

// RouteQuery implements session.FilterSession. Non-recordable packets
// pass straight through; recordable ones are canonicalised and fed to the
// state machine as a QEVENT signal before forwarding unchanged.
func (s *FilterSession) RouteQuery(pkt mysqlproto.Packet, next func(mysqlproto.Packet) error) error {
    if recordable(pkt) {
        canonical, args := Canonicalize(string(pkt.Payload))

        s.filter.mu.Lock()
        canonicalID := s.filter.Dictionary.Intern(canonical)
        s.filter.mu.Unlock()

        event := QueryEvent{
            EventID:     nextEventID(),
            SessionID:   s.sessionID,
            CanonicalID: canonicalID,
            Canonical:   canonical,
            Args:        args,
            Flags:       classify(canonical),
            StartTimeNS: time.Now().UnixNano(),
        }

        s.handleSignal(SignalQEvent, event)
    }
    return next(pkt)
}

func (s *FilterSession) ClientReply(reply session.Reply, prev func(session.Reply) error) error {
    if reply.Complete {
        s.mu.Lock()
        if s.state == StateEnabled && s.pending.EventID != 0 {
            s.pending.EndTimeNS = time.Now().UnixNano()
        }
        s.mu.Unlock()
    }
    return prev(reply)
}

func (s *FilterSession) Close() {
    s.handleSignal(SignalCloseSession, QueryEvent{})
}

// handleSignal is the direct translation of handle_cap_state: a
// mutex-guarded switch over (state, signal).
func (s *FilterSession) handleSignal(signal Signal, event QueryEvent) {
    s.mu.Lock()
    defer s.mu.Unlock()

    switch s.state {
    case StateDisabled:
        switch signal {
        case SignalStart:
            s.state = StatePendingEnable
        case SignalCloseSession, SignalQEvent:
            // ignored
        }

    case StatePendingEnable:
        switch signal {
        case SignalQEvent:
            for _, opening := range s.makeOpeningEvents(event.StartTimeNS) {
                s.filter.Recorder.Submit(opening)
            }
            s.filter.Recorder.Submit(event)
            s.state = StateEnabled
        case SignalCloseSession:
            s.state = StateDisabled
        case SignalStop:
            s.state = StateDisabled
        }

    case StateEnabled:
        switch signal {
        case SignalQEvent:
            s.pending = event
            s.filter.Recorder.Submit(event)
        case SignalCloseSession:
            s.filter.Recorder.Submit(s.makeClosingEvent())
            s.state = StateDisabled
        case SignalStop:
            s.filter.Recorder.Submit(s.makeClosingEvent())
            s.state = StateDisabled
        }
    }
}

// makeOpeningEvents synthesises the two events needed to reproduce a
// session's initial environment during replay: a schema selection and a
// charset/collation pin.
func (s *FilterSession) makeOpeningEvents(startTimeNS int64) []QueryEvent {
    var events []QueryEvent
    if s.schema != "" {
        events = append(events, QueryEvent{
            EventID:     nextEventID(),
            SessionID:   s.sessionID,
            Canonical:   "USE ?",
            Args:        []string{s.schema},
            Flags:       FlagArtificial,
            StartTimeNS: startTimeNS,
            EndTimeNS:   startTimeNS,
        })
    }
    events = append(events, QueryEvent{
        EventID:     nextEventID(),
        SessionID:   s.sessionID,
        Canonical:   "SET NAMES ? COLLATE ?",
        Args:        []string{s.charset, s.collation},
        Flags:       FlagArtificial,
        StartTimeNS: startTimeNS,
        EndTimeNS:   startTimeNS,
    })
    return events
}

func (s *FilterSession) makeClosingEvent() QueryEvent {
    now := time.Now().UnixNano()
    return QueryEvent{
        EventID:     nextEventID(),
        SessionID:   s.sessionID,
        Flags:       FlagArtificial | FlagSessionClose,
        StartTimeNS: now,
        EndTimeNS:   now,
    }
}

// classify derives write/read/begin/commit flags from a canonical
// statement's leading keyword, a coarse approximation of a full parser's
// type mask.
func classify(canonical string) EventFlag {
    upper := upperFirstWord(canonical)
    switch upper {
    case "SELECT", "SHOW", "EXPLAIN", "DESCRIBE":
        return FlagRead
    case "BEGIN", "START":
        return FlagBegin
    case "COMMIT":
        return FlagCommit
    case "ROLLBACK":
        return FlagRollback
    case "INSERT", "UPDATE", "DELETE", "REPLACE", "CREATE", "ALTER", "DROP", "TRUNCATE":
        return FlagWrite
    default:
        return FlagRead
    }
}

func upperFirstWord(s string) string {
    i := 0
    for i < len(s) && s[i] != ' ' {
        i++
    }
    word := s[:i]
    out := make([]byte, len(word))
    for j := 0; j < len(word); j++ {
        c := word[j]
        if c >= 'a' && c <= 'z' {
            c -= 'a' - 'A'
        }
        out[j] = c
    }
    return string(out)
}
