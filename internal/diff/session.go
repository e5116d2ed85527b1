package diff

import (
    "github.com/mariadb-labs/dbproxy/internal/mysqlproto"
    "github.com/mariadb-labs/dbproxy/internal/paramkernel"
    "github.com/mariadb-labs/dbproxy/internal/router"
    "github.com/mariadb-labs/dbproxy/internal/session"
    "github.com/mariadb-labs/dbproxy/pkg/logger"
)

// ErrorPolicy controls what a backend failure does to an in-flight session.
type ErrorPolicy int

const (
    ErrorIgnore ErrorPolicy = iota
    ErrorClose
)

func ParseErrorPolicy(s string) (ErrorPolicy, bool) {
    switch s {
    case "ignore":
        return ErrorIgnore, true
    case "close":
        return ErrorClose, true
    default:
        return 0, false
    }
}

// ComparisonKind is the status the "other" backend is required to hold
// before the comparator will synchronize onto it: a plain read-only
// replica, or a server accepting the same writes as main.
type ComparisonKind int

const (
    ComparisonReadOnly ComparisonKind = iota
    ComparisonReadWrite
)

func (k ComparisonKind) String() string {
    switch k {
    case ComparisonReadOnly:
        return "read_only"
    case ComparisonReadWrite:
        return "read_write"
    default:
        return "unknown"
    }
}

func ParseComparisonKind(s string) (ComparisonKind, bool) {
    switch s {
    case "read_only":
        return ComparisonReadOnly, true
    case "read_write":
        return ComparisonReadWrite, true
    default:
        return 0, false
    }
}

// Config is the comparator router's per-service configuration, set by the
// prepare admin verb and swapped atomically like the rest of the object
// graph.
type Config struct {
    Main             string
    Other            []string
    ComparisonKind   ComparisonKind
    ReportPolicy     ReportPolicy
    ErrorPolicy      ErrorPolicy
    ThresholdPercent float64
    Exporter         Exporter
}

// Comparator is the Router implementation binding a service to a main
// server and one or more other servers.
type Comparator struct {
    cfg *Config
}

func NewComparator(cfg *Config) *Comparator {
    return &Comparator{cfg: cfg}
}

func (c *Comparator) Name() string { return "comparator" }

func (c *Comparator) NewSession(_ *paramkernel.Snapshot, svc *router.Service) session.RouterSession {
    return &comparatorSession{cfg: c.cfg, svc: svc, backends: make(map[session.BackendID]*session.Backend)}
}

// comparatorSession fans every statement out to main and all other
// backends, returns only main's reply to the client, and builds a Round per
// statement to compare the others against main.
type comparatorSession struct {
    cfg *Config
    svc *router.Service

    backends map[session.BackendID]*session.Backend
    mainID   session.BackendID

    current *Round
    closed  bool
}

func (s *comparatorSession) ensureBackends() error {
    if len(s.backends) > 0 {
        return nil
    }
    s.mainID = session.BackendID(s.cfg.Main)
    names := append([]string{s.cfg.Main}, s.cfg.Other...)
    for _, name := range names {
        b, err := s.svc.Dial(name)
        if err != nil {
            return err
        }
        s.backends[b.ID] = b
    }
    return nil
}

func (s *comparatorSession) RouteQuery(pkt mysqlproto.Packet) error {
    if err := s.ensureBackends(); err != nil {
        return err
    }

    names := make([]string, 0, len(s.backends))
    for id := range s.backends {
        names = append(names, string(id))
    }
    s.current = NewRound(string(pkt.Payload), pkt.Command, 0, names)

    frame := append([]byte{byte(pkt.Command)}, pkt.Payload...)
    for id, b := range s.backends {
        mode := session.IgnoreResponse
        if id == s.mainID {
            mode = session.ExpectResponse
        }
        if !pkt.ExpectsResponse() {
            mode = session.NoResponse
        }
        if err := b.Write(frame, mode); err != nil {
            s.onBackendFailure(id, err)
        }
    }
    return nil
}

func (s *comparatorSession) ClientReply(reply session.Reply, from session.BackendID) error {
    if s.current == nil {
        return nil
    }
    slot := s.current.Slot(string(from))
    if slot == nil {
        return nil
    }
    slot.UpdateChecksum(reply.Data)

    if !reply.Complete {
        return nil
    }
    errMsg := ""
    if reply.Err != nil {
        errMsg = reply.Err.Error()
    }
    slot.Close(reply.RowCount, 0, errMsg)

    if s.current.Ready() {
        s.finishRound()
    }
    return nil
}

func (s *comparatorSession) finishRound() {
    if s.cfg.Exporter != nil && ShouldReport(s.cfg.Main, s.current, s.cfg.ReportPolicy, s.cfg.ThresholdPercent) {
        report := BuildReport(s.cfg.Main, s.current)
        if err := s.cfg.Exporter.Export(report); err != nil {
            logger.WithError(err).Warn("failed to export diff report")
        }
    }
    s.current = nil
}

// HandleError applies the configured error policy: main failures always
// tear the session down; other-backend failures are tolerated under
// "ignore" and fatal under "close".
func (s *comparatorSession) HandleError(backend session.BackendID, class session.ErrorClass, cause error) bool {
    return s.onBackendFailure(backend, cause)
}

func (s *comparatorSession) onBackendFailure(backend session.BackendID, cause error) bool {
    if backend == s.mainID {
        logger.WithField("backend", backend).WithError(cause).Warn("diff router main backend failed, closing session")
        return false
    }

    delete(s.backends, backend)
    if s.current != nil {
        if slot := s.current.Slot(string(backend)); slot != nil {
            slot.Close(0, 0, cause.Error())
        }
        if s.current.Ready() {
            s.finishRound()
        }
    }

    if s.cfg.ErrorPolicy == ErrorClose {
        logger.WithField("backend", backend).WithError(cause).Warn("diff router other backend failed under close policy, closing session")
        return false
    }
    logger.WithField("backend", backend).WithError(cause).Warn("diff router other backend failed, disconnected and continuing")
    return true
}

func (s *comparatorSession) Close() {
    if s.closed {
        return
    }
    s.closed = true
    s.backends = nil
}
