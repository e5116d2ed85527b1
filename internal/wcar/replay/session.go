package replay

import (
    "context"
    "strings"

    "github.com/mariadb-labs/dbproxy/internal/wcar/capture"
    "github.com/mariadb-labs/dbproxy/pkg/logger"
)

// nonSQLCanonicals guards against ever attempting to replay one of the
// connection-lifecycle commands that need special handling; capture's
// IsQuery gate already keeps these out of the trace, so this is
// belt-and-suspenders against a future capture change, not the primary
// enforcement point.
var nonSQLCanonicals = map[string]bool{
    "COM_QUIT":              true,
    "COM_RESET_CONNECTION":  true,
    "COM_SET_OPTION":        true,
    "COM_STATISTICS":        true,
}

func isNonSQLCanonical(canonical string) bool {
    return nonSQLCanonicals[strings.ToUpper(strings.TrimSpace(canonical))]
}

// repSession drives one session's events sequentially against its own
// backend connection.
type repSession struct {
    id      uint64
    events  []capture.QueryEvent
    backend Backend
    player  *Player

    terminated bool
    skipped    uint64
}

func (s *repSession) run(ctx context.Context) {
    defer func() {
        if s.backend != nil {
            s.backend.Close()
        }
        s.player.sessionDone(s.id)
    }()

    for _, e := range s.events {
        if s.terminated {
            s.skipped++
            continue
        }

        s.player.waitUntilRunnable(ctx, s.id, e)
        s.player.clock.Sleep(e.StartTimeNS)

        if isNonSQLCanonical(e.Canonical) {
            s.player.addRefused()
            logger.WithField("session_id", s.id).WithField("event_id", e.EventID).
                Warn("refusing to replay non-SQL command")
            s.player.closeTransactionFor(s.id, e)
            continue
        }

        s.execute(ctx, e)
        s.player.closeTransactionFor(s.id, e)
    }
}

func (s *repSession) execute(ctx context.Context, e capture.QueryEvent) {
    callCtx, cancel := context.WithCancel(ctx)
    s.player.deadlock.Enter(s.id, cancel)

    start := s.player.clock.Now()
    isRead := e.Has(capture.FlagRead)
    rows, err := s.backend.Exec(callCtx, e.Canonical, e.Args, isRead)
    end := s.player.clock.Now()

    s.player.deadlock.Leave(s.id)

    rec := ReplyRecord{
        EventID:     e.EventID,
        StartTimeNS: start,
        EndTimeNS:   end,
        CanonicalID: e.CanonicalID,
        NumRows:     rows,
    }
    if err != nil {
        rec.Error = err.Error()
        if isConnectionLoss(err) {
            s.terminated = true
            logger.WithField("session_id", s.id).WithError(err).Warn("replay connection lost, terminating session")
        }
    }
    s.player.replyWriter.Submit(rec)
}

func isConnectionLoss(err error) bool {
    if err == nil {
        return false
    }
    msg := strings.ToLower(err.Error())
    return strings.Contains(msg, "connection refused") ||
        strings.Contains(msg, "broken pipe") ||
        strings.Contains(msg, "connection reset") ||
        strings.Contains(msg, "invalid connection") ||
        strings.Contains(msg, "eof")
}
