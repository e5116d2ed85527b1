package diff

import (
    "context"
    "database/sql"
    "fmt"
    "sync"
    "time"

    "github.com/robfig/cron/v3"

    "github.com/mariadb-labs/dbproxy/internal/workerpool"
    "github.com/mariadb-labs/dbproxy/pkg/errors"
    "github.com/mariadb-labs/dbproxy/pkg/logger"
)

// State is the comparator service's top-level administrative state.
type State int

const (
    StatePrepared State = iota
    StateSynchronizing
    StateCapturing
)

func (s State) String() string {
    switch s {
    case StatePrepared:
        return "prepared"
    case StateSynchronizing:
        return "synchronizing"
    case StateCapturing:
        return "capturing"
    default:
        return "unknown"
    }
}

// SyncState is the synchronizing sub-machine.
type SyncState int

const (
    SyncIdle SyncState = iota
    SyncSuspending
    SyncRewiring
    SyncStoppingReplication
    SyncRestartingAndResuming
)

func (s SyncState) String() string {
    switch s {
    case SyncIdle:
        return "idle"
    case SyncSuspending:
        return "suspending"
    case SyncRewiring:
        return "rewiring"
    case SyncStoppingReplication:
        return "stopping_replication"
    case SyncRestartingAndResuming:
        return "restarting_and_resuming"
    default:
        return "unknown"
    }
}

// cancellable reports whether a stop issued while in this sub-state may
// unwind immediately, or must let the sub-state run to completion first.
// Per the "stop mid-synchronization" resolution: suspending/rewiring are
// safe to unwind (nothing outside this proxy's process has changed yet);
// stopping replication and the restart/resume step are not, since halting
// them partway could leave the replica's replication thread or a session's
// backend wiring in an inconsistent state.
func (s SyncState) cancellable() bool {
    return s == SyncSuspending || s == SyncRewiring
}

// GTIDChecker reports whether the other server has caught up to main's
// GTID set, the precondition for issuing STOP ALL SLAVES.
type GTIDChecker func(ctx context.Context, main, other *sql.DB) (bool, error)

// AdminConfig wires an Admin's dependencies: the service's worker pool for
// suspend/resume/restart broadcasts, and dialers for the GTID check and
// STOP ALL SLAVES against the live `other` server.
type AdminConfig struct {
    Pool            *workerpool.Pool
    BelongsToService func(workerpool.SessionID) bool
    RestartSession   func(workerpool.SessionID)
    DialMain         func(ctx context.Context) (*sql.DB, error)
    DialOther        func(ctx context.Context) (*sql.DB, error)
    CheckCaughtUp    GTIDChecker
    TickInterval     time.Duration

    // IsServiceMember reports whether the named backend belongs to the
    // service the comparator is attached to, satisfying the "main is a
    // member of service" half of the prepare precondition. Left nil when
    // the caller cannot resolve that without a live object graph; Prepare
    // then skips the membership half and runs only the replica-status
    // check below.
    IsServiceMember func(backend string) bool
}

// Admin drives the comparator service's administrative state machine:
// prepare/start/status/stop/summary/unprepare verbs plus a re-entrant
// synchronizing tick.
type Admin struct {
    cfg AdminConfig

    mu        sync.Mutex
    state     State
    syncSt     SyncState
    stopAsked bool

    cron      *cron.Cron
    tickEntry cron.EntryID

    rounds     int
    reports    int
    config     *Config
}

func NewAdmin(cfg AdminConfig) *Admin {
    if cfg.TickInterval <= 0 {
        cfg.TickInterval = time.Second
    }
    return &Admin{cfg: cfg, state: StatePrepared, syncSt: SyncIdle}
}

// Prepare validates the comparator's target config against the status
// requirements comparison_kind implies, then records it. Two checks run
// when the dependency that backs them is wired:
//   - membership: cfg.Main must belong to the service the comparator
//     attaches to, via cfg.IsServiceMember.
//   - replica status: cfg.Other must be a live server whose read_only
//     flag matches what comparison_kind requires (on for read_only,
//     off for read_write), via DialMain/DialOther.
// Either check is skipped, not failed, when its dependency is nil; a
// deployment that never wires a live "other" DSN gets prepare() without
// the live check rather than a permanently unusable comparator.
func (a *Admin) Prepare(cfg *Config) error {
    a.mu.Lock()
    defer a.mu.Unlock()
    if a.state != StatePrepared || a.config != nil {
        return errors.New(errors.ErrAdmin, "comparator already prepared")
    }

    if a.cfg.IsServiceMember != nil && !a.cfg.IsServiceMember(cfg.Main) {
        return errors.New(errors.ErrAdmin, fmt.Sprintf("%q is not a member of this comparator's service", cfg.Main))
    }
    if err := a.checkReplicaStatus(cfg); err != nil {
        return err
    }

    a.config = cfg
    return nil
}

// checkReplicaStatus confirms the "other" server's read_only flag matches
// what cfg.ComparisonKind requires: set for a read_only comparison (it
// must be a genuine replica, not accidentally the primary), clear for a
// read_write comparison (it must accept the same writes main does).
func (a *Admin) checkReplicaStatus(cfg *Config) error {
    if a.cfg.DialMain == nil || a.cfg.DialOther == nil {
        return nil
    }
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()

    other, err := a.cfg.DialOther(ctx)
    if err != nil {
        return errors.Wrap(err, errors.ErrAdmin, "dialing other server for replica-status check")
    }

    var readOnly bool
    if err := other.QueryRowContext(ctx, "SELECT @@read_only").Scan(&readOnly); err != nil {
        return errors.Wrap(err, errors.ErrAdmin, "reading other server's read_only status")
    }

    switch cfg.ComparisonKind {
    case ComparisonReadOnly:
        if !readOnly {
            return errors.New(errors.ErrAdmin, "comparison_kind read_only requires the other server to have read_only enabled")
        }
    case ComparisonReadWrite:
        if readOnly {
            return errors.New(errors.ErrAdmin, "comparison_kind read_write requires the other server to accept writes")
        }
    }
    return nil
}

// Start kicks off the synchronizing sub-machine via a re-entrant cron tick
// that re-invokes itself until every sub-state's precondition holds.
func (a *Admin) Start() error {
    a.mu.Lock()
    if a.state != StatePrepared {
        a.mu.Unlock()
        return errors.New(errors.ErrAdmin, "comparator must be prepared before start")
    }
    a.state = StateSynchronizing
    a.syncSt = SyncSuspending
    a.mu.Unlock()

    a.cron = cron.New()
    entry, err := a.cron.AddFunc(fmt.Sprintf("@every %s", a.cfg.TickInterval), a.tick)
    if err != nil {
        return errors.Wrap(err, errors.ErrAdmin, "scheduling synchronization tick")
    }
    a.tickEntry = entry
    a.cron.Start()
    return nil
}

// tick advances the synchronizing sub-machine by one step, re-entrant:
// each call either completes the current sub-state and advances, or (its
// precondition not yet holding) leaves the sub-state unchanged for the
// next tick to retry.
func (a *Admin) tick() {
    a.mu.Lock()
    defer a.mu.Unlock()

    if a.state != StateSynchronizing {
        return
    }

    switch a.syncSt {
    case SyncSuspending:
        res := a.cfg.Pool.Suspend(a.cfg.BelongsToService)
        logger.WithField("total", res.Total).WithField("suspended", res.Affected).Info("comparator suspending sessions")
        a.syncSt = SyncRewiring

    case SyncRewiring:
        // The binding swap itself is performed by the registry (it owns
        // the service->router linkage); Admin only advances once told the
        // rewire completed, which for this tick-driven model means
        // immediately, since the registry mutation already happened
        // synchronously in the admin goroutine before Start was called.
        a.syncSt = SyncStoppingReplication

    case SyncStoppingReplication:
        if a.stopReplication() {
            a.syncSt = SyncRestartingAndResuming
        }

    case SyncRestartingAndResuming:
        res := a.cfg.Pool.Restart(a.cfg.BelongsToService, a.cfg.RestartSession)
        a.cfg.Pool.Resume(a.cfg.BelongsToService)
        logger.WithField("restarted", res.Affected).Info("comparator restarted and resumed sessions")
        a.syncSt = SyncIdle
        a.state = StateCapturing
        a.stopCron()
        if a.stopAsked {
            a.doStopLocked()
        }
    }

    if a.stopAsked && a.syncSt.cancellable() {
        a.unwindToPreparedLocked()
    }
}

// stopReplication checks GTID catch-up and, once satisfied, issues
// STOP ALL SLAVES on the other server.
func (a *Admin) stopReplication() bool {
    if a.cfg.CheckCaughtUp == nil || a.cfg.DialMain == nil || a.cfg.DialOther == nil {
        return true
    }
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()

    main, err := a.cfg.DialMain(ctx)
    if err != nil {
        logger.WithError(err).Warn("comparator: dialing main for GTID check failed")
        return false
    }
    other, err := a.cfg.DialOther(ctx)
    if err != nil {
        logger.WithError(err).Warn("comparator: dialing other for GTID check failed")
        return false
    }

    caughtUp, err := a.cfg.CheckCaughtUp(ctx, main, other)
    if err != nil {
        logger.WithError(err).Warn("comparator: GTID catch-up check failed")
        return false
    }
    if !caughtUp {
        return false
    }

    if _, err := other.ExecContext(ctx, "STOP ALL SLAVES"); err != nil {
        logger.WithError(err).Warn("comparator: STOP ALL SLAVES failed")
        return false
    }
    return true
}

// Stop requests a transition back to prepared. If the synchronizing
// sub-machine is in a cancellable sub-state, it unwinds immediately;
// otherwise the request is recorded and honoured once the sub-state
// reaches its next checkpoint.
func (a *Admin) Stop() error {
    a.mu.Lock()
    defer a.mu.Unlock()

    switch a.state {
    case StatePrepared:
        return nil
    case StateCapturing:
        return a.doStopLocked()
    case StateSynchronizing:
        if a.syncSt.cancellable() {
            a.unwindToPreparedLocked()
            return nil
        }
        a.stopAsked = true
        return nil
    }
    return nil
}

func (a *Admin) unwindToPreparedLocked() {
    a.cfg.Pool.Resume(a.cfg.BelongsToService)
    a.stopCron()
    a.state = StatePrepared
    a.syncSt = SyncIdle
    a.stopAsked = false
}

func (a *Admin) doStopLocked() error {
    a.state = StatePrepared
    a.syncSt = SyncIdle
    a.stopAsked = false
    a.stopCron()
    return nil
}

func (a *Admin) stopCron() {
    if a.cron != nil {
        a.cron.Stop()
        a.cron = nil
    }
}

// Status reports the state machine's current position plus session counts.
type Status struct {
    State     string `json:"state"`
    SyncState string `json:"sync_state,omitempty"`
    Total     int    `json:"sessions_total"`
    Suspended int    `json:"sessions_suspended"`
}

func (a *Admin) Status() Status {
    a.mu.Lock()
    defer a.mu.Unlock()

    st := Status{State: a.state.String()}
    if a.state == StateSynchronizing {
        st.SyncState = a.syncSt.String()
    }

    total := a.cfg.Pool.CountMatching(a.cfg.BelongsToService)
    st.Total = total.Affected

    suspended := a.cfg.Pool.CountMatching(func(id workerpool.SessionID) bool {
        return a.cfg.BelongsToService(id) && a.cfg.Pool.IsSuspended(id)
    })
    st.Suspended = suspended.Affected
    return st
}

// RecordRound is called once per finished Round for summary bookkeeping.
func (a *Admin) RecordRound(reported bool) {
    a.mu.Lock()
    defer a.mu.Unlock()
    a.rounds++
    if reported {
        a.reports++
    }
}

type Summary struct {
    Rounds  int `json:"rounds"`
    Reports int `json:"reports"`
}

func (a *Admin) Summary() Summary {
    a.mu.Lock()
    defer a.mu.Unlock()
    return Summary{Rounds: a.rounds, Reports: a.reports}
}

// Unprepare releases the comparator's configuration, requiring the state
// machine to already be at rest.
func (a *Admin) Unprepare() error {
    a.mu.Lock()
    defer a.mu.Unlock()
    if a.state != StatePrepared {
        return errors.New(errors.ErrAdmin, "comparator must be stopped before unprepare")
    }
    a.config = nil
    return nil
}
