package diff

import (
    "context"
    "database/sql"
    "testing"
    "time"

    "github.com/DATA-DOG/go-sqlmock"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/mariadb-labs/dbproxy/internal/workerpool"
)

func testAdminConfig() AdminConfig {
    pool := workerpool.New(1, 16)
    return AdminConfig{
        Pool:             pool,
        BelongsToService: func(workerpool.SessionID) bool { return true },
        RestartSession:   func(workerpool.SessionID) {},
        TickInterval:     time.Hour, // tests drive tick() directly, never via cron
    }
}

func TestAdminPrepareRejectsWhenAlreadyPrepared(t *testing.T) {
    a := NewAdmin(testAdminConfig())
    require.NoError(t, a.Prepare(&Config{Main: "main"}))
    assert.Error(t, a.Prepare(&Config{Main: "main"}))
}

func TestAdminStartRequiresPreparedState(t *testing.T) {
    a := NewAdmin(testAdminConfig())
    a.state = StateCapturing
    assert.Error(t, a.Start())
}

func TestAdminTickWalksSynchronizingSubMachineToCapturing(t *testing.T) {
    a := NewAdmin(testAdminConfig())
    a.state = StateSynchronizing
    a.syncSt = SyncSuspending

    a.tick()
    assert.Equal(t, SyncRewiring, a.syncSt)

    a.tick()
    assert.Equal(t, SyncStoppingReplication, a.syncSt)

    a.tick() // DialMain/DialOther are nil, so stopReplication short-circuits true
    assert.Equal(t, SyncRestartingAndResuming, a.syncSt)

    a.tick()
    assert.Equal(t, SyncIdle, a.syncSt)
    assert.Equal(t, StateCapturing, a.state)
}

func TestAdminStopDuringSuspendingUnwindsImmediately(t *testing.T) {
    a := NewAdmin(testAdminConfig())
    require.NoError(t, a.Start())
    require.Equal(t, SyncSuspending, a.syncSt)

    require.NoError(t, a.Stop())
    assert.Equal(t, StatePrepared, a.state)
    assert.Equal(t, SyncIdle, a.syncSt)
    assert.False(t, a.stopAsked)
}

func TestAdminStopDuringNonCancellableSubStateDefersUntilCapturing(t *testing.T) {
    a := NewAdmin(testAdminConfig())
    a.state = StateSynchronizing
    a.syncSt = SyncStoppingReplication

    require.NoError(t, a.Stop())
    assert.True(t, a.stopAsked)
    assert.Equal(t, SyncStoppingReplication, a.syncSt, "non-cancellable sub-state must not unwind immediately")

    a.tick() // stopReplication succeeds (nil dialers) -> RestartingAndResuming
    assert.Equal(t, SyncRestartingAndResuming, a.syncSt)
    assert.Equal(t, StateSynchronizing, a.state)

    a.tick() // reaches Capturing, then the deferred stop fires
    assert.Equal(t, StatePrepared, a.state)
    assert.False(t, a.stopAsked)
}

func TestAdminStopDuringCapturingReturnsToPrepared(t *testing.T) {
    a := NewAdmin(testAdminConfig())
    a.state = StateCapturing

    require.NoError(t, a.Stop())
    assert.Equal(t, StatePrepared, a.state)
}

func TestAdminSummaryAggregatesRecordedRounds(t *testing.T) {
    a := NewAdmin(testAdminConfig())
    a.RecordRound(true)
    a.RecordRound(false)
    a.RecordRound(true)

    summary := a.Summary()
    assert.Equal(t, 3, summary.Rounds)
    assert.Equal(t, 2, summary.Reports)
}

func TestAdminPrepareRejectsNonMemberMain(t *testing.T) {
    cfg := testAdminConfig()
    cfg.IsServiceMember = func(backend string) bool { return backend == "known" }
    a := NewAdmin(cfg)

    assert.Error(t, a.Prepare(&Config{Main: "unknown"}))
    assert.NoError(t, a.Prepare(&Config{Main: "known"}))
}

func dialerToMock(db *sql.DB) func(ctx context.Context) (*sql.DB, error) {
    return func(ctx context.Context) (*sql.DB, error) { return db, nil }
}

func TestAdminPrepareChecksReplicaStatusAgainstComparisonKind(t *testing.T) {
    otherDB, otherMock, err := sqlmock.New()
    require.NoError(t, err)
    defer otherDB.Close()

    cfg := testAdminConfig()
    cfg.DialMain = dialerToMock(otherDB)
    cfg.DialOther = dialerToMock(otherDB)

    otherMock.ExpectQuery("SELECT @@read_only").WillReturnRows(
        sqlmock.NewRows([]string{"@@read_only"}).AddRow(true))
    a := NewAdmin(cfg)
    assert.NoError(t, a.Prepare(&Config{Main: "main", ComparisonKind: ComparisonReadOnly}))

    otherMock.ExpectQuery("SELECT @@read_only").WillReturnRows(
        sqlmock.NewRows([]string{"@@read_only"}).AddRow(true))
    b := NewAdmin(cfg)
    assert.Error(t, b.Prepare(&Config{Main: "main", ComparisonKind: ComparisonReadWrite}),
        "a read_only other server must fail a read_write comparison")
}

func TestAdminUnprepareRequiresRestState(t *testing.T) {
    a := NewAdmin(testAdminConfig())
    a.state = StateCapturing
    assert.Error(t, a.Unprepare())

    a.state = StatePrepared
    require.NoError(t, a.Prepare(&Config{Main: "main"}))
    assert.NoError(t, a.Unprepare())
}
