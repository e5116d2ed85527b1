package main

import (
    "context"
    "database/sql"
    "fmt"

    _ "github.com/go-sql-driver/mysql"

    "github.com/mariadb-labs/dbproxy/internal/config"
    "github.com/mariadb-labs/dbproxy/internal/diff"
    "github.com/mariadb-labs/dbproxy/internal/registry"
    "github.com/mariadb-labs/dbproxy/internal/workerpool"
)

// newDiffAdmin builds the comparator's state machine for this process. This
// build runs one comparator per process, so BelongsToService matches every
// session the pool owns; a multi-service deployment would narrow this to the
// sessions the listener tagged with the comparator's service name.
func newDiffAdmin(cfg *config.Config, pool *workerpool.Pool, objects map[string]*registry.Object) *diff.Admin {
    ac := diff.AdminConfig{
        Pool:             pool,
        BelongsToService: func(workerpool.SessionID) bool { return true },
        RestartSession:   func(workerpool.SessionID) {},
        TickInterval:     cfg.Diff.SyncTickInterval,
    }

    if cfg.Diff.MainDSN != "" && cfg.Diff.OtherDSN != "" {
        ac.DialMain = dialerFor(cfg.Diff.MainDSN)
        ac.DialOther = dialerFor(cfg.Diff.OtherDSN)
        ac.CheckCaughtUp = checkGTIDCaughtUp
    }

    if svc, ok := objects[cfg.Diff.ServiceName]; ok && svc.Type == registry.TypeService {
        ac.IsServiceMember = func(backend string) bool {
            for _, dep := range svc.Dependencies {
                if dep == backend {
                    return true
                }
            }
            return false
        }
    }

    return diff.NewAdmin(ac)
}

func dialerFor(dsn string) func(ctx context.Context) (*sql.DB, error) {
    return func(ctx context.Context) (*sql.DB, error) {
        db, err := sql.Open("mysql", dsn)
        if err != nil {
            return nil, err
        }
        if err := db.PingContext(ctx); err != nil {
            return nil, err
        }
        return db, nil
    }
}

// checkGTIDCaughtUp compares main's and the replica's GTID position using
// MariaDB's gtid_binlog_pos/gtid_slave_pos globals.
func checkGTIDCaughtUp(ctx context.Context, main, other *sql.DB) (bool, error) {
    var mainPos, otherPos string
    if err := main.QueryRowContext(ctx, "SELECT @@gtid_binlog_pos").Scan(&mainPos); err != nil {
        return false, fmt.Errorf("reading main gtid_binlog_pos: %w", err)
    }
    if err := other.QueryRowContext(ctx, "SELECT @@gtid_slave_pos").Scan(&otherPos); err != nil {
        return false, fmt.Errorf("reading other gtid_slave_pos: %w", err)
    }
    return mainPos == otherPos, nil
}
