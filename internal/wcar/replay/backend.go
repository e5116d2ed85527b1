package replay

import (
    "context"
    "database/sql"
    "fmt"
    "strings"
    "time"

    _ "github.com/go-sql-driver/mysql"

    "github.com/mariadb-labs/dbproxy/pkg/errors"
    "github.com/mariadb-labs/dbproxy/pkg/logger"
)

// Backend is the narrow interface a RepSession drives events against.
// Splitting it out of SQLBackend lets the player be exercised in tests
// without a live server.
type Backend interface {
    Exec(ctx context.Context, canonical string, args []string, isRead bool) (rows int64, err error)
    Close() error
}

// BackendDialer opens one Backend connection per replay session.
type BackendDialer func(ctx context.Context) (Backend, error)

// SQLBackendConfig mirrors internal/store.Config's DSN shape for the
// target server replay drives queries against.
type SQLBackendConfig struct {
    Driver        string
    Host          string
    Port          int
    Username      string
    Password      string
    Database      string
    RetryAttempts int
    RetryDelay    time.Duration
}

func (c SQLBackendConfig) dsn() string {
    return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&interpolateParams=false",
        c.Username, c.Password, c.Host, c.Port, c.Database)
}

// DialSQLBackend connects with the same linear-backoff retry idiom as
// internal/store.Open, since a replay session opening its one connection
// is the same problem as the proxy opening its bookkeeping connection.
func DialSQLBackend(ctx context.Context, cfg SQLBackendConfig) (Backend, error) {
    var db *sql.DB
    var err error

    for i := 0; i <= cfg.RetryAttempts; i++ {
        db, err = sql.Open(cfg.Driver, cfg.dsn())
        if err == nil {
            err = db.PingContext(ctx)
            if err == nil {
                break
            }
        }
        if i < cfg.RetryAttempts {
            logger.WithField("attempt", i+1).WithError(err).Warn("replay backend connect failed, retrying")
            time.Sleep(cfg.RetryDelay * time.Duration(i+1))
        }
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to connect replay backend")
    }
    return &sqlBackend{db: db}, nil
}

type sqlBackend struct {
    db *sql.DB
}

func (b *sqlBackend) Exec(ctx context.Context, canonical string, args []string, isRead bool) (int64, error) {
    ifaceArgs := make([]interface{}, len(args))
    for i, a := range args {
        ifaceArgs[i] = a
    }

    if isRead {
        rows, err := b.db.QueryContext(ctx, canonical, ifaceArgs...)
        if err != nil {
            return 0, err
        }
        defer rows.Close()
        var n int64
        for rows.Next() {
            n++
        }
        return n, rows.Err()
    }

    res, err := b.db.ExecContext(ctx, canonical, ifaceArgs...)
    if err != nil {
        return 0, err
    }
    n, _ := res.RowsAffected()
    return n, nil
}

func (b *sqlBackend) Close() error { return b.db.Close() }

// IsDeadlockError reports whether err is the backend's deadlock signal,
// the same substring match internal/store.isRetryableError uses for its
// broader retry classification.
func IsDeadlockError(err error) bool {
    if err == nil {
        return false
    }
    return strings.Contains(strings.ToLower(err.Error()), "deadlock")
}
