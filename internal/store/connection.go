// Package store holds the proxy's own bookkeeping persistence: object-source
// provenance records (internal/registry introspection), WCAR capture
// manifests, and diff-round summaries. It is not the data plane the proxy
// routes client traffic to — that is internal/session/internal/router.
package store

import (
    "context"
    "database/sql"
    "fmt"
    "strings"
    "sync"
    "time"

    _ "github.com/go-sql-driver/mysql"
    "github.com/mariadb-labs/dbproxy/pkg/errors"
    "github.com/mariadb-labs/dbproxy/pkg/logger"
)

type Config struct {
    Driver          string
    Host            string
    Port            int
    Username        string
    Password        string
    Database        string
    MaxOpenConns    int
    MaxIdleConns    int
    ConnMaxLifetime time.Duration
    RetryAttempts   int
    RetryDelay      time.Duration
}

// DSN builds the connection string for the configured bookkeeping database.
func (c Config) DSN() string {
    return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true&interpolateParams=true",
        c.Username, c.Password, c.Host, c.Port, c.Database)
}

type DB struct {
    *sql.DB
    cfg    Config
    mu     sync.RWMutex
    health bool
}

// Open connects to the bookkeeping database, retrying cfg.RetryAttempts
// times with linear backoff, and starts a background health checker.
func Open(cfg Config) (*DB, error) {
    var db *sql.DB
    var err error

    for i := 0; i <= cfg.RetryAttempts; i++ {
        db, err = sql.Open(cfg.Driver, cfg.DSN())
        if err == nil {
            err = db.Ping()
            if err == nil {
                break
            }
        }

        if i < cfg.RetryAttempts {
            logger.WithField("attempt", i+1).WithError(err).Warn("store connection failed, retrying")
            time.Sleep(cfg.RetryDelay * time.Duration(i+1))
        }
    }

    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to connect to store")
    }

    db.SetMaxOpenConns(cfg.MaxOpenConns)
    db.SetMaxIdleConns(cfg.MaxIdleConns)
    db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

    wrapper := &DB{
        DB:     db,
        cfg:    cfg,
        health: true,
    }

    go wrapper.healthCheck()

    logger.Info("store connection established")
    return wrapper, nil
}

func (db *DB) healthCheck() {
    ticker := time.NewTicker(30 * time.Second)
    defer ticker.Stop()

    for range ticker.C {
        ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
        err := db.PingContext(ctx)
        cancel()

        db.mu.Lock()
        oldHealth := db.health
        db.health = err == nil
        db.mu.Unlock()

        if oldHealth != db.health {
            if db.health {
                logger.Info("store connection recovered")
            } else {
                logger.WithError(err).Error("store connection lost")
            }
        }
    }
}

func (db *DB) IsHealthy() bool {
    db.mu.RLock()
    defer db.mu.RUnlock()
    return db.health
}

// Transaction runs fn inside a transaction, retrying on errors classified
// as retryable by isRetryableError.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
    var err error
    for i := 0; i <= db.cfg.RetryAttempts; i++ {
        err = db.transaction(ctx, fn)
        if err == nil {
            return nil
        }

        if !isRetryableError(err) {
            return err
        }

        if i < db.cfg.RetryAttempts {
            select {
            case <-ctx.Done():
                return ctx.Err()
            case <-time.After(db.cfg.RetryDelay * time.Duration(i+1)):
                logger.WithField("attempt", i+1).WithError(err).Warn("transaction failed, retrying")
            }
        }
    }

    return errors.Wrap(err, errors.ErrDatabase, "transaction failed after retries")
}

func (db *DB) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
    tx, err := db.BeginTx(ctx, nil)
    if err != nil {
        return err
    }

    defer func() {
        if p := recover(); p != nil {
            tx.Rollback()
            panic(p)
        }
    }()

    if err := fn(tx); err != nil {
        tx.Rollback()
        return err
    }

    return tx.Commit()
}

func isRetryableError(err error) bool {
    if err == nil {
        return false
    }

    errStr := strings.ToLower(err.Error())
    retryable := []string{
        "connection refused",
        "connection reset",
        "broken pipe",
        "timeout",
        "deadlock",
        "try restarting transaction",
    }

    for _, e := range retryable {
        if strings.Contains(errStr, e) {
            return true
        }
    }

    return false
}

// StmtCache memoizes prepared statements by their SQL text.
type StmtCache struct {
    mu    sync.RWMutex
    stmts map[string]*sql.Stmt
    db    *sql.DB
}

func NewStmtCache(db *sql.DB) *StmtCache {
    return &StmtCache{
        stmts: make(map[string]*sql.Stmt),
        db:    db,
    }
}

func (c *StmtCache) Prepare(query string) (*sql.Stmt, error) {
    c.mu.RLock()
    stmt, exists := c.stmts[query]
    c.mu.RUnlock()

    if exists {
        return stmt, nil
    }

    c.mu.Lock()
    defer c.mu.Unlock()

    if stmt, exists := c.stmts[query]; exists {
        return stmt, nil
    }

    stmt, err := c.db.Prepare(query)
    if err != nil {
        return nil, err
    }

    c.stmts[query] = stmt
    return stmt, nil
}

func (c *StmtCache) Close() {
    c.mu.Lock()
    defer c.mu.Unlock()

    for _, stmt := range c.stmts {
        stmt.Close()
    }

    c.stmts = make(map[string]*sql.Stmt)
}
