package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	maxOpenConns = 50
	maxIdleConns = 10

	// Consecutive connection errors before the pool is torn down and
	// reopened, and the minimum gap between two recreations.
	recreateThreshold = 5
	recreateCooldown  = 10 * time.Second
)

// Retry schedule for transient write failures: 3 attempts, 1/2/5s.
var retryBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second}

// Postgres is a managed connection pool. Repeated connection errors
// trigger a guarded pool recreation; all sessions run in UTC.
type Postgres struct {
	mu     sync.RWMutex
	db     *sql.DB
	dsn    string
	logger *zap.Logger

	connErrs     int32
	lastRecreate time.Time
	onRecreate   func()
}

func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	dsn = forceUTC(dsn)

	handle, err := open(ctx, dsn)
	if err != nil {
		return nil, err
	}

	p := &Postgres{db: handle, dsn: dsn, logger: logger}
	return p, nil
}

func open(ctx context.Context, dsn string) (*sql.DB, error) {
	handle, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	handle.SetMaxOpenConns(maxOpenConns)
	handle.SetMaxIdleConns(maxIdleConns)
	handle.SetConnMaxLifetime(1 * time.Hour)
	handle.SetConnMaxIdleTime(15 * time.Minute)

	if err := handle.PingContext(ctx); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return handle, nil
}

// forceUTC appends timezone=UTC to the DSN so every session runs with a
// UTC clock regardless of server defaults.
func forceUTC(dsn string) string {
	if strings.Contains(dsn, "timezone=") {
		return dsn
	}
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
		q := u.Query()
		q.Set("timezone", "UTC")
		u.RawQuery = q.Encode()
		return u.String()
	}
	return dsn + " timezone=UTC"
}

// OnRecreate registers a callback invoked after each pool recreation.
func (p *Postgres) OnRecreate(fn func()) {
	p.onRecreate = fn
}

func (p *Postgres) handle() *sql.DB {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.db
}

func (p *Postgres) Close() error {
	return p.handle().Close()
}

func (p *Postgres) PingContext(ctx context.Context) error {
	err := p.handle().PingContext(ctx)
	p.observe(err)
	return err
}

func (p *Postgres) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := p.handle().ExecContext(ctx, query, args...)
	p.observe(err)
	return res, err
}

func (p *Postgres) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := p.handle().QueryContext(ctx, query, args...)
	p.observe(err)
	return rows, err
}

func (p *Postgres) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return p.handle().QueryRowContext(ctx, query, args...)
}

func (p *Postgres) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := p.handle().BeginTx(ctx, opts)
	p.observe(err)
	return tx, err
}

// RetryWrite runs fn, retrying on transient connection errors with the
// bounded write backoff. Statement errors return immediately. Store
// write paths wrap their statements in this so a flapping connection
// does not surface as a lost audit row or sent marker.
func RetryWrite(ctx context.Context, fn func() error) error {
	for i := 0; ; i++ {
		err := fn()
		if err == nil || !IsConnError(err) || i >= len(retryBackoff) {
			return err
		}
		select {
		case <-time.After(retryBackoff[i]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ExecRetry is ExecContext wrapped in RetryWrite.
func (p *Postgres) ExecRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := RetryWrite(ctx, func() error {
		var execErr error
		res, execErr = p.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

// observe counts consecutive connection errors and recreates the pool
// once the threshold is crossed, at most once per cooldown.
func (p *Postgres) observe(err error) {
	if err == nil {
		atomic.StoreInt32(&p.connErrs, 0)
		return
	}
	if !IsConnError(err) {
		return
	}
	if atomic.AddInt32(&p.connErrs, 1) < recreateThreshold {
		return
	}
	p.recreate()
}

func (p *Postgres) recreate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.lastRecreate) < recreateCooldown {
		return
	}
	p.lastRecreate = time.Now()
	atomic.StoreInt32(&p.connErrs, 0)

	p.logger.Warn("recreating database pool after repeated connection errors")

	old := p.db
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fresh, err := open(ctx, p.dsn)
	if err != nil {
		p.logger.Error("pool recreation failed, keeping existing pool", zap.Error(err))
		return
	}

	p.db = fresh
	go old.Close()

	if p.onRecreate != nil {
		p.onRecreate()
	}
}

// IsConnError reports whether err looks like a connection-level failure
// rather than a statement error.
func IsConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"the database system is shutting down",
		"terminating connection",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (p *Postgres) RunMigrations(migrationsPath string) error {
	driver, err := migratepg.WithInstance(p.handle(), &migratepg.Config{})
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(migrationsPath)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+absPath, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Stats exposes pool statistics for the admin surface.
func (p *Postgres) Stats() sql.DBStats {
	return p.handle().Stats()
}
