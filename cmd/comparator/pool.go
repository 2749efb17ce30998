package comparator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/lib/pq"              // registers the "postgres" driver
)

// Conn is the query surface the reader needs. *sql.Conn and *sql.DB both
// satisfy it.
type Conn interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenFunc opens a database handle; sql.Open in production.
type OpenFunc func(driverName, dsn string) (*sql.DB, error)

type poolKey struct {
	env    string
	worker int
}

// dbEntry and connEntry are placeholders published before the slow open so
// other keys are not blocked while one is being created. ready is closed once
// the value or err is set.
type dbEntry struct {
	ready chan struct{}
	db    *sql.DB
	err   error
}

type connEntry struct {
	ready chan struct{}
	conn  *sql.Conn
	err   error
}

// Pool lazily creates one connection per (environment, worker) pair. The lock
// only covers map lookups and inserts; opening, pinging and queries run
// without it.
type Pool struct {
	open   OpenFunc
	logger *slog.Logger

	mu    sync.Mutex
	dbs   map[string]*dbEntry
	conns map[poolKey]*connEntry
}

// NewPool creates an empty pool. A nil open uses sql.Open.
func NewPool(open OpenFunc, logger *slog.Logger) *Pool {
	if open == nil {
		open = sql.Open
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		open:   open,
		logger: logger,
		dbs:    make(map[string]*dbEntry),
		conns:  make(map[poolKey]*connEntry),
	}
}

// Acquire returns the connection pinned to (env, worker), creating it on
// first use. Concurrent callers for the same key wait for a single creation.
// Failures are returned as-is; there is no retry, but the next call for the
// key tries again.
func (p *Pool) Acquire(ctx context.Context, env EnvironmentConfig, worker int) (Conn, error) {
	key := poolKey{env: env.Label, worker: worker}

	p.mu.Lock()
	if e, ok := p.conns[key]; ok {
		p.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.conn, nil
	}
	e := &connEntry{ready: make(chan struct{})}
	p.conns[key] = e
	p.mu.Unlock()

	e.conn, e.err = p.connect(ctx, env, worker)
	close(e.ready)

	p.mu.Lock()
	current := p.conns[key]
	if e.err != nil && current == e {
		delete(p.conns, key)
	}
	p.mu.Unlock()

	if e.err != nil {
		return nil, e.err
	}
	if current != e {
		// CloseAll ran while the connection was being created
		_ = e.conn.Close()
		return nil, fmt.Errorf("%w: %s worker %d: pool closed", ErrConnection, env.Label, worker)
	}
	p.logger.Debug(fmt.Sprintf("🔌 Opened %s connection for worker %d (%s:%d/%s)", env.Label, worker, env.Host, env.Port, env.Database))
	return e.conn, nil
}

func (p *Pool) connect(ctx context.Context, env EnvironmentConfig, worker int) (*sql.Conn, error) {
	db, err := p.database(ctx, env)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s worker %d: %w", ErrConnection, env.Label, worker, err)
	}
	return conn, nil
}

// database returns the shared handle for env, opening and pinging it once.
func (p *Pool) database(ctx context.Context, env EnvironmentConfig) (*sql.DB, error) {
	p.mu.Lock()
	if e, ok := p.dbs[env.Label]; ok {
		p.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return e.db, e.err
	}
	e := &dbEntry{ready: make(chan struct{})}
	p.dbs[env.Label] = e
	p.mu.Unlock()

	e.db, e.err = p.openDatabase(ctx, env)
	close(e.ready)

	p.mu.Lock()
	current := p.dbs[env.Label]
	if e.err != nil && current == e {
		delete(p.dbs, env.Label)
	}
	p.mu.Unlock()

	if e.err != nil {
		return nil, e.err
	}
	if current != e {
		_ = e.db.Close()
		return nil, fmt.Errorf("%w: %s: pool closed", ErrConnection, env.Label)
	}
	return e.db, nil
}

func (p *Pool) openDatabase(ctx context.Context, env EnvironmentConfig) (*sql.DB, error) {
	driverName, err := env.DriverName()
	if err != nil {
		return nil, err
	}
	db, err := p.open(driverName, env.DSN())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnection, env.Label, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnection, env.Label, err)
	}
	return db, nil
}

// settled reports whether the entry's creation has finished.
func settled(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Size returns the number of pinned connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, e := range p.conns {
		if settled(e.ready) && e.err == nil {
			n++
		}
	}
	return n
}

// CloseAll releases every connection and database handle. Entries still being
// created are dropped and closed by their creator. The pool can be reused
// afterwards.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, e := range p.conns {
		if settled(e.ready) && e.err == nil {
			if err := e.conn.Close(); err != nil {
				p.logger.Warn(fmt.Sprintf("⚠️  Failed to close %s connection for worker %d: %v", key.env, key.worker, err))
			}
		}
		delete(p.conns, key)
	}
	for label, e := range p.dbs {
		if settled(e.ready) && e.err == nil {
			if err := e.db.Close(); err != nil {
				p.logger.Warn(fmt.Sprintf("⚠️  Failed to close %s database: %v", label, err))
			}
		}
		delete(p.dbs, label)
	}
}
