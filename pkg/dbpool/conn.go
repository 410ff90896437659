package dbpool

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Conn is one pooled database connection. It is handed to a single caller
// at a time; the pool tracks age and idle time for the monitor.
type Conn struct {
	raw       driver.Conn
	createdAt time.Time
	lastUsed  time.Time
	broken    bool

	stmts *lru.Cache[string, driver.Stmt]
}

func newConn(raw driver.Conn, stmtCacheSize int) (*Conn, error) {
	if stmtCacheSize <= 0 {
		stmtCacheSize = 64
	}
	cache, err := lru.NewWithEvict[string, driver.Stmt](stmtCacheSize, func(_ string, stmt driver.Stmt) {
		_ = stmt.Close()
	})
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Conn{
		raw:       raw,
		createdAt: now,
		lastUsed:  now,
		stmts:     cache,
	}, nil
}

// MarkBroken flags the connection so the pool discards it on release.
func (c *Conn) MarkBroken() {
	c.broken = true
}

// Broken reports whether the connection has been invalidated.
func (c *Conn) Broken() bool {
	return c.broken
}

// Age returns how long ago the connection was created.
func (c *Conn) Age() time.Duration {
	return time.Since(c.createdAt)
}

// IdleTime returns how long the connection has sat unused.
func (c *Conn) IdleTime() time.Duration {
	return time.Since(c.lastUsed)
}

// stmt returns a prepared statement for query, from the per-connection
// cache when possible.
func (c *Conn) stmt(query string) (driver.Stmt, error) {
	if stmt, ok := c.stmts.Get(query); ok {
		return stmt, nil
	}
	stmt, err := c.raw.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	c.stmts.Add(query, stmt)
	return stmt, nil
}

// Exec runs a statement with a single bind pass: args is the complete,
// ordered bind list for the query.
func (c *Conn) Exec(ctx context.Context, query string, args []driver.Value) (int64, error) {
	c.lastUsed = time.Now()
	stmt, err := c.stmt(query)
	if err != nil {
		return 0, err
	}

	res, err := execStmt(ctx, stmt, args)
	if err != nil {
		if isFatal(err) {
			c.broken = true
		}
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// Query runs a query with a single bind pass and returns the driver rows.
// The caller must close the rows before releasing the connection.
func (c *Conn) Query(ctx context.Context, query string, args []driver.Value) (driver.Rows, error) {
	c.lastUsed = time.Now()
	stmt, err := c.stmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := queryStmt(ctx, stmt, args)
	if err != nil {
		if isFatal(err) {
			c.broken = true
		}
		return nil, err
	}
	return rows, nil
}

// Ping verifies the connection is alive when the driver supports it.
func (c *Conn) Ping(ctx context.Context) error {
	if pinger, ok := c.raw.(driver.Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			c.broken = true
			return err
		}
	}
	return nil
}

// Begin starts a transaction on the connection.
func (c *Conn) Begin(ctx context.Context) (driver.Tx, error) {
	c.lastUsed = time.Now()
	if beginner, ok := c.raw.(driver.ConnBeginTx); ok {
		return beginner.BeginTx(ctx, driver.TxOptions{})
	}
	return c.raw.Begin() //nolint:staticcheck // fallback for drivers without BeginTx
}

// Close tears down the cached statements and the underlying connection.
func (c *Conn) Close() error {
	c.stmts.Purge()
	return c.raw.Close()
}

func execStmt(ctx context.Context, stmt driver.Stmt, args []driver.Value) (driver.Result, error) {
	if sc, ok := stmt.(driver.StmtExecContext); ok {
		return sc.ExecContext(ctx, namedValues(args))
	}
	return stmt.Exec(args) //nolint:staticcheck // fallback path
}

func queryStmt(ctx context.Context, stmt driver.Stmt, args []driver.Value) (driver.Rows, error) {
	if sc, ok := stmt.(driver.StmtQueryContext); ok {
		return sc.QueryContext(ctx, namedValues(args))
	}
	return stmt.Query(args) //nolint:staticcheck // fallback path
}

func namedValues(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

// isFatal reports whether an error means the connection is unusable.
func isFatal(err error) bool {
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF)
}
