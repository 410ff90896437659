package dbpool

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/fkchat/fkchat/pkg/config"
	"github.com/fkchat/fkchat/pkg/log"
)

// Tagged pool errors.
var (
	ErrWaitTimeout      = errors.New("timed out waiting for a connection")
	ErrPoolClosed       = errors.New("pool is closed")
	ErrCreateConnection = errors.New("failed to create connection")
)

// Options configures a Pool.
type Options struct {
	Size               int
	WaitTimeout        time.Duration // 0 = wait forever
	ConnectionLifetime time.Duration
	ConnectionIdleTime time.Duration
	MonitorInterval    time.Duration
	StmtCacheSize      int
}

func optionsFromConfig(cfg config.MySQLConfig) Options {
	return Options{
		Size:               cfg.PoolSize,
		WaitTimeout:        cfg.WaitTimeout,
		ConnectionLifetime: cfg.ConnectionLifetime,
		ConnectionIdleTime: cfg.ConnectionIdleTime,
		MonitorInterval:    cfg.MonitorInterval,
		StmtCacheSize:      cfg.StmtCacheSize,
	}
}

// Pool is a lifecycle-managed pool of database connections. Connections
// are created eagerly up to Size; a monitor goroutine retires aged or idle
// connections, pings the rest, and tops the pool back up.
type Pool struct {
	connector driver.Connector
	opts      Options
	logger    zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	free   []*Conn
	total  int
	closed bool

	stopCh  chan struct{}
	stopped sync.Once
	monWG   sync.WaitGroup
}

// Open parses the DSN, dials the initial connections and starts the
// monitor. Initial dial failures are fatal.
func Open(cfg config.MySQLConfig) (*Pool, error) {
	mysqlCfg, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	connector, err := mysql.NewConnector(mysqlCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build connector: %w", err)
	}
	return New(connector, optionsFromConfig(cfg))
}

// New builds a pool over an arbitrary connector. Tests use this with a
// fake connector.
func New(connector driver.Connector, opts Options) (*Pool, error) {
	if opts.Size <= 0 {
		opts.Size = 8
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 5 * time.Minute
	}

	p := &Pool{
		connector: connector,
		opts:      opts,
		logger:    log.WithComponent("dbpool"),
		stopCh:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < opts.Size; i++ {
		conn, err := p.dial(context.Background())
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("%w: %v", ErrCreateConnection, err)
		}
		p.mu.Lock()
		p.free = append(p.free, conn)
		p.total++
		p.mu.Unlock()
	}

	p.monWG.Add(1)
	go p.monitor()

	return p, nil
}

func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	raw, err := p.connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return newConn(raw, p.opts.StmtCacheSize)
}

// Fetch returns a connection, creating one when the pool is under size,
// or waiting up to the configured timeout otherwise.
func (p *Pool) Fetch(ctx context.Context) (*Conn, error) {
	var deadline time.Time
	if p.opts.WaitTimeout > 0 {
		deadline = time.Now().Add(p.opts.WaitTimeout)
	}

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if n := len(p.free); n > 0 {
			conn := p.free[n-1]
			p.free = p.free[:n-1]
			p.mu.Unlock()
			return conn, nil
		}
		if p.total < p.opts.Size {
			p.total++
			p.mu.Unlock()
			conn, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.cond.Signal()
				p.mu.Unlock()
				return nil, fmt.Errorf("%w: %v", ErrCreateConnection, err)
			}
			return conn, nil
		}

		if p.opts.WaitTimeout == 0 {
			p.cond.Wait()
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.mu.Unlock()
			return nil, ErrWaitTimeout
		}
		// Timed condition wait: wake the whole queue when the timer
		// fires so the loser can observe its deadline. The broadcast
		// takes the mutex so it cannot slip in before Wait parks.
		timer := time.AfterFunc(remaining, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		p.cond.Wait()
		timer.Stop()
	}
}

// Release returns a connection to the pool, discarding it when broken or
// when the pool has closed.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	if p.closed || conn.Broken() {
		p.total--
		p.cond.Signal()
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.free = append(p.free, conn)
	p.cond.Signal()
	p.mu.Unlock()
}

// ExecuteWithConnection runs fn with a pooled connection, guaranteeing the
// release on all exit paths. An error from fn invalidates the connection.
func (p *Pool) ExecuteWithConnection(ctx context.Context, fn func(*Conn) error) error {
	conn, err := p.Fetch(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)

	if err := fn(conn); err != nil {
		conn.MarkBroken()
		return err
	}
	return nil
}

// ExecuteTransaction runs fn inside a transaction. The transaction commits
// when fn returns nil and rolls back otherwise; a rollback also invalidates
// the connection.
func (p *Pool) ExecuteTransaction(ctx context.Context, fn func(*Conn) error) error {
	conn, err := p.Fetch(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)

	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.MarkBroken()
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(conn); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			p.logger.Error().Err(rbErr).Msg("rollback failed")
		}
		conn.MarkBroken()
		return err
	}
	if err := tx.Commit(); err != nil {
		conn.MarkBroken()
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Stats reports current pool occupancy.
func (p *Pool) Stats() (free, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free), p.total
}

// Close shuts the pool down and closes every idle connection. Connections
// checked out at the time of the call are closed on release. Idempotent.
func (p *Pool) Close() {
	p.stopped.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.monWG.Wait()
		return
	}
	p.closed = true
	idle := p.free
	p.free = nil
	p.total -= len(idle)
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, conn := range idle {
		_ = conn.Close()
	}
	p.monWG.Wait()
}

// monitor periodically retires connections past their lifetime or idle
// budget, pings the remainder and tops the pool back up to size.
func (p *Pool) monitor() {
	defer p.monWG.Done()
	ticker := time.NewTicker(p.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p.mu.Lock()
	idle := p.free
	p.free = nil
	p.total -= len(idle)
	p.mu.Unlock()

	var kept []*Conn
	retired := 0
	for _, conn := range idle {
		switch {
		case p.opts.ConnectionLifetime > 0 && conn.Age() > p.opts.ConnectionLifetime:
			retired++
			_ = conn.Close()
		case p.opts.ConnectionIdleTime > 0 && conn.IdleTime() > p.opts.ConnectionIdleTime:
			retired++
			_ = conn.Close()
		case conn.Ping(ctx) != nil:
			retired++
			_ = conn.Close()
		default:
			kept = append(kept, conn)
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, conn := range kept {
			_ = conn.Close()
		}
		return
	}
	p.free = append(p.free, kept...)
	p.total += len(kept)
	missing := p.opts.Size - p.total
	p.mu.Unlock()

	// Top the pool back up outside the lock.
	for i := 0; i < missing; i++ {
		conn, err := p.dial(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Msg("failed to top up pool")
			break
		}
		p.mu.Lock()
		if p.closed || p.total >= p.opts.Size {
			p.mu.Unlock()
			_ = conn.Close()
			break
		}
		p.free = append(p.free, conn)
		p.total++
		p.cond.Signal()
		p.mu.Unlock()
	}

	if retired > 0 {
		p.logger.Debug().Int("retired", retired).Msg("pool sweep complete")
	}
}
