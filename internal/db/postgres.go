package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	maxPoolConns      = 20
	maxConnIdleTime   = 30 * time.Second
	connectionTimeout = 2 * time.Second
)

// Executor is the write surface shared by *pgxpool.Pool and pgx.Tx
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Querier adds reads on top of Executor
type Querier interface {
	Executor
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tx is an open transaction on an exclusively held connection
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Conn is a connection checked out of the pool. Release must be called exactly once
type Conn interface {
	Begin(ctx context.Context) (Tx, error)
	Release()
}

// ConnProvider hands out exclusive connections
type ConnProvider interface {
	Acquire(ctx context.Context) (Conn, error)
}

func NewPostgresPool(ctx context.Context, connString string, logger *slog.Logger) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	config.MaxConns = maxPoolConns
	config.MaxConnIdleTime = maxConnIdleTime
	config.ConnConfig.ConnectTimeout = connectionTimeout

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres did not answer ping: %w", err)
	}

	logger.Info("Connected to Postgres", "max_conns", config.MaxConns)
	return p, nil
}

// PoolProvider adapts a pgxpool.Pool to ConnProvider
type PoolProvider struct {
	pool *pgxpool.Pool
}

func NewPoolProvider(pool *pgxpool.Pool) *PoolProvider {
	return &PoolProvider{pool: pool}
}

func (p *PoolProvider) Acquire(ctx context.Context) (Conn, error) {
	c, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &poolConn{conn: c}, nil
}

type poolConn struct {
	conn *pgxpool.Conn
}

func (c *poolConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (c *poolConn) Release() {
	c.conn.Release()
}
