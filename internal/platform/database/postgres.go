package database

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is a type alias for pgxpool.Pool for use in other packages.
type Pool = pgxpool.Pool

// PoolOptions configures Connect. Zero values keep the pgx defaults.
type PoolOptions struct {
	URL             string
	MaxConns        int
	MinConns        int
	ApplicationName string
	// StatementTimeout bounds every statement server-side.
	StatementTimeout time.Duration
}

// ParsePoolConfig turns opts into a pgx pool config without connecting.
func ParsePoolConfig(opts PoolOptions) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	if opts.MaxConns > 0 && opts.MaxConns <= math.MaxInt32 {
		config.MaxConns = int32(opts.MaxConns) // #nosec G115 -- bounds checked above
	}
	if opts.MinConns > 0 && opts.MinConns <= int(config.MaxConns) {
		config.MinConns = int32(opts.MinConns) // #nosec G115 -- bounded by MaxConns
	}

	params := config.ConnConfig.RuntimeParams
	if opts.ApplicationName != "" {
		params["application_name"] = opts.ApplicationName
	}
	if opts.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(opts.StatementTimeout.Milliseconds(), 10)
	}
	return config, nil
}

// Connect opens a pool and pings it once.
func Connect(ctx context.Context, opts PoolOptions) (*pgxpool.Pool, error) {
	config, err := ParsePoolConfig(opts)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}
