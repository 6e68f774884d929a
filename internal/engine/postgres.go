package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/querygate/querygate/pkg/models"
)

// DefaultMaxRows caps how many rows one query materializes.
const DefaultMaxRows = 1000

// PostgresEngine runs each query in a read-only transaction on a pgx pool.
type PostgresEngine struct {
	pool    *pgxpool.Pool
	maxRows int
}

// NewPostgres connects to databaseURL and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string, maxRows int) (*PostgresEngine, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	log.Info().Str("host", cfg.ConnConfig.Host).Str("database", cfg.ConnConfig.Database).Msg("Connected to query engine")
	return &PostgresEngine{pool: pool, maxRows: maxRows}, nil
}

// ExecuteQuery runs sql read-only and returns at most maxRows rows.
func (e *PostgresEngine) ExecuteQuery(ctx context.Context, sql string) (*Rows, error) {
	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, models.WrapError(models.ErrUpstreamEngine, err, "begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return nil, models.WrapError(models.ErrUpstreamEngine, err, "execute query")
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := &Rows{Columns: make([]string, len(fields))}
	for i, f := range fields {
		out.Columns[i] = f.Name
	}

	for rows.Next() {
		if len(out.Rows) >= e.maxRows {
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, models.WrapError(models.ErrUpstreamEngine, err, "read row")
		}
		row := make(map[string]any, len(values))
		for i, v := range values {
			row[out.Columns[i]] = v
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, models.WrapError(models.ErrUpstreamEngine, err, "iterate rows")
	}
	return out, nil
}

// Ping checks the pool.
func (e *PostgresEngine) Ping(ctx context.Context) error {
	return e.pool.Ping(ctx)
}

// Close releases the pool.
func (e *PostgresEngine) Close() {
	e.pool.Close()
}
