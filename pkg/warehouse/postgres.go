package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-refine/pkg/config"
	"github.com/ekaya-inc/ekaya-refine/pkg/logging"
	"github.com/ekaya-inc/ekaya-refine/pkg/models"
	"github.com/ekaya-inc/ekaya-refine/pkg/retry"
	sqlutil "github.com/ekaya-inc/ekaya-refine/pkg/sql"
)

// PostgresGateway runs statements on PostgreSQL inside read-only transactions.
type PostgresGateway struct {
	pool     *pgxpool.Pool
	rowLimit int
	timeout  time.Duration
	logger   *zap.Logger
}

var _ Gateway = (*PostgresGateway)(nil)

// NewPostgresGateway opens a pool and verifies connectivity, retrying transient failures.
func NewPostgresGateway(ctx context.Context, cfg config.WarehouseConfig, logger *zap.Logger) (*PostgresGateway, error) {
	connStr := cfg.ConnectionString()
	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse warehouse connection string %s: %w", logging.SanitizeConnectionString(connStr), err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := retry.DoIfRetryable(ctx, retry.DefaultConfig(), func() error {
		return pool.Ping(ctx)
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return newPostgresGateway(pool, cfg, logger), nil
}

// NewPostgresGatewayFromPool wraps an existing pool. The gateway takes ownership of it.
func NewPostgresGatewayFromPool(pool *pgxpool.Pool, cfg config.WarehouseConfig, logger *zap.Logger) *PostgresGateway {
	return newPostgresGateway(pool, cfg, logger)
}

func newPostgresGateway(pool *pgxpool.Pool, cfg config.WarehouseConfig, logger *zap.Logger) *PostgresGateway {
	return &PostgresGateway{
		pool:     pool,
		rowLimit: cfg.RowLimit,
		timeout:  cfg.QueryTimeout,
		logger:   logger.Named("warehouse.postgres"),
	}
}

// Execute runs sql as written and reads at most the row limit plus one row, so ordering
// and result shape stay the statement's own. Warehouse failures are returned as execution
// errors whose message is the driver's, unmodified.
func (g *PostgresGateway) Execute(ctx context.Context, sql string) (*models.ExecutionResult, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := g.run(ctx, sql)
	if err != nil {
		g.logger.Warn("Query failed",
			zap.String("sql", logging.SanitizeQuery(sql)),
			zap.String("error", logging.SanitizeError(err)))
		return nil, apperrors.NewExecutionError(err)
	}
	result.Duration = time.Since(start)

	g.logger.Debug("Query executed",
		zap.Int("rows", result.RowCount),
		zap.Bool("truncated", result.Truncated),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (g *PostgresGateway) run(ctx context.Context, query string) (result *models.ExecutionResult, err error) {
	tx, err := g.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer func() {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) && err == nil {
			g.logger.Warn("Rollback failed", zap.Error(rbErr))
		}
	}()

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	columns := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = fd.Name
	}
	columns = uniqueColumnNames(columns)

	collected, truncated, err := collectRows(columns, g.rowLimit, rows.Next, rows.Values)
	if err != nil {
		return nil, err
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &models.ExecutionResult{
		Columns:   columns,
		Rows:      collected,
		RowCount:  len(collected),
		Truncated: truncated,
	}, nil
}

// Dialect implements Gateway.
func (g *PostgresGateway) Dialect() sqlutil.Dialect {
	return sqlutil.DialectPostgres
}

// Close releases the pool.
func (g *PostgresGateway) Close() error {
	g.pool.Close()
	return nil
}
