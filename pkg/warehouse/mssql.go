package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-refine/pkg/config"
	"github.com/ekaya-inc/ekaya-refine/pkg/logging"
	"github.com/ekaya-inc/ekaya-refine/pkg/models"
	sqlutil "github.com/ekaya-inc/ekaya-refine/pkg/sql"
)

// MSSQLGateway runs statements on SQL Server.
// SQL Server rejects ORDER BY inside derived tables, so statements are not wrapped;
// the row limit is enforced while reading instead.
type MSSQLGateway struct {
	db       *sql.DB
	rowLimit int
	timeout  time.Duration
	logger   *zap.Logger
}

var _ Gateway = (*MSSQLGateway)(nil)

// NewMSSQLGateway opens a database/sql pool using the sqlserver driver.
func NewMSSQLGateway(cfg config.WarehouseConfig, logger *zap.Logger) (*MSSQLGateway, error) {
	connStr := cfg.ConnectionString()
	db, err := sql.Open("sqlserver", connStr)
	if err != nil {
		return nil, fmt.Errorf("open sql server connection %s: %w", logging.SanitizeConnectionString(connStr), err)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(int(cfg.MaxConnections))
		db.SetMaxIdleConns(int(cfg.MaxConnections))
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewMSSQLGatewayFromDB(db, cfg, logger), nil
}

// NewMSSQLGatewayFromDB wraps an open database handle. The gateway takes ownership of it.
func NewMSSQLGatewayFromDB(db *sql.DB, cfg config.WarehouseConfig, logger *zap.Logger) *MSSQLGateway {
	return &MSSQLGateway{
		db:       db,
		rowLimit: cfg.RowLimit,
		timeout:  cfg.QueryTimeout,
		logger:   logger.Named("warehouse.mssql"),
	}
}

// Execute implements Gateway.
func (g *MSSQLGateway) Execute(ctx context.Context, query string) (*models.ExecutionResult, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := g.run(ctx, query)
	if err != nil {
		g.logger.Warn("Query failed",
			zap.String("sql", logging.SanitizeQuery(query)),
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

func (g *MSSQLGateway) run(ctx context.Context, query string) (*models.ExecutionResult, error) {
	rows, err := g.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	columns = uniqueColumnNames(columns)
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to get column types: %w", err)
	}

	scan := func() ([]any, error) {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok && isStringType(columnTypes[i].DatabaseTypeName()) {
				values[i] = string(b)
			}
		}
		return values, nil
	}

	collected, truncated, err := collectRows(columns, g.rowLimit, rows.Next, scan)
	if err != nil {
		return nil, err
	}
	if !truncated {
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	return &models.ExecutionResult{
		Columns:   columns,
		Rows:      collected,
		RowCount:  len(collected),
		Truncated: truncated,
	}, nil
}

// isStringType reports whether a driver type name holds character data.
func isStringType(typeName string) bool {
	switch strings.ToUpper(typeName) {
	case "CHAR", "VARCHAR", "NCHAR", "NVARCHAR", "TEXT", "NTEXT", "SYSNAME", "XML", "UNIQUEIDENTIFIER":
		return true
	}
	return false
}

// Dialect implements Gateway.
func (g *MSSQLGateway) Dialect() sqlutil.Dialect {
	return sqlutil.DialectMSSQL
}

// Close closes the database handle.
func (g *MSSQLGateway) Close() error {
	return g.db.Close()
}
