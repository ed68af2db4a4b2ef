// Package warehouse executes approved statements against the analytical warehouse.
package warehouse

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/config"
	"github.com/ekaya-inc/ekaya-refine/pkg/models"
	sqlutil "github.com/ekaya-inc/ekaya-refine/pkg/sql"
)

// Gateway is the execution port. Execute returns rows or an *apperrors.TurnError of kind
// ErrExecution carrying the warehouse message verbatim.
type Gateway interface {
	Execute(ctx context.Context, sql string) (*models.ExecutionResult, error)
	// Dialect is the SQL dialect statements must be written in.
	Dialect() sqlutil.Dialect
	Close() error
}

// NewGateway connects to the warehouse described by cfg.
func NewGateway(ctx context.Context, cfg config.WarehouseConfig, logger *zap.Logger) (Gateway, error) {
	switch cfg.Type {
	case "postgres", "":
		return NewPostgresGateway(ctx, cfg, logger)
	case "mssql":
		return NewMSSQLGateway(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported warehouse type %q", cfg.Type)
	}
}

// uniqueColumnNames renames repeated result columns so every value keeps its own key:
// a second "id" becomes "id_2", a third "id_3", skipping names already taken.
func uniqueColumnNames(columns []string) []string {
	taken := make(map[string]bool, len(columns))
	for _, c := range columns {
		taken[c] = true
	}
	seen := make(map[string]int, len(columns))
	out := make([]string, len(columns))
	for i, c := range columns {
		seen[c]++
		if seen[c] == 1 {
			out[i] = c
			continue
		}
		n := seen[c]
		name := fmt.Sprintf("%s_%d", c, n)
		for taken[name] {
			n++
			name = fmt.Sprintf("%s_%d", c, n)
		}
		seen[c] = n
		taken[name] = true
		out[i] = name
	}
	return out
}

// collectRows gathers rows into maps keyed by column name, stopping after limit rows.
// It reports whether more rows were available.
func collectRows(columns []string, limit int, next func() bool, values func() ([]any, error)) ([]map[string]any, bool, error) {
	rows := make([]map[string]any, 0)
	for next() {
		if limit > 0 && len(rows) == limit {
			return rows, true, nil
		}
		vals, err := values()
		if err != nil {
			return nil, false, fmt.Errorf("failed to read row values: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = vals[i]
		}
		rows = append(rows, row)
	}
	return rows, false, nil
}
