package schemastore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/models"
)

// Metadata CSV columns. Only table_name and column_name are required; unknown columns are ignored.
const (
	colTableName         = "table_name"
	colColumnName        = "column_name"
	colDataType          = "data_type"
	colCardinality       = "cardinality"
	colTotalRows         = "total_rows"
	colTableDescription  = "table_description"
	colColumnDescription = "column_description"
)

// LoadMetadataCSV reads the metadata table and groups its rows into table descriptors.
// Tables keep the order of their first row and columns keep row order.
func LoadMetadataCSV(r io.Reader) ([]models.TableDescriptor, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("metadata file is empty")
		}
		return nil, fmt.Errorf("reading metadata header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, required := range []string{colTableName, colColumnName} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("metadata header is missing %q", required)
		}
	}

	field := func(rec []string, name string) string {
		i, ok := idx[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var tables []models.TableDescriptor
	byName := make(map[string]int)
	line := 1
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("reading metadata line %d: %w", line, err)
		}

		tableName := field(rec, colTableName)
		if tableName == "" {
			continue
		}

		key := strings.ToLower(tableName)
		pos, ok := byName[key]
		if !ok {
			pos = len(tables)
			byName[key] = pos
			tables = append(tables, models.TableDescriptor{Name: tableName})
		}
		t := &tables[pos]

		if d := field(rec, colTableDescription); d != "" && t.Description == "" {
			t.Description = d
		}
		if n := parseCount(field(rec, colTotalRows)); n > t.RowCount {
			t.RowCount = n
		}

		columnName := field(rec, colColumnName)
		if columnName == "" {
			continue
		}
		if _, exists := t.Column(columnName); exists {
			continue
		}
		t.Columns = append(t.Columns, models.ColumnDescriptor{
			Name:        columnName,
			Type:        field(rec, colDataType),
			Cardinality: parseCount(field(rec, colCardinality)),
			Description: field(rec, colColumnDescription),
		})
	}

	if len(tables) == 0 {
		return nil, errors.New("metadata file has no table rows")
	}
	return tables, nil
}

// parseCount accepts integers and floats ("1200", "1.2e6"); anything else is 0.
func parseCount(s string) int64 {
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return int64(f)
	}
	return 0
}

// Indexer loads the metadata table into the store's schema index.
type Indexer struct {
	store  Store
	logger *zap.Logger
}

// NewIndexer creates an indexer writing to store.
func NewIndexer(store Store, logger *zap.Logger) *Indexer {
	return &Indexer{
		store:  store,
		logger: logger.Named("metadata-indexer"),
	}
}

// IndexFile reads the metadata CSV at path and replaces the schema index with it.
// It returns the number of indexed tables.
func (i *Indexer) IndexFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening metadata file: %w", err)
	}
	defer f.Close()

	tables, err := LoadMetadataCSV(f)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}

	if err := i.store.ReplaceSchema(ctx, tables); err != nil {
		return 0, fmt.Errorf("indexing %s: %w", path, err)
	}

	i.logger.Info("Indexed metadata",
		zap.String("path", path),
		zap.Int("tables", len(tables)))
	return len(tables), nil
}
