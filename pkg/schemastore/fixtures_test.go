package schemastore

import (
	"github.com/ekaya-inc/ekaya-refine/pkg/config"
	"github.com/ekaya-inc/ekaya-refine/pkg/models"
)

func fixtureTables() []models.TableDescriptor {
	return []models.TableDescriptor{
		{
			Name:        "orders",
			Description: "Customer orders with order totals",
			RowCount:    5_000_000,
			Columns: []models.ColumnDescriptor{
				{Name: "order_id", Type: "integer", Cardinality: 5_000_000, Description: "Order identifier"},
				{Name: "customer_id", Type: "integer", Cardinality: 80_000, Description: "Customer who placed the order"},
				{Name: "order_date", Type: "date", Cardinality: 1_500, Description: "Date the order was placed"},
				{Name: "total_amount", Type: "numeric", Description: "Total order amount in USD"},
			},
		},
		{
			Name:        "customers",
			Description: "Customer master data",
			RowCount:    80_000,
			Columns: []models.ColumnDescriptor{
				{Name: "customer_id", Type: "integer", Description: "Customer identifier"},
				{Name: "name", Type: "text", Description: "Customer name"},
				{Name: "region", Type: "text", Cardinality: 6, Description: "Sales region of the customer"},
			},
		},
		{
			Name:        "web_sessions",
			Description: "Website visits and page views",
			RowCount:    90_000_000,
			Columns: []models.ColumnDescriptor{
				{Name: "session_id", Type: "uuid", Description: "Visit identifier"},
				{Name: "page_url", Type: "text", Description: "Viewed page"},
				{Name: "visited_at", Type: "timestamp", Description: "Time of the visit"},
			},
		},
	}
}

func configWithPath(path string) config.StoreConfig {
	return config.StoreConfig{SQLitePath: path}
}
