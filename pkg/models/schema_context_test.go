package models

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSchemaContext_DedupOrderAndCap(t *testing.T) {
	tables := []TableDescriptor{
		{Name: "orders", Score: 0.41},
		{Name: "customers", Score: 0.62},
		{Name: "orders", Score: 0.88},
		{Name: "ORDERS", Score: 0.12},
		{Name: "payments", Score: 0.62},
		{Name: "regions", Score: 0.30},
	}

	ctx := NewSchemaContext(tables, 3)

	require.Len(t, ctx.Tables, 3)
	assert.Equal(t, []string{"orders", "customers", "payments"}, ctx.TableNames())
	assert.InDelta(t, 0.88, ctx.Tables[0].Score, 1e-9)
	assert.NoError(t, ctx.Validate(3))
}

func TestNewSchemaContext_InvariantsHoldForAnyInput(t *testing.T) {
	for n := 0; n < 60; n += 7 {
		var tables []TableDescriptor
		for i := 0; i < n; i++ {
			tables = append(tables, TableDescriptor{
				Name:  fmt.Sprintf("t%d", i%9),
				Score: float64((i*37)%100) / 100,
			})
		}
		for _, limit := range []int{1, 5, 20} {
			ctx := NewSchemaContext(tables, limit)
			assert.LessOrEqual(t, len(ctx.Tables), limit)
			if n > 0 {
				assert.NoError(t, ctx.Validate(limit))
			}
		}
	}
}

func TestSchemaContext_Validate(t *testing.T) {
	assert.Error(t, (&SchemaContext{}).Validate(20))

	dup := &SchemaContext{Tables: []TableDescriptor{{Name: "a", Score: 0.9}, {Name: "A", Score: 0.5}}}
	assert.ErrorContains(t, dup.Validate(20), "duplicate")

	unordered := &SchemaContext{Tables: []TableDescriptor{{Name: "a", Score: 0.2}, {Name: "b", Score: 0.5}}}
	assert.ErrorContains(t, unordered.Validate(20), "ordered")

	tooMany := &SchemaContext{Tables: []TableDescriptor{{Name: "a"}, {Name: "b"}}}
	assert.ErrorContains(t, tooMany.Validate(1), "max is 1")
}

func TestSchemaContext_Table(t *testing.T) {
	ctx := &SchemaContext{Tables: []TableDescriptor{{Name: "sales.orders", Columns: []ColumnDescriptor{{Name: "order_date", Type: "date"}}}}}

	tbl, ok := ctx.Table("orders")
	require.True(t, ok)
	assert.Equal(t, "sales.orders", tbl.Name)

	col, ok := tbl.Column("ORDER_DATE")
	require.True(t, ok)
	assert.Equal(t, "date", col.Type)

	_, ok = ctx.Table("customers")
	assert.False(t, ok)
}
