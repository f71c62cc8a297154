package metadata

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cast"

	"github.com/anandtrivedi/koop-provider-databricks/internal/core/model"
)

type column struct {
	name, sqlType string
	nullable      bool
}

func (c *Cache) introspect(ctx context.Context, table string, q Querier) ([]model.Field, error) {
	rows, err := q.QueryContext(ctx, c.opts.Dialect.Describe(table))
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("describe columns: %w", err)
	}

	var cols []column
	if nameIdx := slices.Index(names, "col_name"); nameIdx >= 0 {
		typeIdx := slices.Index(names, "data_type")
		for rows.Next() {
			vals := make([]any, len(names))
			ptrs := make([]any, len(names))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return nil, fmt.Errorf("scan describe row: %w", err)
			}
			col := column{name: strings.TrimSpace(cast.ToString(vals[nameIdx])), nullable: true}
			if typeIdx >= 0 {
				col.sqlType = cast.ToString(vals[typeIdx])
			}
			cols = append(cols, col)
		}
	} else {
		// the statement returned the table itself; column types carry the schema
		types, err := rows.ColumnTypes()
		if err != nil {
			return nil, fmt.Errorf("column types: %w", err)
		}
		for _, ct := range types {
			nullable, ok := ct.Nullable()
			cols = append(cols, column{name: ct.Name(), sqlType: ct.DatabaseTypeName(), nullable: nullable || !ok})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("describe rows: %w", err)
	}
	return c.toFields(cols), nil
}

// toFields drops the geometry column, unnamed columns and "#" section
// markers, and keeps the first occurrence of each name.
func (c *Cache) toFields(cols []column) []model.Field {
	seen := make(map[string]struct{}, len(cols))
	out := make([]model.Field, 0, len(cols))
	for _, col := range cols {
		if col.name == "" || strings.HasPrefix(col.name, "#") {
			continue
		}
		if strings.EqualFold(col.name, c.opts.GeometryColumn) {
			continue
		}
		if _, dup := seen[col.name]; dup {
			continue
		}
		seen[col.name] = struct{}{}
		out = append(out, model.Field{
			Name:     col.name,
			Type:     FieldType(col.sqlType),
			Alias:    col.name,
			SQLType:  "sqlTypeOther",
			Nullable: col.nullable,
			Editable: false,
		})
	}
	return out
}

// FieldType maps an engine type name to an output field type. Parameters
// such as decimal(10,2) are ignored.
func FieldType(sqlType string) string {
	t := strings.ToLower(strings.TrimSpace(sqlType))
	if i := strings.IndexAny(t, "(<"); i >= 0 {
		t = t[:i]
	}
	switch strings.TrimSpace(t) {
	case "tinyint", "smallint", "byte", "short":
		return model.FieldTypeSmallInteger
	case "int", "integer":
		return model.FieldTypeInteger
	case "bigint", "long":
		return model.FieldTypeBigInteger
	case "float", "double", "real", "decimal", "numeric":
		return model.FieldTypeDouble
	case "date", "timestamp", "timestamp_ntz", "datetime":
		return model.FieldTypeDate
	default:
		return model.FieldTypeString
	}
}
