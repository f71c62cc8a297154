package sqlbuilder

import (
	"fmt"
	"strings"
	"time"
)

// Dialect covers the few places where the remote engine and the local
// SQLite engine disagree on syntax.
type Dialect string

const (
	Databricks Dialect = "databricks"
	SQLite     Dialect = "sqlite"
)

func ParseDialect(s string) (Dialect, error) {
	switch Dialect(strings.ToLower(strings.TrimSpace(s))) {
	case Databricks:
		return Databricks, nil
	case SQLite:
		return SQLite, nil
	default:
		return "", fmt.Errorf("unknown dialect %q", s)
	}
}

const tsLayout = "2006-01-02 15:04:05.000"

// Timestamp renders t (in UTC) as a literal comparable with a timestamp column.
func (d Dialect) Timestamp(t time.Time) string {
	s := t.UTC().Format(tsLayout)
	if d == SQLite {
		return "'" + s + "'"
	}
	return "TIMESTAMP '" + s + "'"
}

// Describe returns the schema introspection statement for table. Databricks
// answers with col_name/data_type/comment rows; SQLite returns an empty
// result whose column types carry the schema.
func (d Dialect) Describe(table string) string {
	if d == SQLite {
		return "SELECT * FROM " + table + " LIMIT 0"
	}
	return "DESCRIBE TABLE " + table
}

// h3Cover returns the engine-side covering expression for a WKT polygon.
func (d Dialect) h3Cover(wkt string, res int, bigint bool) string {
	fn := "h3_coverash3string"
	if bigint {
		fn = "h3_coverash3"
	}
	return fmt.Sprintf("%s('%s', %d)", fn, wkt, res)
}
