// Package sqlbuilder composes validated fragments into the four statement
// shapes the engine runs: full query, count, ids and extent.
package sqlbuilder

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/anandtrivedi/koop-provider-databricks/internal/core/apperrors"
	"github.com/anandtrivedi/koop-provider-databricks/internal/core/model"
	"github.com/anandtrivedi/koop-provider-databricks/internal/geometry"
	"github.com/anandtrivedi/koop-provider-databricks/internal/mapper"
	h3mapper "github.com/anandtrivedi/koop-provider-databricks/internal/mapper/h3"
	"github.com/anandtrivedi/koop-provider-databricks/internal/validate"
)

type Options struct {
	IDField            string
	Geometry           geometry.Expr
	MaxRecordCount     int
	DefaultRecordCount int
	Dialect            Dialect

	// Cells computes H3 coverings in process. When nil the covering is
	// delegated to the engine, which only Databricks supports.
	Cells       mapper.Coverer
	BigIntCells bool
}

type Builder struct {
	opts Options
}

func New(opts Options) (*Builder, error) {
	if err := validate.ColumnName(opts.IDField); err != nil {
		return nil, apperrors.Config("id field: %v", err)
	}
	if err := validate.ColumnName(opts.Geometry.Column); err != nil {
		return nil, apperrors.Config("geometry column: %v", err)
	}
	if opts.MaxRecordCount <= 0 {
		return nil, apperrors.Config("max record count must be positive")
	}
	if opts.DefaultRecordCount <= 0 || opts.DefaultRecordCount > opts.MaxRecordCount {
		opts.DefaultRecordCount = opts.MaxRecordCount
	}
	if opts.Dialect == "" {
		opts.Dialect = Databricks
	}
	if opts.Dialect == SQLite && opts.Cells == nil {
		return nil, apperrors.Config("sqlite dialect needs a local H3 cell mapper")
	}
	return &Builder{opts: opts}, nil
}

func (b *Builder) IDField() string { return b.opts.IDField }
func (b *Builder) MaxRecordCount() int { return b.opts.MaxRecordCount }
func (b *Builder) Geometry() geometry.Expr { return b.opts.Geometry }
func (b *Builder) Dialect() Dialect { return b.opts.Dialect }

// Count builds SELECT COUNT(*) FROM t [WHERE ...].
func (b *Builder) Count(table string, q model.FeatureQuery) (string, error) {
	if err := checkTable(table); err != nil {
		return "", err
	}
	where, err := b.Where(q)
	if err != nil {
		return "", err
	}
	return "SELECT COUNT(*) AS count FROM " + table + whereSQL(where), nil
}

// IDs always orders, by the caller's list or by the id column.
func (b *Builder) IDs(table string, q model.FeatureQuery) (string, error) {
	if err := checkTable(table); err != nil {
		return "", err
	}
	where, err := b.Where(q)
	if err != nil {
		return "", err
	}
	limit, offset, err := b.page(q)
	if err != nil {
		return "", err
	}
	order := b.opts.IDField
	if q.OrderBy != "" {
		if order, err = SanitizeOrderBy(q.OrderBy); err != nil {
			return "", apperrors.InvalidParam("orderByFields", err)
		}
	}
	var sb strings.Builder
	sb.WriteString("SELECT " + b.opts.IDField + " FROM " + table + whereSQL(where))
	sb.WriteString(" ORDER BY " + order)
	sb.WriteString(pageSQL(limit, offset))
	return sb.String(), nil
}

func (b *Builder) Extent(table string, q model.FeatureQuery) (string, error) {
	if err := checkTable(table); err != nil {
		return "", err
	}
	where, err := b.Where(q)
	if err != nil {
		return "", err
	}
	bounds := b.opts.Geometry.EnvelopeBounds()
	return "SELECT " + strings.Join(bounds[:], ", ") + " FROM " + table + whereSQL(where), nil
}

// Query builds the full feature statement.
func (b *Builder) Query(table string, q model.FeatureQuery) (string, error) {
	if err := checkTable(table); err != nil {
		return "", err
	}
	sel, err := b.SelectClause(q.OutFields, q.ReturnGeometry)
	if err != nil {
		return "", err
	}
	where, err := b.Where(q)
	if err != nil {
		return "", err
	}
	limit, offset, err := b.page(q)
	if err != nil {
		return "", err
	}

	var order string
	switch {
	case q.OrderBy != "":
		if order, err = SanitizeOrderBy(q.OrderBy); err != nil {
			return "", apperrors.InvalidParam("orderByFields", err)
		}
	case offset > 0 || limit < b.opts.MaxRecordCount:
		// stable paging needs a total order
		order = b.opts.IDField
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + sel + " FROM " + table + whereSQL(where))
	if order != "" {
		sb.WriteString(" ORDER BY " + order)
	}
	sb.WriteString(pageSQL(limit, offset))
	return sb.String(), nil
}

// SelectClause returns "*" or the validated field list, plus the GeoJSON
// carrier column when withGeometry is set.
func (b *Builder) SelectClause(outFields string, withGeometry bool) (string, error) {
	proj := "*"
	if f := strings.TrimSpace(outFields); f != "" && f != "*" {
		fields, err := validate.ColumnList(f)
		if err != nil {
			return "", apperrors.InvalidParam("outFields", err)
		}
		proj = strings.Join(fields, ", ")
	}
	if !withGeometry {
		return proj, nil
	}
	return proj + ", " + b.opts.Geometry.AsGeoJSON() + " AS `" + model.GeometryCarrier + "`", nil
}

// Where AND-joins every filter carried by q. The result has no WHERE
// keyword and is empty when nothing applies.
func (b *Builder) Where(q model.FeatureQuery) (string, error) {
	var preds []string

	if w := strings.TrimSpace(q.Where); w != "" && !validate.IsAlwaysTrue(w) {
		if err := validate.WhereClause(w); err != nil {
			return "", apperrors.InvalidParam("where", err)
		}
		preds = append(preds, "("+w+")")
	}

	if q.BBox != nil {
		preds = append(preds, b.opts.Geometry.IntersectsBBox(*q.BBox))
	}

	if q.H3 != nil {
		p, err := b.h3Predicate(*q.H3)
		if err != nil {
			return "", err
		}
		preds = append(preds, p)
	}

	if q.Time != nil {
		p, err := b.timePredicate(*q.Time)
		if err != nil {
			return "", err
		}
		if p != "" {
			preds = append(preds, p)
		}
	}

	if len(q.ObjectIDs) > 0 {
		ids := make([]string, len(q.ObjectIDs))
		for i, id := range q.ObjectIDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		preds = append(preds, b.opts.IDField+" IN ("+strings.Join(ids, ", ")+")")
	}

	return strings.Join(preds, " AND "), nil
}

func (b *Builder) h3Predicate(f model.H3Filter) (string, error) {
	if err := validate.ColumnName(f.Column); err != nil {
		return "", apperrors.InvalidParam("h3col", err)
	}
	if err := h3mapper.ValidateRes(f.Res); err != nil {
		return "", apperrors.InvalidParam("h3res", err)
	}

	if b.opts.Cells == nil {
		cover := b.opts.Dialect.h3Cover(geometry.BBoxWKT(f.BBox), f.Res, b.opts.BigIntCells)
		return fmt.Sprintf("array_contains(%s, %s)", cover, f.Column), nil
	}

	cells, err := b.opts.Cells.CellsForBBox(f.BBox, f.Res)
	if err != nil {
		return "", apperrors.InvalidParam("h3res", err)
	}
	if len(cells) == 0 {
		return "1=0", nil
	}
	lits := make([]string, 0, len(cells))
	for _, c := range cells {
		n, err := strconv.ParseUint(c, 16, 64)
		if err != nil {
			return "", apperrors.InvalidParam("h3res", fmt.Errorf("bad cell %q: %w", c, err))
		}
		if b.opts.BigIntCells {
			lits = append(lits, strconv.FormatUint(n, 10))
		} else {
			lits = append(lits, "'"+strconv.FormatUint(n, 16)+"'")
		}
	}
	return f.Column + " IN (" + strings.Join(lits, ", ") + ")", nil
}

func (b *Builder) timePredicate(f model.TimeFilter) (string, error) {
	if err := validate.ColumnName(f.Field); err != nil {
		return "", apperrors.InvalidParam("timeField", err)
	}
	d := b.opts.Dialect
	if f.Instant && f.Start != nil {
		return f.Field + " = " + d.Timestamp(*f.Start), nil
	}
	var parts []string
	if f.Start != nil {
		parts = append(parts, f.Field+" >= "+d.Timestamp(*f.Start))
	}
	if f.End != nil {
		parts = append(parts, f.Field+" < "+d.Timestamp(*f.End))
	}
	return strings.Join(parts, " AND "), nil
}

// page applies the record count defaults and the configured ceiling.
func (b *Builder) page(q model.FeatureQuery) (limit, offset int, err error) {
	if q.Offset < 0 {
		return 0, 0, apperrors.InvalidParam("resultOffset", errors.New("must be >= 0"))
	}
	limit = q.Limit
	if limit <= 0 {
		limit = b.opts.DefaultRecordCount
	}
	if limit > b.opts.MaxRecordCount {
		limit = b.opts.MaxRecordCount
	}
	return limit, q.Offset, nil
}

func checkTable(table string) error {
	if err := validate.TableName(table); err != nil {
		return apperrors.InvalidParam("table", err)
	}
	return nil
}

func whereSQL(where string) string {
	if where == "" {
		return ""
	}
	return " WHERE " + where
}

func pageSQL(limit, offset int) string {
	s := " LIMIT " + strconv.Itoa(limit)
	if offset > 0 {
		s += " OFFSET " + strconv.Itoa(offset)
	}
	return s
}
