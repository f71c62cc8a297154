// Package engine serves FeatureServer queries against a SQL warehouse: it
// parses parameters, builds one statement, runs it on a per-request session
// and translates the rows back into features or an aggregate result.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/spf13/cast"

	"github.com/anandtrivedi/koop-provider-databricks/internal/cache/keys"
	"github.com/anandtrivedi/koop-provider-databricks/internal/core/apperrors"
	"github.com/anandtrivedi/koop-provider-databricks/internal/core/model"
	"github.com/anandtrivedi/koop-provider-databricks/internal/core/observability"
	"github.com/anandtrivedi/koop-provider-databricks/internal/logger"
	"github.com/anandtrivedi/koop-provider-databricks/internal/metadata"
	"github.com/anandtrivedi/koop-provider-databricks/internal/queryevents"
	"github.com/anandtrivedi/koop-provider-databricks/internal/ratelimit"
	"github.com/anandtrivedi/koop-provider-databricks/internal/sqlbuilder"
	"github.com/anandtrivedi/koop-provider-databricks/internal/translate"
	"github.com/anandtrivedi/koop-provider-databricks/internal/validate"
)

// Sessions hands out one connection per request. *dbconn.Manager
// implements it.
type Sessions interface {
	Session(ctx context.Context) (*sql.Conn, error)
}

type EventPublisher interface {
	Publish(ev queryevents.Event)
}

type Request struct {
	Table    string
	Params   url.Values
	ClientID string
}

type Options struct {
	Builder          *sqlbuilder.Builder
	Metadata         *metadata.Cache
	Sessions         Sessions
	Limiter          *ratelimit.Limiter // nil disables rate limiting
	Events           EventPublisher     // optional
	StatementTimeout time.Duration
	SRID             int
	Log              *slog.Logger
}

type Engine struct {
	opts Options
	tr   *translate.Translator
	log  *slog.Logger
}

func New(opts Options) (*Engine, error) {
	switch {
	case opts.Builder == nil:
		return nil, apperrors.Config("engine needs a SQL builder")
	case opts.Metadata == nil:
		return nil, apperrors.Config("engine needs a metadata cache")
	case opts.Sessions == nil:
		return nil, apperrors.Config("engine needs a session source")
	}
	if opts.StatementTimeout <= 0 {
		opts.StatementTimeout = 60 * time.Second
	}
	if opts.SRID <= 0 {
		opts.SRID = 4326
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Engine{opts: opts, tr: translate.New(log), log: log}, nil
}

// GetData answers one query. The result is *model.FeatureCollection,
// model.CountResult, model.IDsResult or model.ExtentResult.
func (e *Engine) GetData(ctx context.Context, req Request) (model.Result, error) {
	ctx = logger.WithTable(logger.WithClient(ctx, req.ClientID), req.Table)

	if e.opts.Limiter != nil {
		// Allow counts the rejection
		if ok, retry := e.opts.Limiter.Allow(req.ClientID); !ok {
			e.log.WarnContext(ctx, "rate limited", "retry_after", retry)
			return nil, &apperrors.RateLimitError{RetryAfter: retry}
		}
	}

	if err := validate.TableName(req.Table); err != nil {
		return nil, apperrors.InvalidParam("table", err)
	}

	q, warns, err := ParseParams(req.Params, e.opts.SRID)
	for _, w := range warns {
		e.log.WarnContext(ctx, w)
	}
	if err != nil {
		return nil, err
	}
	ctx = logger.WithQueryMode(ctx, string(q.Mode))

	if q.Where != "" {
		if fp, bad := validate.Suspicion(q.Where); bad {
			observability.IncWhereSuspicious()
			e.log.WarnContext(ctx, "where clause flagged by libinjection", "fingerprint", fp)
		}
	}

	stmt, err := e.statement(req.Table, q)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, rows, err := e.run(ctx, req.Table, q, stmt)
	dur := time.Since(start)

	outcome := "ok"
	switch {
	case errors.Is(err, apperrors.ErrTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	observability.ObserveStatement(string(q.Mode), outcome, dur.Seconds())
	e.publish(ctx, req, q, rows, dur, outcome)

	if err != nil {
		e.log.ErrorContext(ctx, "query failed", "err", err, "duration", dur)
		return nil, err
	}
	e.log.DebugContext(ctx, "query served", "rows", rows, "duration", dur)
	return res, nil
}

func (e *Engine) statement(table string, q model.FeatureQuery) (string, error) {
	b := e.opts.Builder
	switch q.Mode {
	case model.ModeCount:
		return b.Count(table, q)
	case model.ModeIDs:
		return b.IDs(table, q)
	case model.ModeExtent:
		return b.Extent(table, q)
	default:
		return b.Query(table, q)
	}
}

// run executes stmt on a fresh session. The rows and the session are
// always released before it returns.
func (e *Engine) run(ctx context.Context, table string, q model.FeatureQuery, stmt string) (model.Result, int, error) {
	conn, err := e.opts.Sessions.Session(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			e.log.WarnContext(ctx, "close session", "err", cerr)
		}
	}()

	sctx, cancel := context.WithTimeout(ctx, e.opts.StatementTimeout)
	defer cancel()

	records, err := queryMaps(sctx, conn, stmt)
	if err != nil {
		return nil, 0, execError(sctx, err)
	}

	switch q.Mode {
	case model.ModeCount:
		return countResult(records), 1, nil
	case model.ModeIDs:
		return e.idsResult(records), len(records), nil
	case model.ModeExtent:
		return e.extentResult(records), 1, nil
	}

	features := e.tr.Features(ctx, records, q.ReturnGeometry)
	fc := &model.FeatureCollection{
		Type:     "FeatureCollection",
		Features: features,
		Metadata: model.Metadata{
			IDField:        e.opts.Builder.IDField(),
			Name:           table,
			MaxRecordCount: e.opts.Builder.MaxRecordCount(),
			Fields:         e.opts.Metadata.FieldMetadata(ctx, table, conn),
		},
		FiltersApplied: model.FiltersApplied{
			Where:      q.Where != "",
			Geometry:   q.BBox != nil || q.H3 != nil,
			Offset:     true,
			Limit:      true,
			Projection: true,
			ObjectIDs:  len(q.ObjectIDs) > 0,
		},
	}
	if q.ReturnGeometry {
		fc.Metadata.GeometryType = e.tr.GeometryType(ctx, features)
		fc.Metadata.Extent = translate.Extent(features, e.opts.SRID)
	}
	return fc, len(features), nil
}

func execError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", apperrors.ErrTimeout, err)
	}
	if errors.Is(err, apperrors.ErrExecution) {
		return err
	}
	return fmt.Errorf("%w: %w", apperrors.ErrExecution, err)
}

// queryMaps reads every row of stmt into a column -> value map.
func queryMaps(ctx context.Context, conn *sql.Conn, stmt string) ([]map[string]any, error) {
	rows, err := conn.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		rec := make(map[string]any, len(cols))
		for i, c := range cols {
			rec[c] = vals[i]
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func countResult(records []map[string]any) model.CountResult {
	if len(records) == 0 {
		return model.CountResult{}
	}
	return model.CountResult{Count: cast.ToInt64(records[0]["count"])}
}

func (e *Engine) idsResult(records []map[string]any) model.IDsResult {
	id := e.opts.Builder.IDField()
	ids := make([]any, 0, len(records))
	for _, r := range records {
		v := r[id]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		ids = append(ids, v)
	}
	return model.IDsResult{ObjectIDFieldName: id, ObjectIDs: ids}
}

// extentResult returns a nil extent when no row had a geometry.
func (e *Engine) extentResult(records []map[string]any) model.ExtentResult {
	if len(records) == 0 {
		return model.ExtentResult{}
	}
	r := records[0]
	var v [4]float64
	for i, k := range []string{"xmin", "ymin", "xmax", "ymax"} {
		if r[k] == nil {
			return model.ExtentResult{}
		}
		f, err := cast.ToFloat64E(r[k])
		if err != nil {
			e.log.Warn("extent bound not numeric", "bound", k, "err", err)
			return model.ExtentResult{}
		}
		v[i] = f
	}
	return model.ExtentResult{Extent: &model.Extent{
		XMin: v[0], YMin: v[1], XMax: v[2], YMax: v[3],
		SpatialReference: &model.SpatialReference{WKID: e.opts.SRID},
	}}
}

func (e *Engine) publish(ctx context.Context, req Request, q model.FeatureQuery, rows int, dur time.Duration, outcome string) {
	if e.opts.Events == nil {
		return
	}
	e.opts.Events.Publish(queryevents.Event{
		Table:       req.Table,
		Mode:        string(q.Mode),
		Fingerprint: keys.Query(req.Table, q.Where),
		RequestID:   logger.RequestID(ctx),
		Client:      req.ClientID,
		Rows:        rows,
		DurationMS:  dur.Milliseconds(),
		Outcome:     outcome,
	})
}

// LayerInfo describes table without running a query: id field, limits and
// the cached field list.
func (e *Engine) LayerInfo(ctx context.Context, table string) (model.Metadata, error) {
	if err := validate.TableName(table); err != nil {
		return model.Metadata{}, apperrors.InvalidParam("table", err)
	}
	ctx = logger.WithTable(ctx, table)
	conn, err := e.opts.Sessions.Session(ctx)
	if err != nil {
		return model.Metadata{}, err
	}
	defer func() { _ = conn.Close() }()

	return model.Metadata{
		IDField:        e.opts.Builder.IDField(),
		Name:           table,
		MaxRecordCount: e.opts.Builder.MaxRecordCount(),
		Fields:         e.opts.Metadata.FieldMetadata(ctx, table, conn),
	}, nil
}
