package dbconn

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// SQLiteDriver is a go-sqlite3 driver with the ST_* functions the query
// builder emits. Geometries travel between functions as WKB blobs.
const SQLiteDriver = "sqlite3_st"

var registerOnce sync.Once

func registerSQLite() {
	registerOnce.Do(func() {
		sql.Register(SQLiteDriver, &sqlite3.SQLiteDriver{ConnectHook: registerSTFunctions})
	})
}

func registerSTFunctions(conn *sqlite3.SQLiteConn) error {
	funcs := map[string]any{
		"ST_GeomFromText":    stGeomFromText,
		"ST_GeomFromWKB":     stGeomFromWKB,
		"ST_GeomFromGeoJSON": stGeomFromGeoJSON,
		"ST_AsGeoJSON":       stAsGeoJSON,
		"ST_Intersects":      stIntersects,
		"ST_Envelope":        stEnvelope,
		"ST_XMin":            boundFn(func(b orb.Bound) float64 { return b.Min.X() }),
		"ST_YMin":            boundFn(func(b orb.Bound) float64 { return b.Min.Y() }),
		"ST_XMax":            boundFn(func(b orb.Bound) float64 { return b.Max.X() }),
		"ST_YMax":            boundFn(func(b orb.Bound) float64 { return b.Max.Y() }),
	}
	for name, fn := range funcs {
		if err := conn.RegisterFunc(name, fn, true); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

// toGeom accepts a WKB blob or, for a native geometry column stored as
// text, WKT.
func toGeom(v any) (orb.Geometry, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		if g, err := wkb.Unmarshal(x); err == nil {
			return g, nil
		}
		return wkt.Unmarshal(string(x))
	case string:
		return wkt.Unmarshal(x)
	default:
		return nil, fmt.Errorf("unsupported geometry value %T", v)
	}
}

func fromGeom(g orb.Geometry) (any, error) {
	if g == nil {
		return nil, nil
	}
	return wkb.Marshal(g)
}

func stGeomFromText(v any, _ int64) (any, error) {
	if v == nil {
		return nil, nil
	}
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case []byte:
		s = string(x)
	default:
		return nil, fmt.Errorf("ST_GeomFromText: unsupported value %T", v)
	}
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, fmt.Errorf("ST_GeomFromText: %w", err)
	}
	return fromGeom(g)
}

func stGeomFromWKB(v any) (any, error) {
	b, ok := v.([]byte)
	if !ok {
		if v == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("ST_GeomFromWKB: unsupported value %T", v)
	}
	g, err := wkb.Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("ST_GeomFromWKB: %w", err)
	}
	return fromGeom(g)
}

func stGeomFromGeoJSON(v any) (any, error) {
	var raw []byte
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		raw = []byte(x)
	case []byte:
		raw = x
	default:
		return nil, fmt.Errorf("ST_GeomFromGeoJSON: unsupported value %T", v)
	}
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, fmt.Errorf("ST_GeomFromGeoJSON: %w", err)
	}
	return fromGeom(g.Geometry())
}

func stAsGeoJSON(v any) (any, error) {
	g, err := toGeom(v)
	if err != nil || g == nil {
		return nil, err
	}
	b, err := geojson.NewGeometry(g).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("ST_AsGeoJSON: %w", err)
	}
	return string(b), nil
}

// stIntersects is exact when either side is a point; otherwise it tests
// bound overlap.
func stIntersects(a, b any) (any, error) {
	ga, err := toGeom(a)
	if err != nil {
		return nil, err
	}
	gb, err := toGeom(b)
	if err != nil {
		return nil, err
	}
	if ga == nil || gb == nil {
		return nil, nil
	}
	if !ga.Bound().Intersects(gb.Bound()) {
		return int64(0), nil
	}
	if p, ok := ga.(orb.Point); ok {
		return boolInt(containsPoint(gb, p)), nil
	}
	if p, ok := gb.(orb.Point); ok {
		return boolInt(containsPoint(ga, p)), nil
	}
	return int64(1), nil
}

func containsPoint(g orb.Geometry, p orb.Point) bool {
	switch v := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(v, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(v, p)
	case orb.Point:
		return v.Equal(p)
	default:
		return g.Bound().Contains(p)
	}
}

func stEnvelope(v any) (any, error) {
	g, err := toGeom(v)
	if err != nil || g == nil {
		return nil, err
	}
	return fromGeom(g.Bound().ToPolygon())
}

func boundFn(pick func(orb.Bound) float64) func(any) (any, error) {
	return func(v any) (any, error) {
		g, err := toGeom(v)
		if err != nil || g == nil {
			return nil, err
		}
		return pick(g.Bound()), nil
	}
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

var errNoSQLitePath = errors.New("sqlite path is required")
