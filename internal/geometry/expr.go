// Package geometry maps the configured storage encoding of the geometry
// column to SQL. Every statement that touches the column goes through Expr.
package geometry

import (
	"fmt"
	"strings"

	"github.com/anandtrivedi/koop-provider-databricks/internal/core/model"
)

type Encoding string

const (
	WKT     Encoding = "wkt"
	WKB     Encoding = "wkb"
	GeoJSON Encoding = "geojson"
	Native  Encoding = "geometry"
)

// ParseEncoding is case-insensitive; empty means WKT.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "wkt":
		return WKT, nil
	case "wkb":
		return WKB, nil
	case "geojson":
		return GeoJSON, nil
	case "geometry", "native":
		return Native, nil
	default:
		return "", fmt.Errorf("unknown geometry encoding %q (want wkt|wkb|geojson|geometry)", s)
	}
}

// Expr builds SQL fragments for one geometry column. Column must already be
// a validated identifier.
type Expr struct {
	Column   string
	Encoding Encoding
	SRID     int
}

// Geometry returns the expression yielding a native geometry value.
func (e Expr) Geometry() string {
	switch e.Encoding {
	case WKB:
		return fmt.Sprintf("ST_GeomFromWKB(%s)", e.Column)
	case GeoJSON:
		return fmt.Sprintf("ST_GeomFromGeoJSON(%s)", e.Column)
	case Native:
		return e.Column
	default:
		return fmt.Sprintf("ST_GeomFromText(%s, %d)", e.Column, e.srid())
	}
}

func (e Expr) AsGeoJSON() string {
	return fmt.Sprintf("ST_AsGeoJSON(%s)", e.Geometry())
}

// IntersectsBBox tests the row geometry against a literal rectangle. The
// rectangle is rendered from parsed floats, never from request text.
func (e Expr) IntersectsBBox(bb model.BBox) string {
	srid := bb.SRID
	if srid <= 0 {
		srid = e.srid()
	}
	return fmt.Sprintf("ST_Intersects(%s, ST_GeomFromText('%s', %d))", e.Geometry(), BBoxWKT(bb), srid)
}

// EnvelopeBounds returns the xmin, ymin, xmax, ymax aggregates over the
// envelope of every row geometry.
func (e Expr) EnvelopeBounds() [4]string {
	env := fmt.Sprintf("ST_Envelope(%s)", e.Geometry())
	return [4]string{
		fmt.Sprintf("MIN(ST_XMin(%s)) AS xmin", env),
		fmt.Sprintf("MIN(ST_YMin(%s)) AS ymin", env),
		fmt.Sprintf("MAX(ST_XMax(%s)) AS xmax", env),
		fmt.Sprintf("MAX(ST_YMax(%s)) AS ymax", env),
	}
}

func (e Expr) srid() int {
	if e.SRID <= 0 {
		return 4326
	}
	return e.SRID
}
