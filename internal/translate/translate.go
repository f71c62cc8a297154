// Package translate turns result rows into features and derives extent and
// geometry type from them. Per-row failures degrade; they never fail a page.
package translate

import (
	"context"
	"log/slog"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/spf13/cast"

	"github.com/anandtrivedi/koop-provider-databricks/internal/core/model"
)

type Translator struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Translator {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Translator{log: log}
}

// Features converts rows to features. The carrier column is parsed as the
// geometry when withGeometry is set and always dropped from properties.
func (t *Translator) Features(ctx context.Context, rows []map[string]any, withGeometry bool) []model.Feature {
	out := make([]model.Feature, 0, len(rows))
	for i, row := range rows {
		f := model.Feature{Type: "Feature", Properties: make(map[string]any, len(row))}
		for k, v := range row {
			if k == model.GeometryCarrier {
				continue
			}
			f.Properties[k] = normalizeValue(v)
		}
		if withGeometry {
			f.Geometry = t.parseCarrier(ctx, i, row[model.GeometryCarrier])
		}
		out = append(out, f)
	}
	return out
}

func (t *Translator) parseCarrier(ctx context.Context, row int, v any) *geojson.Geometry {
	if v == nil {
		return nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		t.log.WarnContext(ctx, "geometry carrier is not text", "row", row, "err", err)
		return nil
	}
	if s == "" {
		return nil
	}
	g, err := geojson.UnmarshalGeometry([]byte(s))
	if err != nil {
		t.log.WarnContext(ctx, "malformed geometry, returning null", "row", row, "err", err)
		return nil
	}
	return g
}

// normalizeValue maps driver values onto JSON-friendly scalars. Dates
// become epoch milliseconds as the query protocol expects.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return cast.ToString(x)
	case time.Time:
		return x.UnixMilli()
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UnixMilli()
	default:
		return v
	}
}

// Extent is the union of every feature's geometry bounds, nil when no
// feature carries a non-empty geometry.
func Extent(features []model.Feature, wkid int) *model.Extent {
	var (
		acc   orb.Bound
		found bool
	)
	for _, f := range features {
		if f.Geometry == nil {
			continue
		}
		b, ok := bounds(f.Geometry.Geometry())
		if !ok {
			continue
		}
		if !found {
			acc, found = b, true
			continue
		}
		acc = acc.Union(b)
	}
	if !found {
		return nil
	}
	ext := &model.Extent{XMin: acc.Min.X(), YMin: acc.Min.Y(), XMax: acc.Max.X(), YMax: acc.Max.Y()}
	if wkid > 0 {
		ext.SpatialReference = &model.SpatialReference{WKID: wkid}
	}
	return ext
}

// bounds recurses through collections and skips empty members.
func bounds(g orb.Geometry) (orb.Bound, bool) {
	switch v := g.(type) {
	case nil:
		return orb.Bound{}, false
	case orb.Point:
		return v.Bound(), true
	case orb.Collection:
		var (
			acc orb.Bound
			ok  bool
		)
		for _, m := range v {
			b, has := bounds(m)
			if !has {
				continue
			}
			if !ok {
				acc, ok = b, true
				continue
			}
			acc = acc.Union(b)
		}
		return acc, ok
	default:
		if isEmpty(g) {
			return orb.Bound{}, false
		}
		return g.Bound(), true
	}
}

func isEmpty(g orb.Geometry) bool {
	switch v := g.(type) {
	case orb.MultiPoint:
		return len(v) == 0
	case orb.LineString:
		return len(v) == 0
	case orb.MultiLineString:
		for _, ls := range v {
			if len(ls) > 0 {
				return false
			}
		}
		return true
	case orb.Ring:
		return len(v) == 0
	case orb.Polygon:
		return len(v) == 0 || len(v[0]) == 0
	case orb.MultiPolygon:
		for _, p := range v {
			if len(p) > 0 && len(p[0]) > 0 {
				return false
			}
		}
		return true
	case orb.Bound:
		return false
	}
	return false
}

// GeometryType maps the first feature's geometry to the output geometry
// class. Unknown or missing types fall back to point.
func (t *Translator) GeometryType(ctx context.Context, features []model.Feature) string {
	if len(features) == 0 || features[0].Geometry == nil {
		return model.GeometryPoint
	}
	typ := features[0].Geometry.Type
	switch typ {
	case "Point":
		return model.GeometryPoint
	case "MultiPoint":
		return model.GeometryMultipoint
	case "LineString", "MultiLineString":
		return model.GeometryPolyline
	case "Polygon", "MultiPolygon":
		return model.GeometryPolygon
	default:
		t.log.WarnContext(ctx, "unrecognized geometry type, defaulting to point", "type", typ)
		return model.GeometryPoint
	}
}
