package geometry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/anandtrivedi/koop-provider-databricks/internal/core/model"
)

// BBoxWKT renders bb as a closed, counter-clockwise POLYGON ring.
func BBoxWKT(bb model.BBox) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	pts := [][2]float64{
		{bb.X1, bb.Y1}, {bb.X2, bb.Y1}, {bb.X2, bb.Y2}, {bb.X1, bb.Y2}, {bb.X1, bb.Y1},
	}
	out := make([]string, 0, len(pts))
	for _, p := range pts {
		out = append(out, f(p[0])+" "+f(p[1]))
	}
	return fmt.Sprintf("POLYGON((%s))", strings.Join(out, ", "))
}

type esriEnvelope struct {
	XMin             *float64 `json:"xmin"`
	YMin             *float64 `json:"ymin"`
	XMax             *float64 `json:"xmax"`
	YMax             *float64 `json:"ymax"`
	SpatialReference *struct {
		WKID       int `json:"wkid"`
		LatestWKID int `json:"latestWkid"`
	} `json:"spatialReference"`
}

// ParseEnvelope accepts "xmin,ymin,xmax,ymax" or an envelope JSON object.
// srid is used when the input does not name a spatial reference.
func ParseEnvelope(raw string, srid int) (model.BBox, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return model.BBox{}, errors.New("empty envelope")
	}
	var bb model.BBox
	if strings.HasPrefix(raw, "{") {
		var env esriEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return model.BBox{}, fmt.Errorf("parse envelope json: %w", err)
		}
		if env.XMin == nil || env.YMin == nil || env.XMax == nil || env.YMax == nil {
			return model.BBox{}, errors.New("envelope json needs xmin, ymin, xmax and ymax")
		}
		bb = model.BBox{X1: *env.XMin, Y1: *env.YMin, X2: *env.XMax, Y2: *env.YMax, SRID: srid}
		if sr := env.SpatialReference; sr != nil {
			switch {
			case sr.LatestWKID > 0:
				bb.SRID = sr.LatestWKID
			case sr.WKID > 0:
				bb.SRID = sr.WKID
			}
		}
	} else {
		parts := strings.Split(raw, ",")
		if len(parts) != 4 {
			return model.BBox{}, fmt.Errorf("expected 4 comma-separated values, got %d", len(parts))
		}
		var v [4]float64
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return model.BBox{}, fmt.Errorf("coordinate %d: %w", i, err)
			}
			v[i] = f
		}
		bb = model.BBox{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3], SRID: srid}
	}

	for _, c := range []float64{bb.X1, bb.Y1, bb.X2, bb.Y2} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return model.BBox{}, errors.New("coordinates must be finite")
		}
	}
	if bb.X2 < bb.X1 || bb.Y2 < bb.Y1 {
		return model.BBox{}, errors.New("coordinates must satisfy xmax>=xmin and ymax>=ymin")
	}
	return bb, nil
}
