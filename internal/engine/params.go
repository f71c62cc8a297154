package engine

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/anandtrivedi/koop-provider-databricks/internal/core/apperrors"
	"github.com/anandtrivedi/koop-provider-databricks/internal/core/model"
	"github.com/anandtrivedi/koop-provider-databricks/internal/geometry"
)

const envelopeType = "esriGeometryEnvelope"

// ParseParams turns FeatureServer query parameters into a FeatureQuery.
//
// Anything that ends up in SQL as text (identifiers, the H3 resolution,
// objectIds, paging) fails hard. Malformed bbox and time values are
// re-rendered from parsed numbers, so they only drop the filter and add a
// warning.
func ParseParams(p url.Values, srid int) (model.FeatureQuery, []string, error) {
	var warns []string
	get := func(k string) string { return strings.TrimSpace(p.Get(k)) }

	q := model.FeatureQuery{
		Where:          get("where"),
		OutFields:      get("outFields"),
		OrderBy:        get("orderByFields"),
		GeometryType:   get("geometryType"),
		ReturnGeometry: boolParam(get("returnGeometry"), true),
		Mode:           mode(p),
	}

	var err error
	if q.Offset, err = intParam(get("resultOffset"), "resultOffset"); err != nil {
		return model.FeatureQuery{}, warns, err
	}
	if q.Limit, err = intParam(get("resultRecordCount"), "resultRecordCount"); err != nil {
		return model.FeatureQuery{}, warns, err
	}

	if raw := get("geometry"); raw != "" {
		switch {
		case q.GeometryType != "" && q.GeometryType != envelopeType:
			warns = append(warns, fmt.Sprintf("geometryType %q not supported; geometry filter ignored", q.GeometryType))
		default:
			bb, err := geometry.ParseEnvelope(raw, srid)
			if err != nil {
				warns = append(warns, "invalid geometry envelope; filter ignored: "+err.Error())
			} else {
				q.BBox = &bb
			}
		}
	}

	h3, w, err := h3Param(p, srid)
	if err != nil {
		return model.FeatureQuery{}, warns, err
	}
	warns = append(warns, w...)
	q.H3 = h3

	tf, w := timeParam(get("time"), get("timeField"))
	warns = append(warns, w...)
	q.Time = tf

	if q.ObjectIDs, err = objectIDs(get("objectIds")); err != nil {
		return model.FeatureQuery{}, warns, err
	}
	return q, warns, nil
}

// mode picks the first aggregate flag set, in the order count, ids, extent.
func mode(p url.Values) model.QueryMode {
	switch {
	case boolParam(p.Get("returnCountOnly"), false):
		return model.ModeCount
	case boolParam(p.Get("returnIdsOnly"), false):
		return model.ModeIDs
	case boolParam(p.Get("returnExtentOnly"), false):
		return model.ModeExtent
	default:
		return model.ModeFeatures
	}
}

func boolParam(v string, def bool) bool {
	if strings.TrimSpace(v) == "" {
		return def
	}
	b, err := cast.ToBoolE(strings.ToLower(strings.TrimSpace(v)))
	if err != nil {
		return def
	}
	return b
}

func intParam(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, apperrors.InvalidParam(name, fmt.Errorf("not an integer: %q", v))
	}
	if n < 0 {
		return 0, apperrors.InvalidParam(name, errors.New("must be >= 0"))
	}
	return n, nil
}

// h3Param reads the legacy cell filter. The envelope comes from bbox, or
// from geometry when bbox is absent.
func h3Param(p url.Values, srid int) (*model.H3Filter, []string, error) {
	col := strings.TrimSpace(p.Get("h3col"))
	rawRes := strings.TrimSpace(p.Get("h3res"))
	if col == "" && rawRes == "" {
		return nil, nil, nil
	}
	if col == "" {
		return nil, nil, apperrors.InvalidParam("h3col", errors.New("required with h3res"))
	}
	if rawRes == "" {
		return nil, nil, apperrors.InvalidParam("h3res", errors.New("required with h3col"))
	}
	res, err := strconv.Atoi(rawRes)
	if err != nil {
		return nil, nil, apperrors.InvalidParam("h3res", fmt.Errorf("not an integer: %q", rawRes))
	}

	raw := strings.TrimSpace(p.Get("bbox"))
	if raw == "" {
		raw = strings.TrimSpace(p.Get("geometry"))
	}
	if raw == "" {
		return nil, []string{"h3col given without bbox or geometry; cell filter ignored"}, nil
	}
	bb, err := geometry.ParseEnvelope(raw, srid)
	if err != nil {
		return nil, []string{"invalid h3 bbox; cell filter ignored: " + err.Error()}, nil
	}
	return &model.H3Filter{Column: col, Res: res, BBox: bb}, nil, nil
}

// timeParam reads "t" (an instant) or "start,end" in epoch milliseconds,
// where "null" leaves that side open.
func timeParam(raw, field string) (*model.TimeFilter, []string) {
	if raw == "" {
		return nil, nil
	}
	if field == "" {
		return nil, []string{"time given without timeField; time filter ignored"}
	}

	parts := strings.Split(raw, ",")
	if len(parts) > 2 {
		return nil, []string{fmt.Sprintf("time %q has more than two values; time filter ignored", raw)}
	}
	bounds := make([]*time.Time, len(parts))
	for i, s := range parts {
		t, err := epochMillis(s)
		if err != nil {
			return nil, []string{"invalid time; time filter ignored: " + err.Error()}
		}
		bounds[i] = t
	}

	tf := &model.TimeFilter{Field: field, Start: bounds[0]}
	if len(bounds) == 1 {
		if tf.Start == nil {
			return nil, nil
		}
		tf.Instant = true
		return tf, nil
	}
	tf.End = bounds[1]
	if tf.Start == nil && tf.End == nil {
		return nil, nil
	}
	if tf.Start != nil && tf.End != nil && tf.End.Before(*tf.Start) {
		return nil, []string{"time range end before start; time filter ignored"}
	}
	return tf, nil
}

func epochMillis(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") {
		return nil, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("not epoch milliseconds: %q", s)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

func objectIDs(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []int64
	for s := range strings.SplitSeq(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, apperrors.InvalidParam("objectIds", fmt.Errorf("not an integer: %q", s))
		}
		ids = append(ids, id)
	}
	return ids, nil
}
