// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"time"

	"github.com/paulmach/orb/geojson"
)

// BBox is an axis-aligned rectangle in the given spatial reference.
type BBox struct {
	X1, Y1 float64
	X2, Y2 float64
	SRID   int
}

// String representation matching the FeatureServer envelope CSV form
func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f,%d", b.X1, b.Y1, b.X2, b.Y2, b.SRID)
}

type Cells []string

// GeometryCarrier is the result column holding the per-row GeoJSON text.
// "$" is never accepted in a column name, so it cannot collide.
const GeometryCarrier = "$geojson"

type QueryMode string

const (
	ModeFeatures QueryMode = "features"
	ModeCount    QueryMode = "count"
	ModeIDs      QueryMode = "ids"
	ModeExtent   QueryMode = "extent"
)

// H3Filter is the legacy cell-index filter. Column and Res are validated by
// the SQL builder, never trusted here.
type H3Filter struct {
	Column string
	Res    int
	BBox   BBox
}

// TimeFilter is either an instant (Start only, Instant set) or a half-open
// range [Start, End). A nil bound means unbounded on that side.
type TimeFilter struct {
	Field   string
	Start   *time.Time
	End     *time.Time
	Instant bool
}

// FeatureQuery is the parsed form of one query request. Free-text fields are
// kept raw; they only reach SQL through the validators.
type FeatureQuery struct {
	Where          string
	BBox           *BBox
	GeometryType   string
	OutFields      string
	ReturnGeometry bool
	Offset         int
	Limit          int
	OrderBy        string
	ObjectIDs      []int64
	H3             *H3Filter
	Time           *TimeFilter
	Mode           QueryMode
}

const (
	FieldTypeInteger      = "esriFieldTypeInteger"
	FieldTypeBigInteger   = "esriFieldTypeBigInteger"
	FieldTypeDouble       = "esriFieldTypeDouble"
	FieldTypeDate         = "esriFieldTypeDate"
	FieldTypeSmallInteger = "esriFieldTypeSmallInteger"
	FieldTypeString       = "esriFieldTypeString"
)

const (
	GeometryPoint      = "esriGeometryPoint"
	GeometryMultipoint = "esriGeometryMultipoint"
	GeometryPolyline   = "esriGeometryPolyline"
	GeometryPolygon    = "esriGeometryPolygon"
)

type Field struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Alias        string `json:"alias"`
	SQLType      string `json:"sqlType"`
	Nullable     bool   `json:"nullable"`
	Editable     bool   `json:"editable"`
	Domain       any    `json:"domain"`
	DefaultValue any    `json:"defaultValue"`
}

type SpatialReference struct {
	WKID int `json:"wkid"`
}

type Extent struct {
	XMin             float64           `json:"xmin"`
	YMin             float64           `json:"ymin"`
	XMax             float64           `json:"xmax"`
	YMax             float64           `json:"ymax"`
	SpatialReference *SpatialReference `json:"spatialReference,omitempty"`
}

type Feature struct {
	Type       string            `json:"type"`
	Geometry   *geojson.Geometry `json:"geometry"`
	Properties map[string]any    `json:"properties"`
}

type Metadata struct {
	IDField        string  `json:"idField"`
	Name           string  `json:"name"`
	MaxRecordCount int     `json:"maxRecordCount"`
	GeometryType   string  `json:"geometryType,omitempty"`
	Fields         []Field `json:"fields,omitempty"`
	Extent         *Extent `json:"extent,omitempty"`
}

// FiltersApplied tells the caller which filters already ran server side and
// must not be applied again.
type FiltersApplied struct {
	Where      bool `json:"where"`
	Geometry   bool `json:"geometry"`
	Offset     bool `json:"offset"`
	Limit      bool `json:"limit"`
	Projection bool `json:"projection"`
	ObjectIDs  bool `json:"objectIds"`
}

type FeatureCollection struct {
	Type           string         `json:"type"`
	Features       []Feature      `json:"features"`
	Metadata       Metadata       `json:"metadata"`
	FiltersApplied FiltersApplied `json:"filtersApplied"`
}

func (*FeatureCollection) QueryMode() QueryMode { return ModeFeatures }

type CountResult struct {
	Count int64 `json:"count"`
}

func (CountResult) QueryMode() QueryMode { return ModeCount }

type IDsResult struct {
	ObjectIDFieldName string `json:"objectIdFieldName"`
	ObjectIDs         []any  `json:"objectIds"`
}

func (IDsResult) QueryMode() QueryMode { return ModeIDs }

type ExtentResult struct {
	Extent *Extent `json:"extent"`
}

func (ExtentResult) QueryMode() QueryMode { return ModeExtent }

// Result is one of *FeatureCollection, CountResult, IDsResult, ExtentResult.
type Result interface {
	QueryMode() QueryMode
}
