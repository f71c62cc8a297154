package translate

import (
	"context"
	"testing"
	"time"

	"github.com/anandtrivedi/koop-provider-databricks/internal/core/model"
)

func TestFeatures_ParsesCarrierAndDropsIt(t *testing.T) {
	rows := []map[string]any{
		{"objectid": int64(1), "name": []byte("Fresno"), model.GeometryCarrier: `{"type":"Point","coordinates":[-120,36]}`},
		{"objectid": int64(2), "name": "Monterey", model.GeometryCarrier: []byte(`{"type":"Point","coordinates":[-122,38]}`)},
		{"objectid": int64(3), "name": "Nowhere", model.GeometryCarrier: nil},
	}
	feats := New(nil).Features(context.Background(), rows, true)
	if len(feats) != 3 {
		t.Fatalf("features=%d", len(feats))
	}
	for i, f := range feats {
		if f.Type != "Feature" {
			t.Fatalf("feature %d type=%q", i, f.Type)
		}
		if _, ok := f.Properties[model.GeometryCarrier]; ok {
			t.Fatalf("feature %d leaks the carrier column", i)
		}
	}
	if feats[0].Geometry == nil || feats[0].Geometry.Type != "Point" {
		t.Fatalf("feature 0 geometry=%v", feats[0].Geometry)
	}
	if feats[0].Properties["name"] != "Fresno" {
		t.Fatalf("[]byte not normalized: %#v", feats[0].Properties["name"])
	}
	if feats[1].Geometry == nil {
		t.Fatalf("[]byte carrier not parsed")
	}
	if feats[2].Geometry != nil {
		t.Fatalf("null carrier should give null geometry")
	}
}

func TestFeatures_MalformedCarrierYieldsNullGeometry(t *testing.T) {
	rows := []map[string]any{
		{"id": 1, model.GeometryCarrier: `{"type":"Point","coordinates":[`},
		{"id": 2, model.GeometryCarrier: `not json`},
	}
	feats := New(nil).Features(context.Background(), rows, true)
	if len(feats) != 2 {
		t.Fatalf("features=%d", len(feats))
	}
	for _, f := range feats {
		if f.Geometry != nil {
			t.Fatalf("expected null geometry, got %v", f.Geometry)
		}
		if f.Properties["id"] == nil {
			t.Fatalf("properties lost")
		}
	}
}

func TestFeatures_WithoutGeometryIgnoresCarrier(t *testing.T) {
	rows := []map[string]any{{"id": 1, "updated": time.UnixMilli(1700000000000)}}
	feats := New(nil).Features(context.Background(), rows, false)
	if feats[0].Geometry != nil {
		t.Fatalf("geometry not requested")
	}
	if feats[0].Properties["updated"] != int64(1700000000000) {
		t.Fatalf("date not converted to epoch ms: %#v", feats[0].Properties["updated"])
	}
}

func TestExtent_UnionOfAllGeometryKinds(t *testing.T) {
	rows := []map[string]any{
		{model.GeometryCarrier: `{"type":"Point","coordinates":[-121,37]}`},
		{model.GeometryCarrier: `{"type":"LineString","coordinates":[[-122,36.5],[-121.5,37]]}`},
		{model.GeometryCarrier: `{"type":"MultiPolygon","coordinates":[[[[-121,36],[-120,36],[-120,37],[-121,36]]]]}`},
		{model.GeometryCarrier: `{"type":"GeometryCollection","geometries":[{"type":"Point","coordinates":[-121,38]}]}`},
		{model.GeometryCarrier: nil},
	}
	feats := New(nil).Features(context.Background(), rows, true)
	ext := Extent(feats, 4326)
	if ext == nil {
		t.Fatalf("expected extent")
	}
	if ext.XMin != -122 || ext.YMin != 36 || ext.XMax != -120 || ext.YMax != 38 {
		t.Fatalf("extent=%+v", *ext)
	}
	if ext.SpatialReference == nil || ext.SpatialReference.WKID != 4326 {
		t.Fatalf("spatial reference=%v", ext.SpatialReference)
	}
}

func TestExtent_NilWithoutGeometry(t *testing.T) {
	feats := []model.Feature{{Type: "Feature"}, {Type: "Feature"}}
	if ext := Extent(feats, 4326); ext != nil {
		t.Fatalf("expected nil, got %+v", *ext)
	}
	if ext := Extent(nil, 4326); ext != nil {
		t.Fatalf("expected nil for no features")
	}
}

func TestGeometryType(t *testing.T) {
	tr := New(nil)
	cases := map[string]string{
		`{"type":"Point","coordinates":[0,0]}`:                               model.GeometryPoint,
		`{"type":"MultiPoint","coordinates":[[0,0]]}`:                        model.GeometryMultipoint,
		`{"type":"LineString","coordinates":[[0,0],[1,1]]}`:                  model.GeometryPolyline,
		`{"type":"MultiLineString","coordinates":[[[0,0],[1,1]]]}`:           model.GeometryPolyline,
		`{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}`:       model.GeometryPolygon,
		`{"type":"MultiPolygon","coordinates":[[[[0,0],[1,0],[1,1],[0,0]]]]}`: model.GeometryPolygon,
		`{"type":"GeometryCollection","geometries":[]}`:                      model.GeometryPoint,
	}
	for carrier, want := range cases {
		feats := tr.Features(context.Background(), []map[string]any{{model.GeometryCarrier: carrier}}, true)
		if got := tr.GeometryType(context.Background(), feats); got != want {
			t.Fatalf("%s: got %s want %s", carrier, got, want)
		}
	}
	if got := tr.GeometryType(context.Background(), nil); got != model.GeometryPoint {
		t.Fatalf("empty: got %s", got)
	}
}
