package feature

import (
	"encoding/json"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantGeom geom.Geometry
		wantErr  error
	}{
		{
			name:     "point",
			line:     `{"type":"Feature","properties":{"ftCode":"5100"},"geometry":{"type":"Point","coordinates":[139.7,35.6]}}`,
			wantGeom: geom.Point{139.7, 35.6},
		},
		{
			name:     "linestring",
			line:     `{"type":"Feature","properties":{},"geometry":{"type":"LineString","coordinates":[[139.0,35.0],[139.1,35.1]]}}`,
			wantGeom: geom.LineString{{139.0, 35.0}, {139.1, 35.1}},
		},
		{
			name:    "null geometry",
			line:    `{"type":"Feature","properties":{},"geometry":null}`,
			wantErr: ErrMissingGeometry,
		},
		{
			name:    "not a feature",
			line:    `{"type":"Point","coordinates":[1,2]}`,
			wantErr: ErrNotAFeature,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode([]byte(tt.line))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantGeom, f.Geometry)
		})
	}
}

func TestDecode_invalidSyntax(t *testing.T) {
	_, err := Decode([]byte(`{"type":"Feature","properties":{`))
	require.Error(t, err)
}

func TestFeature_passthrough(t *testing.T) {
	line := `{"type":"Feature","id":42,"properties":{"ftCode":"5100","alti":120},"geometry":{"type":"Point","coordinates":[139.7,35.6]}}`
	f, err := Decode([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"id": float64(42)}, f.Extra)

	f.SetSource("25000")
	f.Tippecanoe = &Tippecanoe{Layer: "water"}
	f.Tippecanoe.SetMinZoom(13)

	out, err := f.Line()
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), out[len(out)-1])
	assert.JSONEq(t, `{
		"type":"Feature","id":42,
		"properties":{"ftCode":"5100","alti":120,"_src":"25000"},
		"geometry":{"type":"Point","coordinates":[139.7,35.6]},
		"tippecanoe":{"layer":"water","minzoom":13}
	}`, string(out))

	again, err := Decode(out)
	require.NoError(t, err)
	assert.Equal(t, "25000", again.Source())
	assert.Equal(t, 13, *again.Tippecanoe.MinZoom)
	assert.Nil(t, again.Tippecanoe.MaxZoom)
}

func TestFeature_Extent(t *testing.T) {
	f := Feature{Geometry: geom.Polygon{{{139.0, 35.0}, {139.1, 35.0}, {139.1, 35.1}, {139.0, 35.1}}}}
	ext, err := f.Extent()
	require.NoError(t, err)
	assert.Equal(t, geom.Extent{139.0, 35.0, 139.1, 35.1}, ext)

	_, err = (&Feature{}).Extent()
	require.ErrorIs(t, err, ErrMissingGeometry)
}

func TestFeature_Extent_empty(t *testing.T) {
	tests := []struct {
		name     string
		geometry string
	}{
		{name: "linestring", geometry: `{"type":"LineString","coordinates":[]}`},
		{name: "multipolygon", geometry: `{"type":"MultiPolygon","coordinates":[]}`},
		{name: "polygon without rings", geometry: `{"type":"Polygon","coordinates":[[]]}`},
		{name: "collection", geometry: `{"type":"GeometryCollection","geometries":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode([]byte(`{"type":"Feature","properties":{},"geometry":` + tt.geometry + `}`))
			require.NoError(t, err)
			_, err = f.Extent()
			require.ErrorIs(t, err, ErrEmptyGeometry)
		})
	}
}

func TestFeature_thirdCoordinate(t *testing.T) {
	line := `{"type":"Feature","properties":{},"geometry":{"type":"LineString","coordinates":[[139.0,35.0,12.5],[139.1,35.1,13]]}}`
	f, err := Decode([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, geom.LineString{{139.0, 35.0}, {139.1, 35.1}}, f.Geometry)
	ext, err := f.Extent()
	require.NoError(t, err)
	assert.Equal(t, geom.Extent{139.0, 35.0, 139.1, 35.1}, ext)

	out, err := f.Line()
	require.NoError(t, err)
	assert.JSONEq(t, line, string(out))

	f.SetGeometry(geom.Point{139.0, 35.0})
	out, err = f.Line()
	require.NoError(t, err)
	assert.Contains(t, string(out), `"coordinates":[139,35]`)
}

func TestFeature_properties(t *testing.T) {
	var f Feature
	require.NoError(t, json.Unmarshal([]byte(`{"type":"Feature","properties":{"ftCode":"0110","alti":25,"flag":true},"geometry":{"type":"Point","coordinates":[0,0]}}`), &f))

	code, ok := f.StringProperty("ftCode")
	assert.True(t, ok)
	assert.Equal(t, "0110", code)
	alti, ok := f.StringProperty("alti")
	assert.True(t, ok)
	assert.Equal(t, "25", alti)
	n, ok := f.NumberProperty("alti")
	assert.True(t, ok)
	assert.Equal(t, 25.0, n)
	_, ok = f.NumberProperty("ftCode")
	assert.False(t, ok)
	_, ok = f.StringProperty("missing")
	assert.False(t, ok)

	f.DeleteProperties("alti", "flag")
	assert.Equal(t, map[string]interface{}{"ftCode": "0110"}, f.Properties)
	assert.Equal(t, "", f.Source())
}
