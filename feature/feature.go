// Package feature holds the GeoJSON feature record that flows through the pipeline.
// Known members are decoded into typed fields, everything else is kept in Extra
// and written back out untouched.
package feature

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"
	"github.com/perimeterx/marshmallow"
)

// SourceKey is the property that carries the source tag of a feature.
const SourceKey = "_src"

const typeFeature = "Feature"

var (
	ErrMissingGeometry = errors.New("feature has no geometry")
	ErrEmptyGeometry   = errors.New("geometry has no coordinates")
	ErrNotAFeature     = errors.New(`record is not of type "Feature"`)
)

// Tippecanoe is the per feature metadata read by the tile builder.
type Tippecanoe struct {
	Layer   string `json:"layer"`
	MinZoom *int   `json:"minzoom,omitempty"`
	MaxZoom *int   `json:"maxzoom,omitempty"`
}

func (t *Tippecanoe) SetMinZoom(z int) {
	t.MinZoom = &z
}

func (t *Tippecanoe) SetMaxZoom(z int) {
	t.MaxZoom = &z
}

type Feature struct {
	// Geometry is two dimensional. A decoded feature writes its geometry back as it was read,
	// third coordinates included, until it is replaced with SetGeometry.
	Geometry   geom.Geometry
	Properties map[string]interface{}
	Tippecanoe *Tippecanoe
	// Extra holds the top level members that are not modelled, like "id" or "bbox".
	Extra map[string]interface{}

	rawGeometry json.RawMessage
}

type wireFeature struct {
	Type       string                 `json:"type"`
	Geometry   Geometry               `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
	Tippecanoe *Tippecanoe            `json:"tippecanoe,omitempty"`
}

// Decode parses one line of newline delimited GeoJSON.
func Decode(line []byte) (*Feature, error) {
	var f Feature
	if err := f.UnmarshalJSON(line); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Feature) UnmarshalJSON(data []byte) error {
	var w wireFeature
	extra, err := marshmallow.Unmarshal(data, &w, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return err
	}
	if w.Type != typeFeature {
		return fmt.Errorf(`%w: got "%s"`, ErrNotAFeature, w.Type)
	}
	if w.Geometry.Geometry == nil {
		return ErrMissingGeometry
	}
	f.Geometry = w.Geometry.Geometry
	f.rawGeometry = w.Geometry.raw
	f.Properties = w.Properties
	f.Tippecanoe = w.Tippecanoe
	f.Extra = nil
	if len(extra) > 0 {
		f.Extra = extra
	}
	return nil
}

func (f *Feature) MarshalJSON() ([]byte, error) {
	w := wireFeature{
		Type:       typeFeature,
		Geometry:   Geometry{Geometry: f.Geometry, raw: f.rawGeometry},
		Properties: f.Properties,
		Tippecanoe: f.Tippecanoe,
	}
	if len(f.Extra) == 0 {
		return json.Marshal(&w)
	}
	merged := make(map[string]interface{}, len(f.Extra)+4)
	for k, v := range f.Extra {
		merged[k] = v
	}
	merged["type"] = w.Type
	merged["geometry"] = &w.Geometry
	merged["properties"] = w.Properties
	if w.Tippecanoe != nil {
		merged["tippecanoe"] = w.Tippecanoe
	}
	return json.Marshal(merged)
}

// SetGeometry replaces the geometry, the new one is encoded from g.
func (f *Feature) SetGeometry(g geom.Geometry) {
	f.Geometry = g
	f.rawGeometry = nil
}

// Line returns the feature as a newline terminated record.
func (f *Feature) Line() ([]byte, error) {
	b, err := f.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Extent is the bounding box of the geometry, in the coordinates of the geometry (lon/lat).
func (f *Feature) Extent() (geom.Extent, error) {
	if f.Geometry == nil {
		return geom.Extent{}, ErrMissingGeometry
	}
	ext, err := geom.NewExtentFromGeometry(f.Geometry)
	if err != nil {
		return geom.Extent{}, err
	}
	if ext == nil {
		return geom.Extent{}, ErrEmptyGeometry
	}
	return *ext, nil
}

func (f *Feature) Source() string {
	src, _ := f.StringProperty(SourceKey)
	return src
}

func (f *Feature) SetSource(tag string) {
	if f.Properties == nil {
		f.Properties = make(map[string]interface{}, 1)
	}
	f.Properties[SourceKey] = tag
}

// StringProperty returns the property as a string. Numbers are formatted without exponent.
func (f *Feature) StringProperty(key string) (string, bool) {
	v, ok := f.Properties[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(s), true
	default:
		return fmt.Sprint(s), true
	}
}

// NumberProperty returns the property as a float64, if it is a number.
func (f *Feature) NumberProperty(key string) (float64, bool) {
	v, ok := f.Properties[key].(float64)
	return v, ok
}

func (f *Feature) DeleteProperties(keys ...string) {
	for _, key := range keys {
		delete(f.Properties, key)
	}
}

// Geometry wraps geom.Geometry with GeoJSON (un)marshalling, also from an already decoded JSON map.
// go-spatial only models x and y, so the decoded JSON is kept and written back instead.
type Geometry struct {
	geom.Geometry
	raw json.RawMessage
}

var jsonNull = []byte("null")

func (g Geometry) MarshalJSON() ([]byte, error) {
	if g.Geometry == nil {
		return jsonNull, nil
	}
	if len(g.raw) > 0 {
		return g.raw, nil
	}
	gj := geojson.Geometry{Geometry: g.Geometry}
	return gj.MarshalJSON()
}

func (g *Geometry) UnmarshalJSON(data []byte) error {
	g.raw = nil
	if bytes.Equal(bytes.TrimSpace(data), jsonNull) {
		g.Geometry = nil
		return nil
	}
	var gj geojson.Geometry
	if err := gj.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("could not decode geometry: %w", err)
	}
	g.Geometry = gj.Geometry
	g.raw = bytes.Clone(data)
	return nil
}

func (g *Geometry) UnmarshalJSONFromMap(data interface{}) error {
	if data == nil {
		g.Geometry = nil
		g.raw = nil
		return nil
	}
	if _, ok := data.(map[string]interface{}); !ok {
		return fmt.Errorf(`geometry is not an object but a %T`, data)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return g.UnmarshalJSON(raw)
}
