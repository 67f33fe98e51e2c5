// Package classify assigns a tile layer and a zoom range to GSI base map features,
// driven by their feature code (ftCode) and the dataset they came from.
package classify

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/go-spatial/geom"

	"github.com/pdok/tileshard/feature"
	"github.com/pdok/tileshard/geomhelp"
	"github.com/pdok/tileshard/mapslicehelp"
)

// Sources, named after the scale of the dataset.
const (
	Source200000 = "200000"
	Source25000  = "25000"
)

const (
	LayerNature    = "nature"
	LayerWater     = "water"
	LayerBoundary  = "boundary"
	LayerRoad      = "road"
	LayerRailway   = "railway"
	LayerRoute     = "route"
	LayerStructure = "structure"
	LayerBuilding  = "building"
	LayerPlace     = "place"
	LayerOther     = "other"
)

const (
	CodeKey = "ftCode"

	roadCategoryKey        = "rdCtg"
	roadCategoryExpressway = "高速自動車国道等"
	roadCategoryNational   = "国道"
	trackKey               = "snglDbl"
	trackDoubleOrMore      = "複線以上"
	altitudeKey            = "alti"

	contourInterval       = 20 // meters
	smallBuildingArea     = 1000.
	largeBuildingArea     = 5000.
	roadEdgeMinZoom       = 15
	roadCentreDefaultZoom = 12

	maxWktInError = 80
)

// properties that are not needed in the tiles
var droppedProperties = []string{"lfSpanFr", "lfSpanTo", "tmpFlg", "admCode", "devDate", "type"}

var ErrUnknownSource = errors.New("unknown source")

type kind int

const (
	kindOther kind = iota
	kindNature
	kindWater
	kindBoundary
	kindRoadEdge
	kindRoadCentre
	kindRailway
	kindRoute
	kindStructure
	kindBuilding
	kindPlace
)

var (
	kindByCode = buildKindByCode()
	blocks     = mapslicehelp.AsKeys(blockCodes)
)

func buildKindByCode() map[string]kind {
	m := make(map[string]kind)
	for k, codes := range map[kind][]string{
		kindNature:     natureCodes,
		kindWater:      waterCodes,
		kindBoundary:   boundaryCodes,
		kindRoadEdge:   roadEdgeCodes,
		kindRoadCentre: roadCentreCodes,
		kindRailway:    railwayCodes,
		kindRoute:      routeCodes,
		kindStructure:  structureCodes,
		kindBuilding:   buildingCodes,
		kindPlace:      placeCodes,
	} {
		for code := range mapslicehelp.AsKeys(codes) {
			m[code] = k
		}
	}
	return m
}

// Func is the signature of a classification step. A nil feature without error means drop.
type Func func(f *feature.Feature) (*feature.Feature, error)

// Classify annotates f with tippecanoe metadata and strips unneeded properties.
// Features without a feature code are dropped (nil, nil).
// Codes that are not in the table end up in the "other" layer.
func Classify(f *feature.Feature) (*feature.Feature, error) {
	src := f.Source()
	t := &feature.Tippecanoe{Layer: LayerOther}
	switch src {
	case Source200000:
		t.SetMinZoom(10)
		t.SetMaxZoom(12)
	case Source25000:
		t.SetMinZoom(13)
		t.SetMaxZoom(15)
	}
	f.Tippecanoe = t
	f.DeleteProperties(droppedProperties...)

	code, ok := f.StringProperty(CodeKey)
	if !ok {
		return nil, nil
	}

	switch kindByCode[code] {
	case kindNature:
		t.Layer = LayerNature
		switch src {
		case Source200000:
			t.SetMaxZoom(13)
			if _, isLine := f.Geometry.(geom.LineString); isLine {
				t.SetMinZoom(10)
			}
		case Source25000:
			t.SetMinZoom(14)
			if alti, ok := altitude(f); ok && math.Mod(alti, contourInterval) != 0 {
				t.SetMinZoom(15)
			}
		default:
			return nil, fmt.Errorf(`%w "%s" for feature code %s at %s`,
				ErrUnknownSource, src, code, geomhelp.WktMustEncode(f.Geometry, maxWktInError))
		}
	case kindWater:
		t.Layer = LayerWater
	case kindBoundary:
		t.Layer = LayerBoundary
		if _, ok := blocks[code]; ok {
			t.SetMinZoom(15)
		}
	case kindRoadEdge:
		t.Layer = LayerRoad
		t.SetMinZoom(roadEdgeMinZoom)
	case kindRoadCentre:
		t.Layer = LayerRoad
		if src == Source200000 {
			category, _ := f.StringProperty(roadCategoryKey)
			switch category {
			case roadCategoryExpressway:
				t.SetMinZoom(10)
			case roadCategoryNational:
				t.SetMinZoom(11)
			default:
				t.SetMinZoom(roadCentreDefaultZoom)
			}
		}
	case kindRailway:
		t.Layer = LayerRailway
		switch src {
		case Source200000:
			if track, _ := f.StringProperty(trackKey); track == trackDoubleOrMore {
				t.SetMinZoom(10)
			} else {
				t.SetMinZoom(11)
			}
			t.SetMaxZoom(14)
		case Source25000:
			t.SetMinZoom(15)
			t.SetMaxZoom(15)
		}
	case kindRoute:
		t.Layer = LayerRoute
	case kindStructure:
		t.Layer = LayerStructure
	case kindBuilding:
		t.Layer = LayerBuilding
		if code != buildingAreaCode {
			t.SetMinZoom(15)
			break
		}
		t.SetMinZoom(12)
		t.SetMaxZoom(14)
		area := geomhelp.Area(f.Geometry)
		if area < smallBuildingArea {
			t.SetMinZoom(15)
		} else if area > largeBuildingArea {
			t.SetMinZoom(11)
		}
	case kindPlace:
		t.Layer = LayerPlace
		switch src {
		case Source200000:
			t.SetMaxZoom(14)
		case Source25000:
			t.SetMinZoom(15)
		}
	default:
		t.Layer = LayerOther
	}
	return f, nil
}

// altitude accepts both numbers and numeric strings
func altitude(f *feature.Feature) (float64, bool) {
	if alti, ok := f.NumberProperty(altitudeKey); ok {
		return alti, true
	}
	s, ok := f.StringProperty(altitudeKey)
	if !ok {
		return 0, false
	}
	alti, err := strconv.ParseFloat(s, 64)
	return alti, err == nil
}

// Passthrough keeps every feature as is. Used when classification is switched off.
func Passthrough(f *feature.Feature) (*feature.Feature, error) {
	return f, nil
}
