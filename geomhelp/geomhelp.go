package geomhelp

import (
	"math"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/wkt"
	"github.com/muesli/reflow/truncate"
)

// WGS84 equatorial radius in meters
const earthRadius = 6378137.0

// RingArea is the area of a lon/lat ring on the sphere, in square meters.
// The sign follows the winding order. See "Some Algorithms for Polygons on a Sphere",
// Chamberlain & Duquette, JPL Publication 07-03.
func RingArea(ring [][2]float64) float64 {
	n := len(ring)
	if n < 3 {
		return 0.
	}
	sum := 0.
	for i := 0; i < n; i++ {
		p1 := ring[i]
		p2 := ring[(i+1)%n]
		p3 := ring[(i+2)%n]
		sum += (radians(p3[0]) - radians(p1[0])) * math.Sin(radians(p2[1]))
	}
	return sum * earthRadius * earthRadius / 2
}

// PolygonArea is the absolute area of the exterior ring minus the areas of the interior rings.
func PolygonArea(p [][][2]float64) float64 {
	if len(p) == 0 {
		return 0.
	}
	area := math.Abs(RingArea(p[0]))
	for _, interior := range p[1:] {
		area -= math.Abs(RingArea(interior))
	}
	return area
}

// Area is the area in square meters of the polygonal parts of a lon/lat geometry.
// Points and lines have no area.
func Area(g geom.Geometry) float64 {
	switch g := g.(type) {
	case geom.Polygon:
		return PolygonArea(g)
	case *geom.Polygon:
		return PolygonArea(*g)
	case geom.MultiPolygon:
		area := 0.
		for _, p := range g {
			area += PolygonArea(p)
		}
		return area
	case *geom.MultiPolygon:
		return Area(*g)
	case geom.Collection:
		area := 0.
		for _, member := range g {
			area += Area(member)
		}
		return area
	default:
		return 0.
	}
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// WktMustEncode renders a geometry as WKT for log lines, truncated to maxLen runes (0 means no limit).
func WktMustEncode(g geom.Geometry, maxLen uint) string {
	if maxLen == 0 {
		return wkt.MustEncode(g)
	}
	return truncate.StringWithTail(wkt.MustEncode(g), maxLen, "...")
}
