// Package tilegrid maps WGS84 longitude/latitude onto the tiles of the
// WebMercatorQuad tile matrix set (the "slippy map" grid) at one fixed zoom level.
// Columns (x) increase eastwards, rows (y) increase southwards from the top left corner.
// See https://www.ogc.org/standard/tms/ and https://wiki.openstreetmap.org/wiki/Slippy_map_tilenames
package tilegrid

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/slippy"

	"github.com/pdok/tileshard/mathhelp"
)

const (
	// MaxZoom is the deepest tile matrix supported. Deeper levels overflow the shard count long before anything else.
	MaxZoom uint = 24
	// MaxLatitude is the latitude at which the square WebMercatorQuad grid is cut off.
	MaxLatitude  = 85.0511287798066
	maxLongitude = 180.0
)

// TileMatrix is one zoom level of the WebMercatorQuad tile matrix set.
type TileMatrix struct {
	Zoom uint
	// Width of the matrix (number of tiles in width)
	MatrixWidth uint
	// Height of the matrix (number of tiles in height)
	MatrixHeight uint
}

// WebMercatorQuad returns the tile matrix for the given zoom level.
func WebMercatorQuad(zoom uint) (TileMatrix, error) {
	if zoom > MaxZoom {
		return TileMatrix{}, fmt.Errorf("zoom %d is deeper than the maximum of %d", zoom, MaxZoom)
	}
	size := mathhelp.Pow2(zoom)
	return TileMatrix{Zoom: zoom, MatrixWidth: size, MatrixHeight: size}, nil
}

// MustWebMercatorQuad is like WebMercatorQuad but panics on an unsupported zoom level.
func MustWebMercatorQuad(zoom uint) TileMatrix {
	tm, err := WebMercatorQuad(zoom)
	if err != nil {
		panic(err)
	}
	return tm
}

// FromLonLat returns the tile containing the point.
// Coordinates outside of the grid are clamped onto the nearest edge tile.
func (tm TileMatrix) FromLonLat(lon, lat float64) slippy.Tile {
	lon = mathhelp.Clamp(lon, -maxLongitude, maxLongitude)
	lat = mathhelp.Clamp(lat, -MaxLatitude, MaxLatitude)

	// normalised to [0, 1] from the top left corner of origin
	nx := (lon + maxLongitude) / (2 * maxLongitude)
	ny := (1 - math.Asinh(math.Tan(lat*math.Pi/180))/math.Pi) / 2

	return slippy.Tile{
		Z: tm.Zoom,
		X: toIndex(nx, tm.MatrixWidth),
		Y: toIndex(ny, tm.MatrixHeight),
	}
}

func toIndex(n float64, size uint) uint {
	i := int(math.Floor(n * float64(size)))
	return uint(mathhelp.Clamp(i, 0, int(size)-1))
}

// TilesCovering returns every tile the extent intersects, in row-major order (y outer, x inner).
// Both corners are projected on their own and the range is derived per axis,
// so the result never depends on which corner ends up in which row or column.
func (tm TileMatrix) TilesCovering(extent geom.Extent) []slippy.Tile {
	sw := tm.FromLonLat(extent.MinX(), extent.MinY())
	ne := tm.FromLonLat(extent.MaxX(), extent.MaxY())
	minX, maxX := mathhelp.MinMax(sw.X, ne.X)
	minY, maxY := mathhelp.MinMax(sw.Y, ne.Y)

	tiles := make([]slippy.Tile, 0, (maxX-minX+1)*(maxY-minY+1))
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			tiles = append(tiles, slippy.Tile{Z: tm.Zoom, X: x, Y: y})
		}
	}
	return tiles
}

// Bounds returns the longitude/latitude extent of a tile.
func (tm TileMatrix) Bounds(tile slippy.Tile) geom.Extent {
	return geom.Extent{
		tileLon(tile.X, tm.MatrixWidth),
		tileLat(tile.Y+1, tm.MatrixHeight),
		tileLon(tile.X+1, tm.MatrixWidth),
		tileLat(tile.Y, tm.MatrixHeight),
	}
}

func tileLon(x, size uint) float64 {
	return float64(x)/float64(size)*2*maxLongitude - maxLongitude
}

func tileLat(y, size uint) float64 {
	n := math.Pi - 2*math.Pi*float64(y)/float64(size)
	return math.Atan(math.Sinh(n)) * 180 / math.Pi
}

// FromLonLat is a shorthand for WebMercatorQuad(zoom).FromLonLat(lon, lat).
func FromLonLat(zoom uint, lon, lat float64) slippy.Tile {
	return MustWebMercatorQuad(zoom).FromLonLat(lon, lat)
}

// TilesCovering is a shorthand for WebMercatorQuad(zoom).TilesCovering(extent).
func TilesCovering(extent geom.Extent, zoom uint) []slippy.Tile {
	return MustWebMercatorQuad(zoom).TilesCovering(extent)
}

// Key formats a tile as "z-x-y", the base name of its shard.
func Key(tile slippy.Tile) string {
	return fmt.Sprintf("%d-%d-%d", tile.Z, tile.X, tile.Y)
}

// ParseKey is the inverse of Key. Anything after the first '.' is ignored,
// so a shard's file name can be passed as is.
func ParseKey(key string) (slippy.Tile, error) {
	base, _, _ := strings.Cut(key, ".")
	parts := strings.Split(base, "-")
	if len(parts) != 3 {
		return slippy.Tile{}, fmt.Errorf(`tile key "%s" is not of the form z-x-y`, key)
	}
	var zxy [3]uint
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return slippy.Tile{}, fmt.Errorf(`tile key "%s": %w`, key, err)
		}
		zxy[i] = uint(v)
	}
	tile := slippy.Tile{Z: zxy[0], X: zxy[1], Y: zxy[2]}
	if tile.Z > MaxZoom || tile.X >= mathhelp.Pow2(tile.Z) || tile.Y >= mathhelp.Pow2(tile.Z) {
		return slippy.Tile{}, fmt.Errorf(`tile key "%s" is outside of the grid`, key)
	}
	return tile, nil
}
