package processing

import (
	"github.com/go-spatial/geom/slippy"

	"github.com/pdok/tileshard/shard"
)

// Target receives serialized records per tile. Implemented by shard.Manager.
type Target interface {
	Write(tile slippy.Tile, record []byte) (shard.Result, error)
}
