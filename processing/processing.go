// Package processing takes care of the logistics between the decoded records and the tile shards.
// Not the classification itself.
package processing

import (
	"context"
	"fmt"

	"github.com/go-spatial/geom/slippy"

	"github.com/pdok/tileshard/classify"
	"github.com/pdok/tileshard/feature"
	"github.com/pdok/tileshard/mapslicehelp"
	"github.com/pdok/tileshard/ndjson"
	"github.com/pdok/tileshard/tilegrid"
)

// Dispatcher routes every feature to the shards of the tiles its bounding box covers.
type Dispatcher struct {
	tileMatrix tilegrid.TileMatrix
	target     Target
	classify   classify.Func
	progress   *Progress
}

// NewDispatcher returns a Dispatcher for the given zoom. A nil classifier keeps every feature as is.
func NewDispatcher(zoom uint, target Target, classifier classify.Func, progress *Progress) (*Dispatcher, error) {
	tm, err := tilegrid.WebMercatorQuad(zoom)
	if err != nil {
		return nil, err
	}
	if classifier == nil {
		classifier = classify.Passthrough
	}
	if progress == nil {
		progress = NewProgress(nil, 0)
	}
	return &Dispatcher{
		tileMatrix: tm,
		target:     target,
		classify:   classifier,
		progress:   progress,
	}, nil
}

// Dispatch tags f with source, classifies it and writes it once to every covered tile.
// Tiles are written one after the other; a saturated shard is waited for before the next write.
// Problems with the feature itself wrap ndjson.ErrMalformed, everything else is fatal.
func (d *Dispatcher) Dispatch(ctx context.Context, source string, f *feature.Feature) error {
	d.progress.Record()
	f.SetSource(source)
	classified, err := d.classify(f)
	if err != nil {
		return fmt.Errorf("%w: %w", ndjson.ErrMalformed, err)
	}
	if classified == nil {
		d.progress.Dropped()
		return nil
	}
	tiles, err := d.tiles(classified)
	if err != nil {
		return fmt.Errorf("%w: %w", ndjson.ErrMalformed, err)
	}
	record, err := classified.Line()
	if err != nil {
		return fmt.Errorf("%w: %w", ndjson.ErrMalformed, err)
	}
	for _, tile := range tiles {
		res, err := d.target.Write(tile, record)
		if err != nil {
			return err
		}
		d.progress.Wrote()
		if !res.Saturated {
			continue
		}
		select {
		case <-res.Drained:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *Dispatcher) tiles(f *feature.Feature) ([]slippy.Tile, error) {
	extent, err := f.Extent()
	if err != nil {
		return nil, err
	}
	return mapslicehelp.Unique(d.tileMatrix.TilesCovering(extent)), nil
}

// ProcessFile reads the records of path and dispatches them in file order.
func (d *Dispatcher) ProcessFile(ctx context.Context, path, source string, decoder ndjson.Decoder, options ...ndjson.Option) error {
	reader, err := ndjson.Open(path, options...)
	if err != nil {
		return err
	}
	onMalformed := decoder.OnMalformed
	decoder.OnMalformed = func(e *ndjson.MalformedRecordError) {
		d.progress.Malformed()
		if onMalformed != nil {
			onMalformed(e)
		}
	}
	err = decoder.Decode(ctx, reader, func(f *feature.Feature) error {
		return d.Dispatch(ctx, source, f)
	})
	if closeErr := reader.Close(); err == nil {
		err = closeErr
	}
	return err
}
