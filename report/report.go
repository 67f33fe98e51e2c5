// Package report finds out which feature codes ended up in the catch-all layer of the shards.
package report

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/umpc/go-sortedmap"
	"golang.org/x/sync/errgroup"

	"github.com/pdok/tileshard/classify"
	"github.com/pdok/tileshard/feature"
	"github.com/pdok/tileshard/ndjson"
	"github.com/pdok/tileshard/shard"
)

// CodeCount is the number of features with a feature code.
type CodeCount struct {
	Code  string
	Count int
}

// OtherLayerCodes counts the feature codes of the features in layer "other" over all shards below dir,
// most frequent first.
func OtherLayerCodes(ctx context.Context, dir string, concurrency int) ([]CodeCount, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), shard.Suffix) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	counts := make(map[string]int)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for _, path := range paths {
		path := path
		g.Go(func() error {
			local, err := countShard(ctx, path)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for code, n := range local {
				counts[code] += n
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}
	return sortByCount(counts), nil
}

func countShard(ctx context.Context, path string) (map[string]int, error) {
	reader, err := ndjson.Open(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	counts := make(map[string]int)
	err = ndjson.Decoder{Policy: ndjson.SkipMalformed}.Decode(ctx, reader, func(f *feature.Feature) error {
		if f.Tippecanoe == nil || f.Tippecanoe.Layer != classify.LayerOther {
			return nil
		}
		code, _ := f.StringProperty(classify.CodeKey)
		counts[code]++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return counts, nil
}

// sortByCount orders on count, descending, and on code for equal counts
func sortByCount(counts map[string]int) []CodeCount {
	sorted := sortedmap.New(len(counts), func(x, y interface{}) bool {
		a, b := x.(CodeCount), y.(CodeCount)
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Code < b.Code
	})
	for code, n := range counts {
		sorted.Insert(code, CodeCount{Code: code, Count: n})
	}
	result := make([]CodeCount, 0, len(counts))
	values := sorted.Map()
	for _, key := range sorted.Keys() {
		result = append(result, values[key].(CodeCount))
	}
	return result
}

// Print writes one "code<TAB>count" line per code.
func Print(w io.Writer, counts []CodeCount) error {
	for _, c := range counts {
		code := c.Code
		if code == "" {
			code = "(none)"
		}
		if _, err := fmt.Fprintf(w, "%s\t%d\n", code, c.Count); err != nil {
			return err
		}
	}
	return nil
}
