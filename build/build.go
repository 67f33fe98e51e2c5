// Package build turns tile shards into tile archives with an external tile builder.
package build

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pdok/tileshard/classify"
	"github.com/pdok/tileshard/config"
	"github.com/pdok/tileshard/feature"
	"github.com/pdok/tileshard/ndjson"
	"github.com/pdok/tileshard/shard"
)

const ArchiveSuffix = ".mbtiles"

// Runner runs an external command to completion.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Summary of a Run
type Summary struct {
	Built   int
	Skipped int
	Failed  int
}

type Builder struct {
	// Dir holds the shards
	Dir string
	// OutDir receives one archive per shard
	OutDir string
	// MinAge protects shards that may still be appended to
	MinAge      time.Duration
	MinZoom     uint
	MaxZoom     uint
	BaseZoom    uint
	Command     string
	Concurrency int
	// Transform, when set, is applied to every feature on its way to the tile builder
	Transform classify.Func
	Runner    Runner

	now func() time.Time
}

// New returns a Builder for the shards in dir.
func New(dir string, c config.Build) *Builder {
	b := &Builder{
		Dir:         dir,
		OutDir:      c.OutDir,
		MinAge:      c.MinAge,
		MinZoom:     c.MinZoom,
		MaxZoom:     c.MaxZoom,
		BaseZoom:    c.BaseZoom,
		Command:     c.Command,
		Concurrency: c.Concurrency,
	}
	if c.Classify {
		b.Transform = classify.Classify
	}
	return b
}

func (b *Builder) runner() Runner {
	if b.Runner == nil {
		return execRunner
	}
	return b.Runner
}

func (b *Builder) clock() time.Time {
	if b.now == nil {
		return time.Now()
	}
	return b.now()
}

// ArchivePath is where the archive of the shard at shardPath goes.
func (b *Builder) ArchivePath(shardPath string) string {
	key := strings.TrimSuffix(filepath.Base(shardPath), shard.Suffix)
	return filepath.Join(b.OutDir, key+ArchiveSuffix)
}

// Args are the arguments of the tile builder for one archive.
func (b *Builder) Args(archive, input string) []string {
	return []string{
		"--quiet", "--no-feature-limit", "--no-tile-size-limit",
		fmt.Sprintf("--minimum-zoom=%d", b.MinZoom),
		fmt.Sprintf("--maximum-zoom=%d", b.MaxZoom),
		fmt.Sprintf("--base-zoom=%d", b.BaseZoom),
		"--read-parallel", "-f", "--simplification=2", "-o",
		archive, input,
	}
}

// Stale tells whether the shard at shardPath should be skipped, and why.
// A shard younger than MinAge may still be written to, an archive newer than the shard is up to date.
func (b *Builder) Stale(shardPath string) (skip bool, reason string, err error) {
	info, err := os.Stat(shardPath)
	if err != nil {
		return false, "", err
	}
	if b.clock().Sub(info.ModTime()) < b.MinAge {
		return true, fmt.Sprintf("it is younger than %s", b.MinAge), nil
	}
	archive := b.ArchivePath(shardPath)
	archiveInfo, err := os.Stat(archive)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, "", nil
		}
		return false, "", err
	}
	if archiveInfo.ModTime().After(info.ModTime()) {
		return true, fmt.Sprintf("%s is newer", archive), nil
	}
	return false, "", nil
}

// Build writes the shard uncompressed to a temporary file and runs the tile builder on it.
func (b *Builder) Build(ctx context.Context, shardPath string) error {
	start := time.Now()
	tmp, err := os.CreateTemp("", "tileshard-*.ndjson")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err = b.extract(ctx, shardPath, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}

	archive := b.ArchivePath(shardPath)
	if err = b.runner()(ctx, b.Command, b.Args(archive, tmp.Name())...); err != nil {
		return fmt.Errorf("%s failed on %s: %w", b.Command, shardPath, err)
	}
	log.Printf("%s -> (%s) -> %s: %s", shardPath, tmp.Name(), archive, time.Since(start).Round(time.Millisecond))
	return nil
}

func (b *Builder) extract(ctx context.Context, shardPath string, out *os.File) error {
	reader, err := ndjson.Open(shardPath)
	if err != nil {
		return err
	}
	defer reader.Close()
	w := bufio.NewWriter(out)

	if b.Transform == nil {
		for {
			line, ok := reader.Next()
			if !ok {
				break
			}
			if _, err = w.Write(line); err != nil {
				return err
			}
			if err = w.WriteByte('\n'); err != nil {
				return err
			}
		}
		if err = reader.Err(); err != nil {
			return err
		}
		return w.Flush()
	}

	err = ndjson.Decoder{Policy: ndjson.SkipMalformed}.Decode(ctx, reader, func(f *feature.Feature) error {
		transformed, err := b.Transform(f)
		if err != nil {
			return fmt.Errorf("%w: %w", ndjson.ErrMalformed, err)
		}
		if transformed == nil {
			return nil
		}
		line, err := transformed.Line()
		if err != nil {
			return fmt.Errorf("%w: %w", ndjson.ErrMalformed, err)
		}
		_, err = w.Write(line)
		return err
	})
	if err != nil {
		return err
	}
	return w.Flush()
}

// Run builds every shard in Dir that is not skipped by Stale, Concurrency at a time.
// A failing shard does not stop the others, all failures are returned joined.
func (b *Builder) Run(ctx context.Context) (Summary, error) {
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		return Summary{}, err
	}
	if err = os.MkdirAll(b.OutDir, 0755); err != nil {
		return Summary{}, err
	}

	var (
		mu      sync.Mutex
		summary Summary
		errs    []error
	)
	g := &errgroup.Group{}
	g.SetLimit(max(b.Concurrency, 1))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), shard.Suffix) {
			continue
		}
		shardPath := filepath.Join(b.Dir, entry.Name())
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			skip, reason, err := b.Stale(shardPath)
			if err == nil && skip {
				log.Printf("skipped %s because %s", shardPath, reason)
				mu.Lock()
				summary.Skipped++
				mu.Unlock()
				return nil
			}
			if err == nil {
				err = b.Build(ctx, shardPath)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("failed %s: %v", shardPath, err)
				summary.Failed++
				errs = append(errs, err)
				return nil
			}
			summary.Built++
			return nil
		})
	}
	_ = g.Wait()
	if err = ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return summary, errors.Join(errs...)
}
