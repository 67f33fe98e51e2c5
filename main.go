package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/iancoleman/strcase"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/pdok/tileshard/build"
	"github.com/pdok/tileshard/classify"
	"github.com/pdok/tileshard/config"
	"github.com/pdok/tileshard/ndjson"
	"github.com/pdok/tileshard/processing"
	"github.com/pdok/tileshard/report"
	"github.com/pdok/tileshard/scheduler"
	"github.com/pdok/tileshard/shard"
)

const CONFIG string = `config`
const DST string = `dst`
const ZOOM string = `z`
const SRC string = `src`
const SUFFIX string = `suffix`
const CONCURRENCY string = `concurrency`
const HIGHWATERMARK string = `highWaterMark`
const GRACE string = `grace`
const MAXLINESIZE string = `maxLineSize`
const STRICT string = `strict`
const SOURCEFROMROOT string = `sourceFromRoot`
const NOCLASSIFY string = `noClassify`
const PROGRESSINTERVAL string = `progressInterval`
const METRICSADDR string = `metricsAddr`
const OUTDIR string = `outDir`
const MINAGE string = `minAge`
const MINZOOM string = `minZoom`
const MAXZOOM string = `maxZoom`
const BASEZOOM string = `baseZoom`
const CLASSIFY string = `classify`

func envVars(name string) []string {
	return []string{strcase.ToScreamingSnake(name)}
}

func main() {
	err := newApp().Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

//nolint:funlen
func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "tileshard"
	app.Usage = "Partitions line delimited GeoJSON into one gzipped shard per map tile"
	app.Version = versioninfo.Short()

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    CONFIG,
			Aliases: []string{"c"},
			Usage:   "YAML file with the options. Flags override the file",
			EnvVars: envVars(CONFIG),
		},
		&cli.StringFlag{
			Name:    DST,
			Aliases: []string{"d"},
			Usage:   "Directory of the tile shards",
			EnvVars: envVars(DST),
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:   "modularize",
			Usage:  "Write every feature of the source files to the shards of the tiles its bounding box covers",
			Action: modularize,
			Flags: []cli.Flag{
				&cli.UintFlag{
					Name:    ZOOM,
					Usage:   "Zoom level of the shards (default 10)",
					EnvVars: envVars(ZOOM),
				},
				&cli.StringSliceFlag{
					Name:    SRC,
					Aliases: []string{"s"},
					Usage:   "Directory that is walked for source files. Can be repeated",
					EnvVars: envVars(SRC),
				},
				&cli.StringFlag{
					Name:    SUFFIX,
					Usage:   "Suffix of the source files (default ndjson.gz)",
					EnvVars: envVars(SUFFIX),
				},
				&cli.IntFlag{
					Name:    CONCURRENCY,
					Aliases: []string{"n"},
					Usage:   "How many source files are processed at the same time (default 8)",
					EnvVars: envVars(CONCURRENCY),
				},
				&cli.IntFlag{
					Name:    HIGHWATERMARK,
					Aliases: []string{"hwm"},
					Usage:   "Bytes buffered per shard before writers wait for it (default 16384)",
					EnvVars: envVars(HIGHWATERMARK),
				},
				&cli.DurationFlag{
					Name:    GRACE,
					Usage:   "How long no work has to be outstanding before the shards are closed (default 30s)",
					EnvVars: envVars(GRACE),
				},
				&cli.IntFlag{
					Name:    MAXLINESIZE,
					Usage:   "Longest record in bytes, longer lines are treated as malformed (default 67108864)",
					EnvVars: envVars(MAXLINESIZE),
				},
				&cli.BoolFlag{
					Name:    STRICT,
					Usage:   "Stop at the first malformed record instead of skipping it",
					EnvVars: envVars(STRICT),
				},
				&cli.BoolFlag{
					Name:    SOURCEFROMROOT,
					Usage:   "Tag features with the name of the source directory instead of the file name",
					EnvVars: envVars(SOURCEFROMROOT),
				},
				&cli.BoolFlag{
					Name:    NOCLASSIFY,
					Usage:   "Write the features without assigning a layer and zoom range",
					EnvVars: envVars(NOCLASSIFY),
				},
				&cli.Uint64Flag{
					Name:    PROGRESSINTERVAL,
					Usage:   "Log progress every this many features (default 1000)",
					EnvVars: envVars(PROGRESSINTERVAL),
				},
				&cli.StringFlag{
					Name:    METRICSADDR,
					Usage:   "Serve prometheus metrics on this address, e.g. :9090",
					EnvVars: envVars(METRICSADDR),
				},
			},
		},
		{
			Name:   "build",
			Usage:  "Build a tile archive from every shard that changed",
			Action: buildArchives,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    OUTDIR,
					Aliases: []string{"o"},
					Usage:   "Directory of the tile archives (default mbtiles)",
					EnvVars: envVars(OUTDIR),
				},
				&cli.DurationFlag{
					Name:    MINAGE,
					Usage:   "Skip shards that changed more recently than this (default 5m)",
					EnvVars: envVars(MINAGE),
				},
				&cli.UintFlag{
					Name:    MINZOOM,
					Usage:   "Minimum zoom of the archives (default 10)",
					EnvVars: envVars(MINZOOM),
				},
				&cli.UintFlag{
					Name:    MAXZOOM,
					Usage:   "Maximum zoom of the archives (default 15)",
					EnvVars: envVars(MAXZOOM),
				},
				&cli.UintFlag{
					Name:    BASEZOOM,
					Usage:   "Base zoom of the archives (default 15)",
					EnvVars: envVars(BASEZOOM),
				},
				&cli.IntFlag{
					Name:    CONCURRENCY,
					Aliases: []string{"n"},
					Usage:   "How many archives are built at the same time (default 3)",
					EnvVars: envVars("build" + strcase.ToCamel(CONCURRENCY)),
				},
				&cli.BoolFlag{
					Name:    CLASSIFY,
					Usage:   "Classify the features while building, for shards written with --noClassify",
					EnvVars: envVars(CLASSIFY),
				},
			},
		},
		{
			Name:   "report",
			Usage:  "Count the feature codes that ended up in the layer 'other'",
			Action: reportOther,
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:    CONCURRENCY,
					Aliases: []string{"n"},
					Usage:   "How many shards are read at the same time",
					Value:   4,
					EnvVars: envVars("report" + strcase.ToCamel(CONCURRENCY)),
				},
			},
		},
	}
	return app
}

func modularize(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err = cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	progress := processing.NewProgress(registry, cfg.ProgressInterval)
	if cfg.MetricsAddr != "" {
		server := serveMetrics(cfg.MetricsAddr, registry)
		defer shutdown(server)
	}

	manager, err := shard.NewManager(cfg.Dst,
		shard.WithHighWaterMark(cfg.HighWaterMark),
		shard.WithObserver(progress))
	if err != nil {
		return err
	}
	var classifier classify.Func = classify.Classify
	if cfg.NoClassify {
		classifier = nil
	}
	dispatcher, err := processing.NewDispatcher(cfg.Z, manager, classifier, progress)
	if err != nil {
		return err
	}
	decoder := ndjson.Decoder{Policy: ndjson.SkipMalformed}
	if cfg.Strict {
		decoder.Policy = ndjson.Strict
	}
	sourceOf := scheduler.SourceFromName
	if cfg.SourceFromRoot {
		sourceOf = scheduler.SourceFromRoot
	}

	log.Printf("=== start modularizing into %s at zoom %d ===", cfg.Dst, cfg.Z)
	log.Printf("  every tile keeps a file open, raise the limit (ulimit -n) when many tiles are expected")
	s := scheduler.New(ctx,
		func(ctx context.Context, task scheduler.Task) error {
			return dispatcher.ProcessFile(ctx, task.Path, task.Source, decoder, ndjson.WithMaxLineSize(cfg.MaxLineSize))
		},
		manager.CloseAll,
		scheduler.WithConcurrency(cfg.Concurrency),
		scheduler.WithGracePeriod(cfg.Grace),
		scheduler.WithProgress(progress),
		scheduler.WithFatal(isFatal),
	)
	// a failing walk aborts the run, Wait reports it
	go func() { _ = s.Discover(cfg.Src, cfg.Suffix, sourceOf) }()

	err = s.Wait()
	progress.LogSummary()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return err
	}
	log.Printf("=== done modularizing, %d shards ===", manager.Len())
	return nil
}

// isFatal tells the errors that stop the whole run apart from failures of a single file
func isFatal(err error) bool {
	var ioErr *shard.IOError
	var malformed *ndjson.MalformedRecordError
	return errors.As(err, &ioErr) || errors.As(err, &malformed) || errors.Is(err, shard.ErrClosed)
}

func buildArchives(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err = cfg.ValidateBuild(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("=== start building %s into %s ===", cfg.Dst, cfg.Build.OutDir)
	summary, err := build.New(cfg.Dst, cfg.Build).Run(ctx)
	log.Printf("=== done building: %d built, %d skipped, %d failed ===", summary.Built, summary.Skipped, summary.Failed)
	return err
}

func reportOther(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err = cfg.ValidateBuild(); err != nil {
		return err
	}
	counts, err := report.OtherLayerCodes(c.Context, cfg.Dst, c.Int(CONCURRENCY))
	if err != nil {
		return err
	}
	return report.Print(c.App.Writer, counts)
}

// loadConfig reads the config file, if any, and puts the flags that were set on top of it
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String(CONFIG))
	if err != nil {
		return nil, err
	}
	if c.IsSet(DST) {
		cfg.Dst = c.String(DST)
	}
	if c.IsSet(ZOOM) {
		cfg.Z = c.Uint(ZOOM)
	}
	if c.IsSet(SRC) {
		cfg.Src = c.StringSlice(SRC)
	}
	if c.IsSet(SUFFIX) {
		cfg.Suffix = c.String(SUFFIX)
	}
	if c.IsSet(HIGHWATERMARK) {
		cfg.HighWaterMark = c.Int(HIGHWATERMARK)
	}
	if c.IsSet(GRACE) {
		cfg.Grace = c.Duration(GRACE)
	}
	if c.IsSet(MAXLINESIZE) {
		cfg.MaxLineSize = c.Int(MAXLINESIZE)
	}
	if c.IsSet(STRICT) {
		cfg.Strict = c.Bool(STRICT)
	}
	if c.IsSet(SOURCEFROMROOT) {
		cfg.SourceFromRoot = c.Bool(SOURCEFROMROOT)
	}
	if c.IsSet(NOCLASSIFY) {
		cfg.NoClassify = c.Bool(NOCLASSIFY)
	}
	if c.IsSet(PROGRESSINTERVAL) {
		cfg.ProgressInterval = c.Uint64(PROGRESSINTERVAL)
	}
	if c.IsSet(METRICSADDR) {
		cfg.MetricsAddr = c.String(METRICSADDR)
	}
	if c.IsSet(OUTDIR) {
		cfg.Build.OutDir = c.String(OUTDIR)
	}
	if c.IsSet(MINAGE) {
		cfg.Build.MinAge = c.Duration(MINAGE)
	}
	if c.IsSet(MINZOOM) {
		cfg.Build.MinZoom = c.Uint(MINZOOM)
	}
	if c.IsSet(MAXZOOM) {
		cfg.Build.MaxZoom = c.Uint(MAXZOOM)
	}
	if c.IsSet(BASEZOOM) {
		cfg.Build.BaseZoom = c.Uint(BASEZOOM)
	}
	if c.IsSet(CLASSIFY) {
		cfg.Build.Classify = c.Bool(CLASSIFY)
	}
	if c.IsSet(CONCURRENCY) {
		switch c.Command.Name {
		case "modularize":
			cfg.Concurrency = c.Int(CONCURRENCY)
		case "build":
			cfg.Build.Concurrency = c.Int(CONCURRENCY)
		}
	}
	return cfg, nil
}

func serveMetrics(addr string, registry *prometheus.Registry) *http.Server {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server stopped: %v", err)
		}
	}()
	log.Printf("serving metrics on %s/metrics", addr)
	return server
}

func shutdown(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}
