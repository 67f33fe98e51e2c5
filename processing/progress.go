package processing

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const DefaultProgressInterval = 1000

// Counts is a snapshot of the Progress counters.
type Counts struct {
	Records      uint64
	Writes       uint64
	Dropped      uint64
	Malformed    uint64
	TaskFailures uint64
	Outstanding  int64
}

// Progress keeps the counters of a run. It is only used for reporting,
// none of the pipeline decisions depend on it.
type Progress struct {
	interval uint64
	start    time.Time

	records      atomic.Uint64
	writes       atomic.Uint64
	dropped      atomic.Uint64
	malformed    atomic.Uint64
	taskFailures atomic.Uint64
	outstanding  atomic.Int64

	recordsTotal      prometheus.Counter
	writesTotal       prometheus.Counter
	droppedTotal      prometheus.Counter
	malformedTotal    prometheus.Counter
	taskFailuresTotal prometheus.Counter
	saturationsTotal  prometheus.Counter
	outstandingTasks  prometheus.Gauge
	openShards        prometheus.Gauge
}

// NewProgress registers the metrics with reg, when not nil, and logs a line every interval records.
func NewProgress(reg prometheus.Registerer, interval uint64) *Progress {
	if interval == 0 {
		interval = DefaultProgressInterval
	}
	factory := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{Namespace: "tileshard", Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{Namespace: "tileshard", Name: name, Help: help})
	}
	return &Progress{
		interval:          interval,
		start:             time.Now(),
		recordsTotal:      counter("records_total", "Records read from the source files."),
		writesTotal:       counter("writes_total", "Records written to tile shards."),
		droppedTotal:      counter("dropped_total", "Records dropped by classification."),
		malformedTotal:    counter("malformed_total", "Malformed records that were skipped."),
		taskFailuresTotal: counter("task_failures_total", "Source files that could not be processed."),
		saturationsTotal:  counter("saturations_total", "Writes that hit the high water mark of a shard."),
		outstandingTasks:  gauge("outstanding_tasks", "Source files queued or in progress."),
		openShards:        gauge("open_shards", "Tile shards currently open."),
	}
}

// Record counts a record and logs progress every interval records.
func (p *Progress) Record() {
	p.recordsTotal.Inc()
	n := p.records.Add(1)
	if n%p.interval == 0 {
		rate := float64(n) / time.Since(p.start).Seconds()
		log.Printf("%d feats, %d tasks, %.0ff/s", n, p.outstanding.Load(), rate)
	}
}

func (p *Progress) Wrote() {
	p.writes.Add(1)
	p.writesTotal.Inc()
}

func (p *Progress) Dropped() {
	p.dropped.Add(1)
	p.droppedTotal.Inc()
}

func (p *Progress) Malformed() {
	p.malformed.Add(1)
	p.malformedTotal.Inc()
}

func (p *Progress) TaskFailed() {
	p.taskFailures.Add(1)
	p.taskFailuresTotal.Inc()
}

func (p *Progress) SetOutstanding(n int64) {
	p.outstanding.Store(n)
	p.outstandingTasks.Set(float64(n))
}

// ShardOpened, ShardSaturated and ShardsClosed make Progress a shard.Observer.

func (p *Progress) ShardOpened(string) {
	p.openShards.Inc()
}

func (p *Progress) ShardSaturated(string) {
	p.saturationsTotal.Inc()
}

func (p *Progress) ShardsClosed(n int) {
	p.openShards.Sub(float64(n))
}

func (p *Progress) Counts() Counts {
	return Counts{
		Records:      p.records.Load(),
		Writes:       p.writes.Load(),
		Dropped:      p.dropped.Load(),
		Malformed:    p.malformed.Load(),
		TaskFailures: p.taskFailures.Load(),
		Outstanding:  p.outstanding.Load(),
	}
}

// LogSummary logs the totals of the run.
func (p *Progress) LogSummary() {
	c := p.Counts()
	log.Printf("    total features: %d", c.Records)
	log.Printf("           written: %d", c.Writes)
	log.Printf("           dropped: %d", c.Dropped)
	if c.Malformed > 0 {
		log.Printf("         malformed: %d", c.Malformed)
	}
	if c.TaskFailures > 0 {
		log.Printf("      failed files: %d", c.TaskFailures)
	}
	log.Printf("          duration: %s", time.Since(p.start).Round(time.Second))
}
