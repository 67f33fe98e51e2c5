// Package shard keeps one append only gzip stream per output tile and
// signals callers when a stream is saturated so they can back off.
package shard

import (
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-spatial/geom/slippy"
	"github.com/klauspost/compress/gzip"
	"github.com/pdok/tileshard/mapslicehelp"
	"github.com/pdok/tileshard/tilegrid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	// Suffix of every shard file
	Suffix = ".ndjson.gz"

	DefaultHighWaterMark = 16 * 1024
)

var ErrClosed = errors.New("shard manager is closed")

// Result of a Write. When Saturated the caller should not write again
// before Drained is closed.
type Result struct {
	Saturated bool
	Drained   <-chan struct{}
}

// Observer gets notified about shard lifecycle events, e.g. to expose them as metrics.
type Observer interface {
	ShardOpened(key string)
	ShardSaturated(key string)
	ShardsClosed(n int)
}

type noopObserver struct{}

func (noopObserver) ShardOpened(string)    {}
func (noopObserver) ShardSaturated(string) {}
func (noopObserver) ShardsClosed(int)      {}

// Opener opens the sink behind a shard. Data must be appended to what already exists.
type Opener func(path string) (io.WriteCloser, error)

func openAppend(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

type Option func(*Manager)

func WithHighWaterMark(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.highWaterMark = n
		}
	}
}

func WithCompressionLevel(level int) Option {
	return func(m *Manager) {
		m.level = level
	}
}

func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

func WithOpener(open Opener) Option {
	return func(m *Manager) {
		if open != nil {
			m.open = open
		}
	}
}

// Manager lazily opens a Shard per tile in dir and closes all of them at the end.
type Manager struct {
	dir           string
	highWaterMark int
	level         int
	observer      Observer
	open          Opener

	mu     sync.Mutex
	shards *orderedmap.OrderedMap[slippy.Tile, *Shard]
	closed bool
	failed error
}

func NewManager(dir string, options ...Option) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	m := &Manager{
		dir:           dir,
		highWaterMark: DefaultHighWaterMark,
		level:         gzip.DefaultCompression,
		observer:      noopObserver{},
		open:          openAppend,
		shards:        orderedmap.New[slippy.Tile, *Shard](),
	}
	for _, o := range options {
		o(m)
	}
	return m, nil
}

// Path of the shard file for tile
func (m *Manager) Path(tile slippy.Tile) string {
	return filepath.Join(m.dir, tilegrid.Key(tile)+Suffix)
}

// Write appends record to the shard of tile, opening it if needed.
// The record is copied, the caller may reuse it.
func (m *Manager) Write(tile slippy.Tile, record []byte) (Result, error) {
	s, err := m.shard(tile)
	if err != nil {
		return Result{}, err
	}
	res, err := s.write(record)
	if err == nil && res.Saturated {
		m.observer.ShardSaturated(s.key)
	}
	return res, err
}

func (m *Manager) shard(tile slippy.Tile) (*Shard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed != nil {
		return nil, m.failed
	}
	if m.closed {
		return nil, ErrClosed
	}
	if s, ok := m.shards.Get(tile); ok {
		return s, nil
	}
	key := tilegrid.Key(tile)
	sink, err := m.open(m.Path(tile))
	if err != nil {
		m.failed = &IOError{Key: key, Err: err}
		return nil, m.failed
	}
	s, err := newShard(key, sink, m.highWaterMark, m.level, m.fail)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	m.shards.Set(tile, s)
	m.observer.ShardOpened(key)
	return s, nil
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed == nil {
		m.failed = err
	}
}

// Err is the first IO failure of any shard, if any
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shards.Len()
}

// Keys of the opened shards, in the order they were opened
func (m *Manager) Keys() []string {
	m.mu.Lock()
	tiles := mapslicehelp.OrderedMapKeys(m.shards)
	m.mu.Unlock()
	keys := make([]string, len(tiles))
	for i, t := range tiles {
		keys[i] = tilegrid.Key(t)
	}
	return keys
}

// Buffered is the total number of bytes waiting to be compressed over all shards
func (m *Manager) Buffered() int {
	m.mu.Lock()
	shards := mapslicehelp.OrderedMapValues(m.shards)
	m.mu.Unlock()
	total := 0
	for _, s := range shards {
		total += s.buffered()
	}
	return total
}

// CloseAll flushes and closes every shard. It runs once, later calls return ErrClosed.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	shards := mapslicehelp.OrderedMapValues(m.shards)
	m.mu.Unlock()

	log.Printf("closing %d shards", len(shards))
	var errs []error
	for _, s := range shards {
		if err := s.close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.observer.ShardsClosed(len(shards))
	return errors.Join(errs...)
}
