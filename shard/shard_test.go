package shard

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-spatial/geom/slippy"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tokyo = slippy.Tile{Z: 10, X: 909, Y: 403}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()
	var lines []string
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

// gate blocks every Write until it is opened
type gate struct {
	mu     sync.Mutex
	open   chan struct{}
	buf    strings.Builder
	closed bool
}

func newGate() *gate {
	return &gate{open: make(chan struct{})}
}

func (g *gate) Write(p []byte) (int, error) {
	<-g.open
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.buf.Write(p)
}

func (g *gate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

type failingSink struct{}

func (failingSink) Write([]byte) (int, error) { return 0, errors.New("disk full") }
func (failingSink) Close() error              { return nil }

type countingObserver struct {
	mu        sync.Mutex
	opened    []string
	saturated int
	closed    int
}

func (o *countingObserver) ShardOpened(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, key)
}

func (o *countingObserver) ShardSaturated(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.saturated++
}

func (o *countingObserver) ShardsClosed(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed += n
}

func TestManager_appendsInOrder(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)

	_, err = m.Write(tokyo, []byte(`{"n":1}`+"\n"))
	require.NoError(t, err)
	_, err = m.Write(slippy.Tile{Z: 10, X: 908, Y: 403}, []byte(`{"n":2}`+"\n"))
	require.NoError(t, err)
	_, err = m.Write(tokyo, []byte(`{"n":3}`+"\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"10-909-403", "10-908-403"}, m.Keys())
	assert.Equal(t, 2, m.Len())
	require.NoError(t, m.CloseAll())

	assert.Equal(t, []string{`{"n":1}`, `{"n":3}`}, readLines(t, filepath.Join(dir, "10-909-403.ndjson.gz")))
	assert.Equal(t, []string{`{"n":2}`}, readLines(t, filepath.Join(dir, "10-908-403.ndjson.gz")))
}

func TestManager_appendsToExistingShard(t *testing.T) {
	dir := t.TempDir()
	for _, record := range []string{"first", "second"} {
		m, err := NewManager(dir)
		require.NoError(t, err)
		_, err = m.Write(tokyo, []byte(record+"\n"))
		require.NoError(t, err)
		require.NoError(t, m.CloseAll())
	}
	assert.Equal(t, []string{"first", "second"}, readLines(t, filepath.Join(dir, "10-909-403.ndjson.gz")))
}

func TestManager_closeAllOnce(t *testing.T) {
	obs := &countingObserver{}
	m, err := NewManager(t.TempDir(), WithObserver(obs))
	require.NoError(t, err)
	_, err = m.Write(tokyo, []byte("x\n"))
	require.NoError(t, err)

	require.NoError(t, m.CloseAll())
	assert.ErrorIs(t, m.CloseAll(), ErrClosed)
	_, err = m.Write(tokyo, []byte("y\n"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 1, obs.closed)
	assert.Equal(t, []string{"10-909-403"}, obs.opened)
}

func TestManager_closeAllWithoutShards(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, m.CloseAll())
	assert.Empty(t, m.Keys())
}

func TestManager_backpressure(t *testing.T) {
	g := newGate()
	obs := &countingObserver{}
	m, err := NewManager(t.TempDir(),
		WithHighWaterMark(10),
		WithObserver(obs),
		WithOpener(func(string) (io.WriteCloser, error) { return g, nil }),
		WithCompressionLevel(gzip.NoCompression),
	)
	require.NoError(t, err)

	var saturated Result
	for i := 0; i < 100; i++ {
		res, err := m.Write(tokyo, []byte("0123456\n"))
		require.NoError(t, err)
		if res.Saturated {
			saturated = res
			break
		}
	}
	require.True(t, saturated.Saturated, "shard never reported saturation")
	require.NotNil(t, saturated.Drained)
	assert.Equal(t, 1, obs.saturated)

	// the gzip header goes to the sink on the first write, so the flusher is stuck on the gate
	select {
	case <-saturated.Drained:
		t.Fatal("drained while the sink is blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(g.open)
	select {
	case <-saturated.Drained:
	case <-time.After(5 * time.Second):
		t.Fatal("shard never drained")
	}
	require.NoError(t, m.CloseAll())
	assert.True(t, g.closed)
}

func TestManager_boundedBuffer(t *testing.T) {
	g := newGate()
	m, err := NewManager(t.TempDir(),
		WithHighWaterMark(64),
		WithOpener(func(string) (io.WriteCloser, error) { return g, nil }),
	)
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(g.open)
	}()

	record := []byte(strings.Repeat("r", 15) + "\n")
	for i := 0; i < 2000; i++ {
		res, err := m.Write(tokyo, record)
		require.NoError(t, err)
		if res.Saturated {
			<-res.Drained
		}
	}
	s, ok := m.shards.Get(tokyo)
	require.True(t, ok)
	assert.LessOrEqual(t, s.peakBuffered(), 64+len(record))
	require.NoError(t, m.CloseAll())
	assert.Zero(t, m.Buffered())
}

func TestManager_ioFailureIsSticky(t *testing.T) {
	m, err := NewManager(t.TempDir(),
		WithHighWaterMark(1),
		WithOpener(func(string) (io.WriteCloser, error) { return failingSink{}, nil }),
		WithCompressionLevel(gzip.NoCompression),
	)
	require.NoError(t, err)

	// gzip buffers small writes, so keep writing until the sink is hit
	record := []byte(strings.Repeat("x", 1<<16) + "\n")
	var ioErr *IOError
	require.Eventually(t, func() bool {
		res, err := m.Write(tokyo, record)
		if err != nil {
			return errors.As(err, &ioErr)
		}
		if res.Saturated {
			<-res.Drained
		}
		return false
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, "10-909-403", ioErr.Key)
	assert.Contains(t, ioErr.Error(), "disk full")
	_, err = m.Write(slippy.Tile{Z: 10, X: 1, Y: 1}, []byte("y\n"))
	assert.ErrorAs(t, err, &ioErr)
	assert.Error(t, m.CloseAll())
}

func TestManager_openFailure(t *testing.T) {
	m, err := NewManager(t.TempDir(),
		WithOpener(func(string) (io.WriteCloser, error) { return nil, os.ErrPermission }),
	)
	require.NoError(t, err)
	_, err = m.Write(tokyo, []byte("x\n"))
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Equal(t, err, m.Err())
}

func TestManager_path(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "10-909-403.ndjson.gz", filepath.Base(m.Path(tokyo)))
}
