package main

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/tileshard/config"
	"github.com/pdok/tileshard/ndjson"
)

func writeSource(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func readShard(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	var lines []string
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	err := app.Run(append([]string{"tileshard"}, args...))
	return out.String(), err
}

const (
	squareNearTokyo = `{"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[139.0,35.0],[139.1,35.0],[139.1,35.1],[139.0,35.1],[139.0,35.0]]]},"properties":{"name":"square"}}`
	firstInTokyo    = `{"type":"Feature","geometry":{"type":"Point","coordinates":[139.7,35.6]},"properties":{"name":"first"}}`
	secondInTokyo   = `{"type":"Feature","geometry":{"type":"Point","coordinates":[139.71,35.61]},"properties":{"name":"second"}}`
)

func TestModularize(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "dst")
	writeSource(t, filepath.Join(src, "xxx.ndjson.gz"), squareNearTokyo, firstInTokyo, `{"type":`, secondInTokyo)

	_, err := run(t, "--dst", dst, "modularize", "--src", src, "--grace", "10ms", "--noClassify")
	require.NoError(t, err)

	square := readShard(t, filepath.Join(dst, "10-907-405.ndjson.gz"))
	require.Len(t, square, 1)
	assert.Contains(t, square[0], `"name":"square"`)
	assert.Contains(t, square[0], `"_src":"xxx"`)

	tokyo := readShard(t, filepath.Join(dst, "10-909-403.ndjson.gz"))
	require.Len(t, tokyo, 2)
	assert.Contains(t, tokyo[0], `"name":"first"`)
	assert.Contains(t, tokyo[1], `"name":"second"`)

	entries, err := os.ReadDir(dst)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestModularize_classifyAndReport(t *testing.T) {
	src := filepath.Join(t.TempDir(), "25000")
	dst := filepath.Join(t.TempDir(), "dst")
	writeSource(t, filepath.Join(src, "part.ndjson.gz"),
		`{"type":"Feature","geometry":{"type":"Point","coordinates":[139.7,35.6]},"properties":{"ftCode":"9999","devDate":"2020"}}`,
		`{"type":"Feature","geometry":{"type":"Point","coordinates":[139.7,35.6]},"properties":{"name":"no code"}}`,
	)

	_, err := run(t, "-d", dst, "modularize", "-s", src, "--grace", "10ms", "--sourceFromRoot")
	require.NoError(t, err)

	lines := readShard(t, filepath.Join(dst, "10-909-403.ndjson.gz"))
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"tippecanoe":{"layer":"other","minzoom":13,"maxzoom":15}`)
	assert.Contains(t, lines[0], `"_src":"25000"`)
	assert.NotContains(t, lines[0], "devDate")

	out, err := run(t, "-d", dst, "report")
	require.NoError(t, err)
	assert.Equal(t, "9999\t1\n", out)
}

func TestModularize_appendsOverRuns(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeSource(t, filepath.Join(src, "xxx.ndjson.gz"), firstInTokyo)

	for i := 0; i < 2; i++ {
		_, err := run(t, "-d", dst, "modularize", "-s", src, "--grace", "1ms", "--noClassify")
		require.NoError(t, err)
	}
	assert.Len(t, readShard(t, filepath.Join(dst, "10-909-403.ndjson.gz")), 2)
}

func TestModularize_strict(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeSource(t, filepath.Join(src, "xxx.ndjson.gz"), firstInTokyo, `{"type":`, secondInTokyo)

	_, err := run(t, "-d", dst, "modularize", "-s", src, "--grace", "1h", "--noClassify", "--strict")
	var malformed *ndjson.MalformedRecordError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, 2, malformed.Line)

	// the shards are closed properly even though the run failed
	lines := readShard(t, filepath.Join(dst, "10-909-403.ndjson.gz"))
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"name":"first"`)
}

func TestModularize_configErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "no dst", args: []string{"modularize", "-s", t.TempDir()}},
		{name: "no src", args: []string{"-d", t.TempDir(), "modularize"}},
		{name: "zoom too high", args: []string{"-d", t.TempDir(), "modularize", "-s", t.TempDir(), "-z", "25"}},
		{name: "missing config file", args: []string{"-c", filepath.Join(t.TempDir(), "nope.yaml"), "modularize"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			var configErr *config.Error
			assert.ErrorAs(t, err, &configErr)
		})
	}
}

func TestModularize_configFile(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "dst")
	writeSource(t, filepath.Join(src, "xxx.ndjson.gz"), firstInTokyo)
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("dst: "+dst+"\nz: 12\nsrc: ["+src+"]\ngrace: 1ms\nnoClassify: true\n"), 0644))

	_, err := run(t, "-c", configPath, "modularize", "-z", "10")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dst, "10-909-403.ndjson.gz"), "flags override the config file")
}

func TestBuild_skipsYoungShards(t *testing.T) {
	dst := t.TempDir()
	writeSource(t, filepath.Join(dst, "10-909-403.ndjson.gz"), firstInTokyo)
	out := filepath.Join(t.TempDir(), "mbtiles")

	_, err := run(t, "-d", dst, "build", "-o", out, "--minAge", "1h")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(out, "10-909-403.mbtiles"))
}
