// Package ndjson reads newline delimited GeoJSON records from plain or gzip compressed files.
package ndjson

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/muesli/reflow/truncate"

	"github.com/pdok/tileshard/feature"
)

const (
	// DefaultMaxLineSize fits the largest polygons of the base map data with room to spare.
	DefaultMaxLineSize = 64 << 20
	readBufferSize     = 64 << 10
	defaultMaxLogWidth = 512
)

var gzipMagic = []byte{0x1f, 0x8b}

// ErrMalformed marks an error that concerns a single record, not the run.
var ErrMalformed = errors.New("malformed record")

// ErrLineTooLong is reported by Reader.LineErr for a line beyond the maximum line size.
var ErrLineTooLong = errors.New("line too long")

// Policy decides what happens with a record that cannot be decoded.
type Policy int

const (
	// SkipMalformed logs the record and continues with the next one.
	SkipMalformed Policy = iota
	// Strict aborts on the first malformed record.
	Strict
)

func (p Policy) String() string {
	if p == Strict {
		return "strict"
	}
	return "skip"
}

// MalformedRecordError tells where a malformed record was found.
type MalformedRecordError struct {
	Path string
	Line int
	Raw  []byte
	Err  error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
}

func (e *MalformedRecordError) Unwrap() error {
	return e.Err
}

// Reader yields the non-empty lines of one file, decompressing it when it is gzipped.
// A line longer than the maximum line size is returned cut off at that size, with
// LineErr reporting ErrLineTooLong, and reading resumes at the line after it.
type Reader struct {
	path        string
	file        *os.File
	gz          *gzip.Reader
	src         *bufio.Reader
	buf         []byte
	maxLineSize int
	line        int
	lineErr     error
	err         error
}

type Option func(*options)

type options struct {
	maxLineSize int
}

// WithMaxLineSize sets the longest line, in bytes and without the newline, that is decoded.
// Values below 1 keep the default.
func WithMaxLineSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxLineSize = n
		}
	}
}

// Open opens path for reading. Gzip is detected from the content, not the name.
func Open(path string, opts ...Option) (*Reader, error) {
	o := options{maxLineSize: DefaultMaxLineSize}
	for _, opt := range opts {
		opt(&o)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{path: path, file: file, maxLineSize: o.maxLineSize}

	buffered := bufio.NewReaderSize(file, readBufferSize)
	r.src = buffered
	magic, err := buffered.Peek(len(gzipMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		file.Close()
		return nil, err
	}
	if bytes.Equal(magic, gzipMagic) {
		r.gz, err = gzip.NewReader(buffered)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("could not read gzip header of %s: %w", path, err)
		}
		r.src = bufio.NewReaderSize(r.gz, readBufferSize)
	}
	r.buf = make([]byte, 0, min(readBufferSize, o.maxLineSize))
	return r, nil
}

// Next returns the next non-empty line. The slice is only valid until the following call.
func (r *Reader) Next() ([]byte, bool) {
	for r.err == nil {
		line, tooLong, err := r.readLine()
		if err != nil && !errors.Is(err, io.EOF) {
			r.err = err
			return nil, false
		}
		eof := err != nil
		if eof && len(line) == 0 && !tooLong {
			return nil, false
		}
		r.line++
		r.lineErr = nil
		if tooLong {
			r.lineErr = fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, r.maxLineSize)
			return line, true
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, true
	}
	return nil, false
}

// readLine reads the next line without its line ending. Bytes beyond maxLineSize are
// discarded up to the next newline.
func (r *Reader) readLine() (line []byte, tooLong bool, err error) {
	r.buf = r.buf[:0]
	for {
		var chunk []byte
		chunk, err = r.src.ReadSlice('\n')
		if !tooLong {
			r.buf = append(r.buf, chunk...)
			if len(bytes.TrimRight(r.buf, "\r\n")) > r.maxLineSize {
				r.buf = r.buf[:r.maxLineSize]
				tooLong = true
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return bytes.TrimRight(r.buf, "\r\n"), tooLong, err
	}
}

// LineErr reports why the line last returned by Next cannot be used, nil for a complete line.
func (r *Reader) LineErr() error {
	return r.lineErr
}

// Err returns the first read or decompression error, if any.
func (r *Reader) Err() error {
	if r.err != nil {
		return fmt.Errorf("error reading %s after line %d: %w", r.path, r.line, r.err)
	}
	return nil
}

// Line is the (1-based) number of the line last returned by Next.
func (r *Reader) Line() int {
	return r.line
}

func (r *Reader) Path() string {
	return r.path
}

func (r *Reader) Close() error {
	var gzErr error
	if r.gz != nil {
		gzErr = r.gz.Close()
	}
	return errors.Join(gzErr, r.file.Close())
}

// Decoder turns the lines of a Reader into features.
type Decoder struct {
	Policy Policy
	// OnMalformed, when set, is called for every malformed record that is skipped.
	OnMalformed func(*MalformedRecordError)
	// MaxLogWidth limits how much of a raw line ends up in the log. 0 means the default.
	MaxLogWidth uint
}

// Decode calls fn for every feature in r, in file order.
// An error from fn that wraps ErrMalformed is handled according to the policy,
// any other error from fn ends decoding and is returned as is.
func (d Decoder) Decode(ctx context.Context, r *Reader, fn func(*feature.Feature) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, ok := r.Next()
		if !ok {
			return r.Err()
		}

		var err error
		if lineErr := r.LineErr(); lineErr != nil {
			err = fmt.Errorf("%w: %w", ErrMalformed, lineErr)
		} else if f, decodeErr := feature.Decode(line); decodeErr != nil {
			err = fmt.Errorf("%w: %w", ErrMalformed, decodeErr)
		} else {
			err = fn(f)
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrMalformed) {
			return err
		}

		malformed := &MalformedRecordError{Path: r.Path(), Line: r.Line(), Raw: bytes.Clone(line), Err: err}
		if d.Policy == Strict {
			return malformed
		}
		log.Printf("skipping %v: %s", malformed, d.truncate(malformed.Raw))
		if d.OnMalformed != nil {
			d.OnMalformed(malformed)
		}
	}
}

func (d Decoder) truncate(raw []byte) string {
	width := d.MaxLogWidth
	if width == 0 {
		width = defaultMaxLogWidth
	}
	return truncate.StringWithTail(string(raw), width, "...")
}
