package shard

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// IOError is a failure of the underlying output stream of a shard.
// It is fatal: losing tile data silently is worse than stopping.
type IOError struct {
	Key string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("shard %s: %v", e.Key, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Shard is the append only, gzip compressed output of a single tile.
// Writes land in an in-memory buffer that a dedicated goroutine feeds into the compressor.
type Shard struct {
	key           string
	highWaterMark int
	sink          io.WriteCloser
	gz            *gzip.Writer
	onError       func(error) // called with mu held

	mu       sync.Mutex
	pending  []byte
	spare    []byte
	drained  chan struct{} // non-nil while saturated
	closing  bool
	err      error
	wake     chan struct{}
	done     chan struct{}
	written  int64
	maxBytes int
}

func newShard(key string, sink io.WriteCloser, highWaterMark, level int, onError func(error)) (*Shard, error) {
	gz, err := gzip.NewWriterLevel(sink, level)
	if err != nil {
		return nil, err
	}
	s := &Shard{
		key:           key,
		highWaterMark: highWaterMark,
		sink:          sink,
		gz:            gz,
		onError:       onError,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

func (s *Shard) Key() string {
	return s.key
}

// write buffers record. When the buffer is at or above the high water mark
// the result is Saturated and the caller has to wait for Drained.
func (s *Shard) write(record []byte) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Result{}, s.err
	}
	if s.closing {
		return Result{}, ErrClosed
	}
	s.pending = append(s.pending, record...)
	s.maxBytes = max(s.maxBytes, len(s.pending))
	s.signal()
	if len(s.pending) < s.highWaterMark {
		return Result{}, nil
	}
	if s.drained == nil {
		s.drained = make(chan struct{})
	}
	return Result{Saturated: true, Drained: s.drained}, nil
}

func (s *Shard) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Shard) flushLoop() {
	defer close(s.done)
	for range s.wake {
		for {
			s.mu.Lock()
			buf := s.pending
			s.pending = s.spare[:0]
			s.mu.Unlock()

			var err error
			if len(buf) > 0 {
				_, err = s.gz.Write(buf)
			}

			s.mu.Lock()
			s.spare = buf[:0]
			s.written += int64(len(buf))
			if err != nil && s.err == nil {
				s.err = &IOError{Key: s.key, Err: err}
				s.pending = nil
				s.onError(s.err)
			}
			if s.drained != nil && (len(s.pending) < s.highWaterMark || s.err != nil) {
				close(s.drained)
				s.drained = nil
			}
			more := len(s.pending) > 0 && s.err == nil
			closing := s.closing
			s.mu.Unlock()

			if more {
				continue
			}
			if closing {
				s.finalize()
				return
			}
			break
		}
	}
}

func (s *Shard) finalize() {
	gzErr := s.gz.Close()
	sinkErr := s.sink.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, err := range []error{gzErr, sinkErr} {
		if err != nil && s.err == nil {
			s.err = &IOError{Key: s.key, Err: err}
		}
	}
}

// close flushes what is buffered, closes the compressor and the file, and waits for that to finish.
func (s *Shard) close() error {
	s.mu.Lock()
	s.closing = true
	s.signal()
	s.mu.Unlock()
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// buffered is the number of bytes waiting to be compressed
func (s *Shard) buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// peakBuffered is the largest the buffer has been
func (s *Shard) peakBuffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxBytes
}
