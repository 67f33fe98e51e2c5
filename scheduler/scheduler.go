// Package scheduler runs one task per source file with bounded concurrency and
// finalizes the output once no task has been outstanding for a grace period.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pdok/tileshard/processing"
)

const (
	DefaultConcurrency = 8
	DefaultGracePeriod = 30 * time.Second
)

var ErrFinalized = errors.New("scheduler already finalized")

// Task is one source file to process.
type Task struct {
	Path   string
	Source string
}

func (t Task) String() string {
	return fmt.Sprintf("%s (%s)", t.Path, t.Source)
}

type ProcessFunc func(ctx context.Context, task Task) error

type Option func(*Scheduler)

func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithGracePeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.grace = d
		}
	}
}

func WithProgress(p *processing.Progress) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.progress = p
		}
	}
}

// WithFatal decides which task errors stop the whole run. By default none do.
func WithFatal(isFatal func(error) bool) Option {
	return func(s *Scheduler) {
		if isFatal != nil {
			s.isFatal = isFatal
		}
	}
}

// Scheduler is a bounded work queue over Tasks.
// The number of outstanding tasks includes queued and running tasks and running discovery walks.
// When it drops to zero a grace timer starts; new work cancels the timer.
// When the timer fires with nothing outstanding, finalize runs, exactly once.
type Scheduler struct {
	process     ProcessFunc
	finalize    func() error
	concurrency int
	grace       time.Duration
	progress    *processing.Progress
	isFatal     func(error) bool

	ctx    context.Context
	cancel context.CancelCauseFunc
	group  *errgroup.Group

	outstanding atomic.Int64

	mu          sync.Mutex
	generation  uint64
	timer       *time.Timer
	finalized   bool
	failures    []error
	fatal       []error
	finalizeErr error
	done        chan struct{}
}

func New(ctx context.Context, process ProcessFunc, finalize func() error, options ...Option) *Scheduler {
	s := &Scheduler{
		process:     process,
		finalize:    finalize,
		concurrency: DefaultConcurrency,
		grace:       DefaultGracePeriod,
		isFatal:     func(error) bool { return false },
		done:        make(chan struct{}),
	}
	for _, o := range options {
		o(s)
	}
	if s.progress == nil {
		s.progress = processing.NewProgress(nil, 0)
	}
	s.ctx, s.cancel = context.WithCancelCause(ctx)
	context.AfterFunc(s.ctx, s.interrupted)
	s.group = &errgroup.Group{}
	s.group.SetLimit(s.concurrency)
	return s
}

// Enqueue schedules task. It blocks while all workers are busy.
func (s *Scheduler) Enqueue(task Task) error {
	if !s.acquire() {
		return ErrFinalized
	}
	s.group.Go(func() error {
		defer s.release()
		if s.ctx.Err() != nil {
			return nil
		}
		if err := s.process(s.ctx, task); err != nil {
			s.fail(task, err)
		}
		// never stop the siblings of a failed task
		return nil
	})
	return nil
}

func (s *Scheduler) fail(task Task, err error) {
	if s.ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.Cause(s.ctx))) {
		// stopped by an abort, not a failure of its own
		return
	}
	if s.isFatal(err) {
		s.Abort(fmt.Errorf("%s: %w", task.Path, err))
		return
	}
	log.Printf("failed %v: %v", task, err)
	s.progress.TaskFailed()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, fmt.Errorf("%s: %w", task.Path, err))
}

// Abort stops the run with a fatal error. Running tasks stop at their next suspend point,
// queued tasks are skipped and finalize runs as soon as nothing is outstanding.
func (s *Scheduler) Abort(err error) {
	log.Printf("fatal: %v", err)
	s.mu.Lock()
	s.fatal = append(s.fatal, err)
	s.mu.Unlock()
	s.cancel(err)
}

func (s *Scheduler) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return false
	}
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.progress.SetOutstanding(s.outstanding.Add(1))
	return true
}

func (s *Scheduler) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.outstanding.Add(-1)
	s.progress.SetOutstanding(n)
	if n > 0 || s.finalized {
		return
	}
	grace := s.grace
	if s.ctx.Err() != nil {
		grace = 0
	} else {
		log.Printf("all files will be closed within %s", grace)
	}
	s.generation++
	generation := s.generation
	s.timer = time.AfterFunc(grace, func() { s.fire(generation) })
}

// interrupted cuts a pending grace period short once the run is cancelled or aborted.
func (s *Scheduler) interrupted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized || s.timer == nil || s.outstanding.Load() != 0 {
		return
	}
	s.timer.Stop()
	s.generation++
	generation := s.generation
	s.timer = time.AfterFunc(0, func() { s.fire(generation) })
}

func (s *Scheduler) fire(generation uint64) {
	s.mu.Lock()
	if s.finalized || generation != s.generation || s.outstanding.Load() != 0 {
		s.mu.Unlock()
		return
	}
	s.finalized = true
	s.timer = nil
	s.mu.Unlock()

	err := s.finalize()
	if err == nil {
		log.Println("all files closed")
	}
	s.mu.Lock()
	s.finalizeErr = err
	s.mu.Unlock()
	close(s.done)
}

// Done is closed once finalize has run.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until finalize has run and returns the fatal errors of the run, joined.
// Failures of single tasks are not included, see Failures.
func (s *Scheduler) Wait() error {
	<-s.done
	_ = s.group.Wait()
	s.cancel(nil)
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(append(append([]error(nil), s.fatal...), s.finalizeErr)...)
}

// Failures are the errors of the tasks that failed without stopping the run.
func (s *Scheduler) Failures() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.failures...)
}
