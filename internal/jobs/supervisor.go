package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrSuperseded is the cancellation cause of a job replaced by a newer
	// job for the same key.
	ErrSuperseded = errors.New("job superseded by a newer job for the same key")
	// ErrCancelled is the cancellation cause of a job stopped through Cancel
	// or CancelAll.
	ErrCancelled = errors.New("job cancelled")
)

// Status tags a settled job.
type Status int

const (
	Success Status = iota
	Error
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Error:
		return "error"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Outcome is the result of one unit of work. Value is set only for Success;
// Err holds the failure for Error and the cancellation cause for Cancelled.
type Outcome[T any] struct {
	Status Status
	Value  T
	Err    error
}

// Work is a unit of work. It must return promptly once ctx is done.
type Work[T any] func(ctx context.Context) (T, error)

type job struct {
	cancel context.CancelCauseFunc
}

// Supervisor runs at most one job per key. Starting a job for a key cancels
// the job already running under it.
type Supervisor[T any] struct {
	mu     sync.Mutex
	active map[string]*job
	logger *slog.Logger
}

// New creates an empty Supervisor. A nil logger selects slog.Default().
func New[T any](logger *slog.Logger) *Supervisor[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor[T]{
		active: make(map[string]*job),
		logger: logger,
	}
}

// Run registers work under key, cancelling any job already registered there,
// and blocks until work settles. The job deregisters itself on settlement
// only while it is still the registered job for key.
func (s *Supervisor[T]) Run(ctx context.Context, key string, work Work[T]) Outcome[T] {
	jobCtx, cancel := context.WithCancelCause(ctx)
	j := &job{cancel: cancel}

	s.mu.Lock()
	if prev, ok := s.active[key]; ok {
		prev.cancel(ErrSuperseded)
		s.logger.Debug("job superseded", "key", key)
	}
	s.active[key] = j
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.active[key] == j {
			delete(s.active, key)
		}
		s.mu.Unlock()
		cancel(nil)
	}()

	value, err := s.invoke(jobCtx, work)
	return classify(jobCtx, value, err)
}

func (s *Supervisor[T]) invoke(ctx context.Context, work Work[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "panic", r)
			var zero T
			value, err = zero, fmt.Errorf("job panicked: %v", r)
		}
	}()
	return work(ctx)
}

func classify[T any](ctx context.Context, value T, err error) Outcome[T] {
	if ctx.Err() != nil {
		return Outcome[T]{Status: Cancelled, Err: context.Cause(ctx)}
	}
	if err != nil {
		return Outcome[T]{Status: Error, Err: err}
	}
	return Outcome[T]{Status: Success, Value: value}
}

// Cancel stops the job registered under key and evicts it without waiting
// for it to settle. It is a no-op when no job is registered.
func (s *Supervisor[T]) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.active[key]
	if !ok {
		return
	}
	j.cancel(ErrCancelled)
	delete(s.active, key)
}

// CancelAll cancels every registered job.
func (s *Supervisor[T]) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, j := range s.active {
		j.cancel(ErrCancelled)
		delete(s.active, key)
	}
}

// Active reports whether a job is registered under key.
func (s *Supervisor[T]) Active(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[key]
	return ok
}

// Len returns the number of registered jobs.
func (s *Supervisor[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
