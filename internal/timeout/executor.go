// Package timeout runs cancellable operations under an extendable time
// budget with retries, exponential backoff and partial-result acceptance.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/taskweave/internal/guard"
)

var (
	// ErrTimeout indicates the last attempt ran out of budget.
	ErrTimeout = errors.New("operation timed out")
	// ErrCancelled indicates the operation was cancelled.
	ErrCancelled = errors.New("operation cancelled")
	// ErrDuplicateOperation indicates an operation with the same id is in flight.
	ErrDuplicateOperation = errors.New("operation already in flight")
)

// errAttemptExpired is the cancel cause of an attempt whose timer fired.
var errAttemptExpired = errors.New("attempt expired")

// Status is the outcome of an Execute call.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusPartial   Status = "partial"
	StatusTimedOut  Status = "timed_out"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Progress is a snapshot reported by a running operation.
type Progress struct {
	Completed int
	Total     int
	Stage     string
	// EstimatedTimeRemaining, when positive, asks for the attempt deadline
	// to be moved to now+EstimatedTimeRemaining.
	EstimatedTimeRemaining time.Duration
}

// Fraction returns Completed/Total, or zero when Total is not positive.
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	f := float64(p.Completed) / float64(p.Total)
	if f > 1 {
		return 1
	}
	return f
}

// ProgressFunc records a progress snapshot.
type ProgressFunc func(Progress)

// Operation is the work to run. It must watch ctx and return once it is
// done; an operation that ignores ctx still resolves as timed out.
type Operation[T any] func(ctx context.Context, report ProgressFunc) (T, error)

// PartialExtractor builds a degraded result from the last progress snapshot
// once retries are exhausted. Returning false declines the partial result.
type PartialExtractor[T any] func(last Progress) (T, bool)

// Result is the outcome of Execute.
type Result[T any] struct {
	Value  T
	Status Status
	Err    error
	// RetryCount is the number of retries performed.
	RetryCount int
	// Attempts is the number of times the operation was started.
	Attempts     int
	Elapsed      time.Duration
	LastProgress Progress
}

// OK reports whether the result carries a usable value.
func (r Result[T]) OK() bool {
	return r.Status == StatusSuccess || r.Status == StatusPartial
}

// operation is the in-flight state of one Execute call.
type operation struct {
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	progress Progress
}

func (o *operation) setProgress(p Progress) {
	o.mu.Lock()
	o.progress = p
	o.mu.Unlock()
}

func (o *operation) lastProgress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// Executor tracks in-flight operations by id. Different ids are fully
// independent; an id may be reused once its call has returned.
type Executor struct {
	mu     sync.Mutex
	ops    map[string]*operation
	logger zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		ops:    make(map[string]*operation),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cancel signals cancellation of the in-flight operation opID. It returns
// false if no such operation is running.
func (e *Executor) Cancel(opID string) bool {
	e.mu.Lock()
	op, ok := e.ops[opID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	op.cancel(ErrCancelled)
	return true
}

// CancelAll cancels every in-flight operation and returns how many there were.
func (e *Executor) CancelAll() int {
	e.mu.Lock()
	ops := make([]*operation, 0, len(e.ops))
	for _, op := range e.ops {
		ops = append(ops, op)
	}
	e.mu.Unlock()
	for _, op := range ops {
		op.cancel(ErrCancelled)
	}
	return len(ops)
}

// Active returns the ids of in-flight operations, sorted.
func (e *Executor) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.ops))
	for id := range e.ops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Progress returns the last snapshot reported by opID.
func (e *Executor) Progress(opID string) (Progress, bool) {
	e.mu.Lock()
	op, ok := e.ops[opID]
	e.mu.Unlock()
	if !ok {
		return Progress{}, false
	}
	return op.lastProgress(), true
}

func (e *Executor) register(opID string, op *operation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.ops[opID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOperation, opID)
	}
	e.ops[opID] = op
	return nil
}

func (e *Executor) unregister(opID string) {
	e.mu.Lock()
	delete(e.ops, opID)
	e.mu.Unlock()
}

// Execute runs op under cfg, retrying timed out or failed attempts with
// backoff until cfg.MaxRetries is spent. Cancellation through ctx or
// e.Cancel(opID) resolves the call as StatusCancelled. extract may be nil.
func Execute[T any](ctx context.Context, e *Executor, opID string, op Operation[T], cfg Config, extract PartialExtractor[T]) Result[T] {
	start := time.Now()
	cfg = cfg.Normalize()

	opCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	state := &operation{cancel: cancel}
	if err := e.register(opID, state); err != nil {
		return Result[T]{Status: StatusFailed, Err: err, Elapsed: time.Since(start)}
	}
	defer e.unregister(opID)

	log := e.logger.With().Str("op", opID).Logger()
	var res Result[T]
	finish := func(status Status, err error) Result[T] {
		res.Status = status
		res.Err = err
		res.Elapsed = time.Since(start)
		res.LastProgress = state.lastProgress()
		return res
	}

	var lastErr error
	timedOut := false
	for attempt := 0; ; attempt++ {
		res.Attempts = attempt + 1
		value, expired, err := runAttempt(opCtx, opID, state, op, cfg)

		if opCtx.Err() != nil {
			return finish(StatusCancelled, cancelCause(opCtx))
		}
		if err == nil && !expired {
			res.Value = value
			return finish(StatusSuccess, nil)
		}

		timedOut = expired
		lastErr = err
		if attempt >= cfg.MaxRetries {
			break
		}

		delay := cfg.Backoff(attempt)
		log.Debug().
			Int("attempt", attempt+1).
			Bool("timed_out", expired).
			AnErr("err", err).
			Dur("backoff", delay).
			Msg("retrying operation")

		t := time.NewTimer(delay)
		select {
		case <-opCtx.Done():
			t.Stop()
			return finish(StatusCancelled, cancelCause(opCtx))
		case <-t.C:
		}
		res.RetryCount++
	}

	last := state.lastProgress()
	if extract != nil && last.Completed > 0 && last.Fraction() >= cfg.PartialResultThreshold {
		if value, ok := extract(last); ok {
			log.Info().Float64("fraction", last.Fraction()).Msg("accepting partial result")
			res.Value = value
			return finish(StatusPartial, nil)
		}
	}

	log.Warn().Int("retries", res.RetryCount).Bool("timed_out", timedOut).Msg("operation retries exhausted")
	if timedOut {
		return finish(StatusTimedOut, fmt.Errorf("%w: %s after %d attempts", ErrTimeout, opID, res.Attempts))
	}
	return finish(StatusFailed, lastErr)
}

// runAttempt runs op once under a fresh timer. expired is true when the
// timer fired before op returned.
func runAttempt[T any](parent context.Context, opID string, state *operation, op Operation[T], cfg Config) (value T, expired bool, err error) {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	attemptStart := time.Now()
	hardStop := attemptStart.Add(cfg.MaxTimeout)

	var mu sync.Mutex
	deadline := attemptStart.Add(cfg.BaseTimeout)
	timer := time.AfterFunc(cfg.BaseTimeout, func() {
		cancel(errAttemptExpired)
	})
	defer timer.Stop()

	// Reports after the attempt has ended are dropped: the result is final.
	report := func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		state.setProgress(p)
		if p.EstimatedTimeRemaining <= 0 {
			return
		}
		now := time.Now()
		want := now.Add(p.EstimatedTimeRemaining)
		if want.After(hardStop) {
			want = hardStop
		}
		if want.After(deadline) && timer.Stop() {
			deadline = want
			timer.Reset(want.Sub(now))
		}
	}

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		o.err = guard.Call("timeout."+opID, func() error {
			var err error
			o.value, err = op(ctx, report)
			return err
		})
		done <- o
	}()

	select {
	case o := <-done:
		if errors.Is(context.Cause(ctx), errAttemptExpired) {
			return value, true, o.err
		}
		return o.value, false, o.err
	case <-ctx.Done():
		if errors.Is(context.Cause(ctx), errAttemptExpired) {
			return value, true, ErrTimeout
		}
		return value, false, context.Cause(ctx)
	}
}

func cancelCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
