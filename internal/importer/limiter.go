package importer

// limiter.go restricts how many import jobs run in parallel across
// tokens. The per-token at-most-one guard lives in service.go; this
// semaphore only bounds total resource usage. When all slots are
// occupied, new apply requests wait up to maxWait before failing with
// ErrTooManyJobs.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTooManyJobs is returned when all job slots are occupied and the
// wait timeout expires. Clients should retry after a short delay.
var ErrTooManyJobs = errors.New("too many concurrent imports, please try again later")

// Defaults applied when the limiter is constructed with zero values.
const (
	DefaultMaxConcurrentJobs = 4
	DefaultMaxWaitTime       = 30 * time.Second
)

// JobLimiter controls concurrent job execution using a semaphore.
type JobLimiter struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu     sync.RWMutex
	active int
}

// NewJobLimiter creates a limiter allowing at most maxConcurrent
// simultaneous jobs. Requests that cannot acquire a slot within maxWait
// receive ErrTooManyJobs.
func NewJobLimiter(maxConcurrent int, maxWait time.Duration) *JobLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentJobs
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}

	return &JobLimiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
	}
}

// Acquire attempts to acquire a job slot.
// The caller MUST call Release() when the job completes (use defer).
func (l *JobLimiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return nil

	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManyJobs
	}
}

// Release releases a previously acquired slot.
// Must be called exactly once for each successful Acquire.
func (l *JobLimiter) Release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()

	<-l.semaphore
}

// ActiveCount returns the number of currently running jobs.
func (l *JobLimiter) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// WaitForDrain blocks until all active jobs complete or ctx is
// cancelled. Used for graceful shutdown so partial commits already made
// by running jobs are followed by their snapshot rebuild.
func (l *JobLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if l.ActiveCount() == 0 {
				return nil
			}
		}
	}
}
