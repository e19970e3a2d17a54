// Package admission bounds how many executions run at once.
package admission

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sakif/code-executor/internal/apperror"
	"github.com/sakif/code-executor/internal/metrics"
)

// DefaultSize is the slot count used when none is configured.
func DefaultSize() int {
	return min(runtime.NumCPU(), 8)
}

// Pool is a counting semaphore with a bounded wait. Waiters are admitted in
// arrival order.
type Pool struct {
	sem      *semaphore.Weighted
	size     int64
	timeout  time.Duration
	inFlight atomic.Int64
}

// New creates a pool with size slots. Acquire gives up after timeout.
func New(size int, timeout time.Duration) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("admission pool size must be positive, got %d", size)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("admission timeout must be positive, got %s", timeout)
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(size)),
		size:    int64(size),
		timeout: timeout,
	}, nil
}

// Acquire waits for a free slot. It returns apperror.Overloaded when none
// frees up within the admission timeout, and ctx.Err() when ctx ends first.
// The returned release func is safe to call more than once.
func (p *Pool) Acquire(ctx context.Context) (release func(), err error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.AdmissionRejections.Inc()
			return nil, apperror.Overloaded(fmt.Errorf("no slot free after %s", p.timeout))
		}
		return nil, apperror.Overloaded(err)
	}

	p.inFlight.Add(1)
	metrics.InFlight.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.inFlight.Add(-1)
			metrics.InFlight.Dec()
			p.sem.Release(1)
		})
	}, nil
}

// InFlight reports the number of slots currently held.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Size reports the total slot count.
func (p *Pool) Size() int {
	return int(p.size)
}
