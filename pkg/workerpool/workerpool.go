// Package workerpool implements the launcher's bounded parallel
// executor: a fixed-size pool of N workers backed by a bounded job
// queue, exactly as spec §4.2/§5 describes. The dispatcher submits one
// job per instance it needs to start or stop and waits for the pool to
// drain before moving to the next phase.
//
// Concurrency is capped with golang.org/x/sync/semaphore: a weighted
// semaphore of weight N bounds how many jobs run at once, while a
// token-bucket channel sized to the queue capacity bounds how many jobs
// may be outstanding (queued or running) before Submit blocks the
// dispatcher, per spec §5 ("submitting when full blocks the submitter").
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cuemby/edgelauncher/pkg/errs"
	"github.com/cuemby/edgelauncher/pkg/log"
	"github.com/cuemby/edgelauncher/pkg/metrics"
	"github.com/cuemby/edgelauncher/pkg/model"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Job is one unit of work submitted to the pool: a start or stop
// operation for a single instance. Run must not touch dispatcher state
// except through values it closed over at submission time (spec §4.2:
// "jobs capture by value or by reference to immutable snapshots").
type Job struct {
	Ident model.InstanceIdent
	Run   func()
}

// Pool is a fixed-size worker pool with a bounded queue.
type Pool struct {
	sem     *semaphore.Weighted
	tokens  chan struct{}
	wg      sync.WaitGroup
	onPanic func(ident model.InstanceIdent, recovered any)
	logger  zerolog.Logger
	closed  atomic.Bool
}

// New creates a pool of n workers with a queue capacity of queueCap
// outstanding jobs. onPanic, if non-nil, is invoked (never more than
// once per job) when a job panics, so the caller can record the
// instance as Failed(Internal) per spec §4.7 without the panic
// propagating out of the pool.
func New(n, queueCap int, onPanic func(ident model.InstanceIdent, recovered any)) *Pool {
	if n < 1 {
		n = 1
	}
	if queueCap < n {
		queueCap = n
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(n)),
		tokens:  make(chan struct{}, queueCap),
		onPanic: onPanic,
		logger:  log.WithComponent("workerpool"),
	}
}

// Submit enqueues job, blocking while the queue is at capacity. It
// returns errs.Shutdown if the pool has been closed.
func (p *Pool) Submit(job Job) error {
	if p.closed.Load() {
		return errs.New(errs.Shutdown, "workerpool.Submit", "pool is shut down")
	}

	p.tokens <- struct{}{} // blocks the submitter when the queue is full
	metrics.WorkerPoolQueueDepth.Inc()
	p.wg.Add(1)

	go func() {
		defer func() {
			<-p.tokens
			metrics.WorkerPoolQueueDepth.Dec()
			p.wg.Done()
		}()

		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer p.sem.Release(1)

		p.runSafely(job)
	}()

	return nil
}

func (p *Pool) runSafely(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("instance_id", job.Ident.String()).
				Interface("panic", r).
				Msg("worker job panicked, converting to internal failure")
			if p.onPanic != nil {
				p.onPanic(job.Ident, r)
			}
		}
	}()
	job.Run()
}

// WaitDrain blocks until every submitted job has completed.
func (p *Pool) WaitDrain() {
	p.wg.Wait()
}

// Close marks the pool as no longer accepting submissions. It does not
// wait for in-flight jobs; call WaitDrain first if that is required.
func (p *Pool) Close() {
	p.closed.Store(true)
}
