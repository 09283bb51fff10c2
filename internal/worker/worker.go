// Package worker runs work that must finish after the response has been
// handed to the client but before the process exits.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Job is a unit of deferred work. Its context is detached from the request
// that scheduled it, so it survives the response being written.
type Job = func(ctx context.Context) error

type Pool struct {
	wg      sync.WaitGroup
	timeout time.Duration
	logger  *slog.Logger
	base    context.Context
	cancel  context.CancelFunc

	running atomic.Int64
	failed  atomic.Int64
}

// NewPool creates a pool whose jobs each get at most timeout to run.
func NewPool(timeout time.Duration, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Pool{timeout: timeout, logger: logger, base: base, cancel: cancel}
}

// Go runs job in the background. Errors and panics are logged and counted,
// never returned to the caller.
func (p *Pool) Go(name string, job Job) {
	p.wg.Add(1)
	p.running.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.running.Add(-1)

		ctx, cancel := context.WithTimeout(p.base, p.timeout)
		defer cancel()

		if err := p.run(ctx, job); err != nil {
			p.failed.Add(1)
			p.logger.Error("deferred job failed",
				slog.String("job", name),
				slog.Any("error", err),
			)
		}
	}()
}

func (p *Pool) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job(ctx)
}

// Wait blocks until every scheduled job has finished or ctx is done. When ctx
// ends first the remaining jobs are cancelled.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("deferred work not drained: %d jobs still running: %w", p.running.Load(), ctx.Err())
	}
}

// Failed reports how many jobs have failed since the pool was created.
func (p *Pool) Failed() int64 {
	return p.failed.Load()
}
