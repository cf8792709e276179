// Package async provides bounded worker utilities for ordered pipelines.
package async

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/veloxtrade/riskcore/errs"
)

// Task represents a unit of work executed by a worker.
type Task func(context.Context) error

// KeyedExecutor routes tasks to one of a fixed set of serial workers by key.
// Tasks sharing a key always run on the same worker in submission order;
// tasks with different keys may run in parallel. This is how per-symbol
// ordering is enforced without a global lock.
type KeyedExecutor struct {
	ctx    context.Context
	cancel context.CancelFunc
	queues []chan job
	wg     sync.WaitGroup
	once   sync.Once

	onError func(key string, err error)
}

type job struct {
	ctx context.Context
	key string
	fn  Task
}

// NewKeyedExecutor creates an executor with the given worker count and
// per-worker queue depth.
func NewKeyedExecutor(workers, queue int) (*KeyedExecutor, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeValidation, errs.WithMessage("workers must be >0"))
	}
	if queue < 1 {
		queue = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &KeyedExecutor{
		ctx:    ctx,
		cancel: cancel,
		queues: make([]chan job, workers),
	}
	for i := range e.queues {
		e.queues[i] = make(chan job, queue)
		e.wg.Add(1)
		go e.worker(e.queues[i])
	}
	return e, nil
}

// SetOnError registers a callback for task failures. Without one, failures
// are silently dropped, which is never what the pipeline wants.
func (e *KeyedExecutor) SetOnError(fn func(key string, err error)) {
	e.onError = fn
}

// Submit enqueues the task on the key's worker, blocking when the worker's
// queue is full. Blocking preserves ordering; dropping would not.
func (e *KeyedExecutor) Submit(ctx context.Context, key string, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeValidation, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	queue := e.queues[e.shard(key)]
	select {
	case <-e.ctx.Done():
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("executor closed"))
	case <-ctx.Done():
		return fmt.Errorf("submit context: %w", ctx.Err())
	case queue <- job{ctx: ctx, key: key, fn: fn}:
		return nil
	}
}

func (e *KeyedExecutor) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(e.queues)))
}

func (e *KeyedExecutor) worker(queue chan job) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case j := <-queue:
			if err := j.fn(j.ctx); err != nil && e.onError != nil {
				e.onError(j.key, err)
			}
		}
	}
}

// Close stops accepting new tasks and cancels workers.
func (e *KeyedExecutor) Close() {
	e.once.Do(e.cancel)
}

// Shutdown closes the executor and waits for workers to exit or ctx to
// expire.
func (e *KeyedExecutor) Shutdown(ctx context.Context) error {
	e.Close()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	}
}
