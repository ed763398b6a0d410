package workqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler processes one item. It owns reporting of the item's outcome.
type Handler[T any] func(ctx context.Context, workerID int, item T)

// Pool runs exactly Size long-lived workers over a shared Queue.
type Pool[T any] struct {
	size    int
	handler Handler[T]
	logger  *slog.Logger
	queue   *Queue[T]
	wg      sync.WaitGroup
	once    sync.Once

	// Recover, if set, is called with the item whose handler panicked. The
	// worker survives and moves on to the next item.
	Recover func(item T, recovered any)
}

// NewPool builds a pool. size below 1 is treated as 1.
func NewPool[T any](size int, handler Handler[T], logger *slog.Logger) *Pool[T] {
	if size < 1 {
		size = 1
	}
	return &Pool[T]{
		size:    size,
		handler: handler,
		logger:  logger,
		queue:   NewQueue[T](),
	}
}

// Size is the number of workers.
func (p *Pool[T]) Size() int { return p.size }

// Start spawns the workers. Calling it more than once has no effect.
func (p *Pool[T]) Start(ctx context.Context) {
	p.once.Do(func() {
		p.logger.Debug("Starting worker pool.", slog.Int("workers", p.size))
		for i := 1; i <= p.size; i++ {
			p.wg.Add(1)
			go p.work(ctx, i)
		}
	})
}

// Submit queues an item. Fails with ErrClosed after Shutdown.
func (p *Pool[T]) Submit(item T) error {
	return p.queue.Put(item)
}

// Shutdown stops accepting new items. Queued and in-flight items still run.
func (p *Pool[T]) Shutdown() {
	p.queue.Close()
}

// Wait blocks until every submitted item has been handled, then closes the
// queue and waits for the workers to exit.
func (p *Pool[T]) Wait() {
	p.queue.Join()
	p.queue.Close()
	p.wg.Wait()
}

func (p *Pool[T]) work(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		item, ok := p.queue.Get()
		if !ok {
			p.logger.Debug("Worker exiting, queue drained.", slog.Int("worker", id))
			return
		}
		p.handle(ctx, id, item)
	}
}

// handle runs one item, keeping a panicking handler from killing the worker.
func (p *Pool[T]) handle(ctx context.Context, id int, item T) {
	defer p.queue.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker recovered from panic.", slog.Int("worker", id), slog.String("panic", fmt.Sprint(r)))
			if p.Recover != nil {
				p.Recover(item, r)
			}
		}
	}()
	p.handler(ctx, id, item)
}
