// Package pool runs tasks on a fixed set of workers. The web front end uses
// it so each request is handled end-to-end by one worker, bounding request
// concurrency independently of the listener.
package pool

import (
	"log/slog"
	"sync"
)

type WorkerPool struct {
	tasks  chan func()
	wg     sync.WaitGroup
	logger *slog.Logger
	once   sync.Once
}

func New(workers, queueSize int, logger *slog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	p := &WorkerPool{
		tasks:  make(chan func(), queueSize),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues a task, blocking while the queue is full. It reports false
// once the pool has been stopped.
func (p *WorkerPool) Submit(task func()) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	p.tasks <- task
	return true
}

// Stop closes the queue and waits for in-flight tasks to finish.
func (p *WorkerPool) Stop() {
	p.once.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", "panic", r)
		}
	}()
	task()
}
