// Package workerpool runs short CPU or I/O bound jobs on a fixed set of
// goroutines. clipring uses it for image encoding and for fanning a
// clipboard update out to every peer.
package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

var (
	ErrStopped    = errors.New("workerpool: pool stopped")
	ErrBufferFull = errors.New("workerpool: buffer is full")
)

type WorkerPool struct {
	config    Config
	taskQueue chan Task
	done      chan struct{}
	stopOnce  sync.Once
	workers   sync.WaitGroup
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

// Room groups tasks whose results are collected together.
type Room struct {
	resultChan chan Result
	wg         sync.WaitGroup
	wp         *WorkerPool
}

// Result is what one task of a Room produced.
type Result struct {
	Value any
	Err   error
}

type Task struct {
	run func()
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 1024
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan Task, config.GlobalBuffer),
		done:      make(chan struct{}),
	}
	wp.workers.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}
	return wp
}

// Stop makes further submissions fail with ErrStopped, drains what is
// already queued and waits for the workers to exit.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() { close(wp.done) })
	wp.workers.Wait()
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for {
		select {
		case <-wp.done:
			for {
				select {
				case t := <-wp.taskQueue:
					t.run()
				default:
					return
				}
			}
		case t := <-wp.taskQueue:
			t.run()
		}
	}
}

func (wp *WorkerPool) submit(ctx context.Context, t Task) error {
	select {
	case <-wp.done:
		return ErrStopped
	default:
	}
	select {
	case wp.taskQueue <- t:
		return nil
	case <-wp.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes fn on the pool and waits for its result.
func Run[T any](ctx context.Context, wp *WorkerPool, fn func() (T, error)) (T, error) {
	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	err := wp.submit(ctx, Task{run: func() {
		v, err := fn()
		ch <- outcome{v, err}
	}})
	if err != nil {
		var zero T
		return zero, err
	}
	select {
	case o := <-ch:
		return o.v, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-wp.done:
		// The task may still complete; a stopped pool no longer waits.
		select {
		case o := <-ch:
			return o.v, o.err
		default:
			var zero T
			return zero, ErrStopped
		}
	}
}

// CreateRoom returns a Room able to hold size results. Queue at most
// size tasks in it before calling Collect.
func (wp *WorkerPool) CreateRoom(size int) *Room {
	if size < 1 {
		size = 1
	}
	return &Room{
		resultChan: make(chan Result, size),
		wp:         wp,
	}
}

// NewTaskWaitForFreeSlot queues job, blocking while the pool is busy.
func (ro *Room) NewTaskWaitForFreeSlot(ctx context.Context, job func() (any, error)) error {
	ro.wg.Add(1)
	err := ro.wp.submit(ctx, Task{run: func() {
		defer ro.wg.Done()
		v, err := job()
		ro.resultChan <- Result{Value: v, Err: err}
	}})
	if err != nil {
		ro.wg.Done()
		ro.resultChan <- Result{Err: err}
	}
	return err
}

// NewTask queues job without waiting; it fails when either buffer is full.
func (ro *Room) NewTask(job func() (any, error)) error {
	if len(ro.wp.taskQueue) == cap(ro.wp.taskQueue) {
		return ErrBufferFull
	}
	if len(ro.resultChan) == cap(ro.resultChan) {
		return ErrBufferFull
	}
	return ro.NewTaskWaitForFreeSlot(context.Background(), job)
}

// Collect waits for every queued task and returns their results.
func (ro *Room) Collect() []Result {
	go ro.waitAndClose()
	results := make([]Result, 0, cap(ro.resultChan))
	for r := range ro.resultChan {
		results = append(results, r)
	}
	return results
}

func (ro *Room) waitAndClose() {
	ro.wg.Wait()
	close(ro.resultChan)
}
