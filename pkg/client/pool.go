package client

import (
	"fmt"
	"sync"
	"time"

	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"
)

// task wraps a function so that it can sit on a workqueue. Every task is a
// distinct pointer and is never collapsed with another one.
type task struct {
	fn func()
}

// workerPool runs submitted tasks, in submission order, on a fixed number of
// workers fed by a workqueue
type workerPool struct {
	// mu serializes Submit against Stop so no task is added to a queue that
	// is shutting down
	mu      sync.Mutex
	stopped bool

	workqueue workqueue.TypedInterface[*task]
	// stopCh is closed by the first worker that finds the queue drained
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = defaultWorkerPoolSize
	}
	p := &workerPool{
		workqueue: workqueue.NewTyped[*task](),
		stopCh:    make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			wait.Until(p.runWorker, time.Second, p.stopCh)
		}()
	}
	return p
}

// runWorker processes tasks until the queue is shut down and drained
func (p *workerPool) runWorker() {
	for p.processNextWorkItem() {
	}
}

func (p *workerPool) processNextWorkItem() bool {
	t, shutdown := p.workqueue.Get()
	if shutdown {
		p.stopOnce.Do(func() { close(p.stopCh) })
		return false
	}
	defer p.workqueue.Done(t)
	runTask(t.fn)
	return true
}

func runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			utilruntime.HandleError(fmt.Errorf("worker task panicked: %v", r))
		}
	}()
	fn()
}

// Submit queues a task. It returns false once the pool is stopped.
func (p *workerPool) Submit(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.workqueue.Add(&task{fn: fn})
	return true
}

// Stop lets the workers finish the queued tasks and exit
func (p *workerPool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	klog.V(5).Infof("Shutting down worker pool with %d queued tasks", p.workqueue.Len())
	p.workqueue.ShutDown()
}

// Wait blocks until every worker exited
func (p *workerPool) Wait() {
	p.wg.Wait()
}

// submitOrRun runs the task on the pool, or on its own goroutine when the pool
// is stopped
func (p *workerPool) submitOrRun(fn func()) {
	if !p.Submit(fn) {
		go runTask(fn)
	}
}
