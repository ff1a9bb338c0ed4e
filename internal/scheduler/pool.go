package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pool is the worker-pool scheduler variant: a single dispatcher goroutine
// posts ready tasks to a fixed set of worker goroutines, so there is no
// cross-task ordering guarantee. The router hands send tasks to a Pool
// since sending is blocking I/O; the default pool size is 6, configured
// via WORKER_POOL_SIZE.
type Pool struct {
	log zerolog.Logger
	size int

	mu     sync.Mutex
	pq     taskQueue
	seq    int64
	closed bool

	wake     chan struct{}
	done     chan struct{}
	jobs     chan Task
	wg       sync.WaitGroup // in-flight worker tasks
	workers  sync.WaitGroup
	dispDone chan struct{}
}

func NewPool(log zerolog.Logger, size int) *Pool {
	if size <= 0 {
		size = 6
	}
	p := &Pool{
		log:      log.With().Str("component", "scheduler.pool").Logger(),
		size:     size,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		jobs:     make(chan Task),
		dispDone: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.workers.Add(1)
		go p.worker()
	}
	go p.dispatch()
	return p
}

func (p *Pool) Schedule(task Task, delay time.Duration) Handle {
	item := &taskItem{deadline: time.Now().Add(delay), task: task}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Handle{item: item}
	}
	p.seq++
	item.seq = p.seq
	heap.Push(&p.pq, item)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return Handle{item: item}
}

func (p *Pool) Cancel(h Handle) { h.Cancel() }

// Shutdown stops dispatching newly-ready tasks (dropping whatever is still
// queued) and waits for tasks already handed to a worker to complete.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.dispDone
		p.wg.Wait()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	<-p.dispDone
	close(p.jobs)
	p.workers.Wait()
}

func (p *Pool) dispatch() {
	defer close(p.dispDone)

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		if p.pq.Len() == 0 {
			p.mu.Unlock()
			select {
			case <-p.wake:
				continue
			case <-p.done:
				return
			}
		}

		next := p.pq[0]
		wait := time.Until(next.deadline)
		if wait > 0 {
			p.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-p.wake:
				timer.Stop()
			case <-p.done:
				timer.Stop()
				return
			}
			continue
		}

		item := heap.Pop(&p.pq).(*taskItem)
		p.mu.Unlock()

		if item.canceled.Load() {
			continue
		}

		p.wg.Add(1)
		select {
		case p.jobs <- item.task:
		case <-p.done:
			p.wg.Done()
			return
		}
	}
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for task := range p.jobs {
		p.runOne(task)
	}
}

func (p *Pool) runOne(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("scheduled task panicked")
		}
	}()
	task()
}
