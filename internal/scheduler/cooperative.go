package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Cooperative is the single-threaded scheduler variant: one worker loop
// pulls from the deadline-ordered queue and runs tasks serially, so task
// execution order equals deadline order. cmd/clustercontroller does not
// construct one: directory evictions run on per-entry timers, pending
// drains run inline in Router.AddRoute, and routing-table cleanup runs from
// a ticker loop.
type Cooperative struct {
	log zerolog.Logger

	mu     sync.Mutex
	pq     taskQueue
	seq    int64
	closed bool

	wake     chan struct{}
	done     chan struct{}
	loopDone chan struct{}
}

func NewCooperative(log zerolog.Logger) *Cooperative {
	s := &Cooperative{
		log:      log.With().Str("component", "scheduler.cooperative").Logger(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Cooperative) Schedule(task Task, delay time.Duration) Handle {
	item := &taskItem{deadline: time.Now().Add(delay), task: task}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Handle{item: item}
	}
	s.seq++
	item.seq = s.seq
	heap.Push(&s.pq, item)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return Handle{item: item}
}

func (s *Cooperative) Cancel(h Handle) { h.Cancel() }

// Shutdown waits for an in-flight task to finish, then drops everything
// still queued.
func (s *Cooperative) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.loopDone
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	<-s.loopDone
}

func (s *Cooperative) loop() {
	defer close(s.loopDone)

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if s.pq.Len() == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		next := s.pq[0]
		wait := time.Until(next.deadline)
		if wait > 0 {
			s.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-s.wake:
				timer.Stop()
			case <-s.done:
				timer.Stop()
				return
			}
			continue
		}

		item := heap.Pop(&s.pq).(*taskItem)
		s.mu.Unlock()

		if item.canceled.Load() {
			continue
		}
		s.run(item.task)
	}
}

func (s *Cooperative) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("scheduled task panicked")
		}
	}()
	task()
}
