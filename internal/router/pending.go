package router

import (
	"sync"

	"github.com/baechuer/clustercontroller/internal/message"
)

// pendingQueue parks outbound messages addressed to a participant not yet
// present in the routing table. Parked messages still honor their own expiry once drained and
// resubmitted to route.
type pendingQueue struct {
	mu      sync.Mutex
	byDest  map[string][]*message.Message
	maxSize int // per-destination cap; 0 means unbounded
}

func newPendingQueue(maxSize int) *pendingQueue {
	return &pendingQueue{byDest: make(map[string][]*message.Message), maxSize: maxSize}
}

// park returns false if the per-destination queue is already at capacity,
// in which case the caller should drop the message instead.
func (q *pendingQueue) park(destination string, msg *message.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	existing := q.byDest[destination]
	if q.maxSize > 0 && len(existing) >= q.maxSize {
		return false
	}
	q.byDest[destination] = append(existing, msg)
	return true
}

// drain removes and returns every message parked for destination.
func (q *pendingQueue) drain(destination string) []*message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.byDest[destination]
	delete(q.byDest, destination)
	return msgs
}

func (q *pendingQueue) len(destination string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byDest[destination])
}
