package router

import (
	"errors"
	"sync"
	"time"

	"github.com/baechuer/clustercontroller/internal/message"
)

// ErrAliasConflict is returned when an insert would overwrite an existing
// routing entry with a different address at an earlier-or-equal expiry.
var ErrAliasConflict = errors.New("router: alias conflict on routing-table insert")

// routingEntry is the routing table's value type.
type routingEntry struct {
	Address         message.Address
	GloballyVisible bool
	Expiry          time.Time
	Sticky          bool
}

// routingTable is swept periodically rather than timer-per-entry, unlike
// the generic directory/reply-caller TTL scheme: participant counts can be
// large and entries are frequently refreshed, so a periodic scan (driven by
// a ticker loop in cmd/clustercontroller) amortizes better than one timer
// per entry.
type routingTable struct {
	mu      sync.RWMutex
	entries map[string]routingEntry
}

func newRoutingTable() *routingTable {
	return &routingTable{entries: make(map[string]routingEntry)}
}

// insert validates the alias-conflict rule before writing.
func (t *routingTable) insert(participantID string, e routingEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.entries[participantID]; ok {
		if !existing.Address.Equal(e.Address) && !e.Expiry.After(existing.Expiry) {
			return ErrAliasConflict
		}
	}
	t.entries[participantID] = e
	return nil
}

func (t *routingTable) lookup(participantID string) (routingEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[participantID]
	return e, ok
}

func (t *routingTable) remove(participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, participantID)
}

// sweepExpired deletes every non-sticky entry whose expiry has passed,
// returning the participant ids removed so callers can log or react.
func (t *routingTable) sweepExpired(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []string
	for id, e := range t.entries {
		if e.Sticky {
			continue
		}
		if !e.Expiry.IsZero() && !e.Expiry.After(now) {
			delete(t.entries, id)
			removed = append(removed, id)
		}
	}
	return removed
}

func (t *routingTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
