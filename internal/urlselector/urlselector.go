// Package urlselector implements per-channel URL fitness tracking with
// failure-driven demotion and time-based recovery.
package urlselector

import (
	"sync"
	"time"

	"github.com/baechuer/clustercontroller/internal/bounceproxyurl"
	"github.com/rs/zerolog"
)

// Directory is the external channel-URL lookup capability: the discovery
// subsystem is consumed through a narrow interface, not implemented here.
type Directory interface {
	// Lookup returns the candidate base URLs for a channel, highest
	// priority first. An empty slice or an error both trigger the
	// synthesized-default-URL fallback.
	Lookup(channelID string) ([]string, error)
}

type channelEntry struct {
	urls       []string // base form, no send-message suffix
	fitness    []float64
	lastUpdate time.Time
}

// Selector implements per-channel URL fitness bookkeeping. Entries are
// guarded by a single mutex protecting the URL list and the fitness vector
// as one unit.
type Selector struct {
	log zerolog.Logger

	punishmentFactor float64
	recoveryPeriod   time.Duration
	builder          bounceproxyurl.Builder
	directory        Directory

	mu      sync.Mutex
	entries map[string]*channelEntry
}

func New(log zerolog.Logger, punishmentFactor float64, recoveryPeriod time.Duration, builder bounceproxyurl.Builder, directory Directory) *Selector {
	return &Selector{
		log:              log.With().Str("component", "urlselector").Logger(),
		punishmentFactor: punishmentFactor,
		recoveryPeriod:   recoveryPeriod,
		builder:          builder,
		directory:        directory,
		entries:          make(map[string]*channelEntry),
	}
}

// ObtainURL returns the current best URL for channelID, with the
// send-message suffix appended, ready to hand to the HTTP driver.
func (s *Selector) ObtainURL(channelID string) string {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[channelID]
	if !ok {
		e = s.newEntryLocked(channelID, now)
	} else {
		s.recoverLocked(e, now)
	}

	best := bestIndex(e.fitness)
	return bounceproxyurl.AppendSendMessageSuffix(e.urls[best])
}

// Feedback records a failed attempt against url for channelID. Successful
// feedback is a no-op. A url not found in the cached list is
// ignored, as is feedback for an unknown channel.
func (s *Selector) Feedback(success bool, channelID, url string) {
	if success {
		return
	}

	now := time.Now()
	base := bounceproxyurl.StripSendMessageSuffix(url)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[channelID]
	if !ok {
		s.log.Debug().Str("channel_id", channelID).Msg("feedback for unknown channel")
		return
	}
	s.recoverLocked(e, now)

	idx := -1
	for i, u := range e.urls {
		if u == base {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.log.Debug().Str("channel_id", channelID).Str("url", url).Msg("feedback for unknown url")
		return
	}
	e.fitness[idx] -= s.punishmentFactor
}

func (s *Selector) newEntryLocked(channelID string, now time.Time) *channelEntry {
	urls, err := s.lookup(channelID)
	if err != nil || len(urls) == 0 {
		s.log.Debug().Str("channel_id", channelID).Err(err).
			Msg("no URLs from channel-URL directory; synthesizing default")
		urls = []string{s.builder.DefaultChannelURL(channelID)}
	}

	n := len(urls)
	fitness := make([]float64, n)
	for i := range fitness {
		fitness[i] = float64(n - i)
	}

	e := &channelEntry{urls: urls, fitness: fitness, lastUpdate: now}
	s.entries[channelID] = e
	return e
}

func (s *Selector) lookup(channelID string) ([]string, error) {
	if s.directory == nil {
		return nil, nil
	}
	return s.directory.Lookup(channelID)
}

// recoverLocked applies the recovery rule: increments scale with elapsed
// time, and the cap preserves each URL's initial priority rank.
func (s *Selector) recoverLocked(e *channelEntry, now time.Time) {
	if s.recoveryPeriod <= 0 {
		return
	}
	increments := int64(now.Sub(e.lastUpdate) / s.recoveryPeriod)
	if increments < 1 {
		return
	}
	n := len(e.urls)
	delta := float64(increments) * s.punishmentFactor
	for i := range e.fitness {
		cap := float64(n - i)
		e.fitness[i] += delta
		if e.fitness[i] > cap {
			e.fitness[i] = cap
		}
	}
	e.lastUpdate = now
}

// bestIndex returns the index of the maximal fitness value, with ties
// broken toward the smaller index.
func bestIndex(fitness []float64) int {
	best := 0
	for i := 1; i < len(fitness); i++ {
		if fitness[i] > fitness[best] {
			best = i
		}
	}
	return best
}

// Snapshot exposes the current fitness vector for a channel, used by the
// admin API and by tests. ok is false if the channel hasn't been seen yet.
func (s *Selector) Snapshot(channelID string) (urls []string, fitness []float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.entries[channelID]
	if !found {
		return nil, nil, false
	}
	urls = append(urls[:0:0], e.urls...)
	fitness = append(fitness[:0:0], e.fitness...)
	return urls, fitness, true
}
