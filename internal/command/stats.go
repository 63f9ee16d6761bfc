package command

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

type statsKey struct{}

// Stats tallies counters over everything done on behalf of one
// synchronization: the commands it spawned and whatever its callers add.
// All methods are safe for concurrent use and are no-ops on a nil *Stats.
type Stats struct {
	mu     sync.Mutex
	values map[string]int
}

// Add increments key by delta.
func (s *Stats) Add(key string, delta int) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] += delta
}

// Max raises key to value unless it already is at least as large.
func (s *Stats) Max(key string, value int) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.values[key]; !ok || value > current {
		s.values[key] = value
	}
}

// Fields returns a snapshot of all counters, ready to be attached to a log
// entry.
func (s *Stats) Fields() logrus.Fields {
	fields := logrus.Fields{}
	if s == nil {
		return fields
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range s.values {
		fields[key] = value
	}
	return fields
}

// ContextWithStats returns a copy of ctx carrying an empty Stats.
func ContextWithStats(ctx context.Context) context.Context {
	return context.WithValue(ctx, statsKey{}, &Stats{values: map[string]int{}})
}

// StatsFromContext returns the Stats carried by ctx. It is nil if ctx was
// not prepared with ContextWithStats.
func StatsFromContext(ctx context.Context) *Stats {
	stats, _ := ctx.Value(statsKey{}).(*Stats)
	return stats
}
