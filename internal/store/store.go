package store

import (
	"sort"
	"sync"
	"time"

	"nanogrid_simulator/internal/model"
)

// DefaultCapacity is the number of samples kept per node.
const DefaultCapacity = 48

// Store holds recent node samples in memory, indexed by node address.
// Each address keeps at most capacity samples; older ones are evicted.
type Store struct {
	mu       sync.RWMutex
	capacity int
	samples  map[string][]model.Sample // keyed by address, sorted by timestamp
}

// New creates a store. A capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		samples:  make(map[string][]model.Sample),
	}
}

// Capacity returns the per-address sample limit.
func (s *Store) Capacity() int { return s.capacity }

// AddSamples adds samples, sorts each affected address by timestamp and
// trims it to capacity.
func (s *Store) AddSamples(samples []model.Sample) {
	if len(samples) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range samples {
		s.samples[r.Address] = append(s.samples[r.Address], r)
	}

	seen := make(map[string]bool)
	for _, r := range samples {
		if seen[r.Address] {
			continue
		}
		seen[r.Address] = true
		all := s.samples[r.Address]
		sort.SliceStable(all, func(i, j int) bool {
			return all[i].Timestamp.Before(all[j].Timestamp)
		})
		if over := len(all) - s.capacity; over > 0 {
			kept := make([]model.Sample, s.capacity)
			copy(kept, all[over:])
			all = kept
		}
		s.samples[r.Address] = all
	}
}

// Addresses returns every address with at least one sample, sorted.
func (s *Store) Addresses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.samples))
	for addr, samples := range s.samples {
		if len(samples) > 0 {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

// SampleCount returns the number of samples held for an address.
func (s *Store) SampleCount(address string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples[address])
}

// Recent returns up to n of the newest samples for an address, oldest first.
// n <= 0 returns all of them.
func (s *Store) Recent(address string, n int) []model.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.samples[address]
	if n <= 0 || n > len(all) {
		n = len(all)
	}
	out := make([]model.Sample, n)
	copy(out, all[len(all)-n:])
	return out
}

// TimeRange returns the time range covered by an address's samples.
func (s *Store) TimeRange(address string) (model.TimeRange, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	samples := s.samples[address]
	if len(samples) == 0 {
		return model.TimeRange{}, false
	}

	return model.TimeRange{
		Start: samples[0].Timestamp,
		End:   samples[len(samples)-1].Timestamp,
	}, true
}

// GlobalTimeRange returns the union of all addresses' time ranges.
func (s *Store) GlobalTimeRange() (model.TimeRange, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var start, end time.Time
	first := true

	for _, samples := range s.samples {
		if len(samples) == 0 {
			continue
		}
		rStart := samples[0].Timestamp
		rEnd := samples[len(samples)-1].Timestamp

		if first || rStart.Before(start) {
			start = rStart
		}
		if first || rEnd.After(end) {
			end = rEnd
		}
		first = false
	}

	if first {
		return model.TimeRange{}, false
	}
	return model.TimeRange{Start: start, End: end}, true
}

// SamplesInRange returns samples for an address between start (inclusive)
// and end (exclusive).
func (s *Store) SamplesInRange(address string, start, end time.Time) []model.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.samples[address]
	if len(all) == 0 {
		return nil
	}

	startIdx := sort.Search(len(all), func(i int) bool {
		return !all[i].Timestamp.Before(start)
	})
	endIdx := sort.Search(len(all), func(i int) bool {
		return !all[i].Timestamp.Before(end)
	})

	if startIdx >= endIdx {
		return nil
	}

	result := make([]model.Sample, endIdx-startIdx)
	copy(result, all[startIdx:endIdx])
	return result
}

// SampleAt returns the most recent sample at or before t.
func (s *Store) SampleAt(address string, t time.Time) (model.Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.samples[address]
	if len(all) == 0 {
		return model.Sample{}, false
	}

	idx := sort.Search(len(all), func(i int) bool {
		return all[i].Timestamp.After(t)
	})

	if idx == 0 {
		return model.Sample{}, false
	}

	return all[idx-1], true
}
