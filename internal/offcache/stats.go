package offcache

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	mu     sync.Mutex
	counts map[string]uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{counts: map[string]uint64{}}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe counts one decision. A negative size counts the decision only.
func (s *statsCollector) Observe(status string, respBytes int) {
	s.mu.Lock()
	s.counts[status]++
	s.mu.Unlock()

	if respBytes < 0 {
		return
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Counts         map[string]uint64
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{Counts: map[string]uint64{}}
	s.mu.Lock()
	for k, v := range s.counts {
		out.Counts[k] = v
	}
	s.mu.Unlock()

	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = s.minRespBytes.Load()
	if out.MinRespBytes == math.MaxUint64 {
		out.MinRespBytes = 0
	}
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}

func (s statsSnapshot) labels() []string {
	out := make([]string, 0, len(s.Counts))
	for k := range s.Counts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
