package offline0

import (
	"math"
	"sync"
	"sync/atomic"
)

// statsCollector accumulates response sizes and per-source counts between
// periodic stats log lines.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	mu       sync.Mutex
	bySource map[Source]uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{bySource: map[Source]uint64{}}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(src Source, respBytes int) {
	if s == nil {
		return
	}
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}

	s.mu.Lock()
	s.bySource[src]++
	s.mu.Unlock()
}

type statsSnapshot struct {
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
	BySource       map[Source]uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	maxv := s.maxRespBytes.Load()

	s.mu.Lock()
	by := make(map[Source]uint64, len(s.bySource))
	for k, v := range s.bySource {
		by[k] = v
	}
	s.mu.Unlock()

	if count == 0 {
		return statsSnapshot{BySource: by}
	}
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		TotalResponses: count,
		TotalRespBytes: total,
		MinRespBytes:   minv,
		MaxRespBytes:   maxv,
		AvgRespBytes:   total / count,
		BySource:       by,
	}
}
