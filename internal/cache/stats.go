package cache

import (
	"math"
	"sync/atomic"
)

// Stats counts where responses came from and how large they were.
type Stats struct {
	hits     atomic.Uint64
	preloads atomic.Uint64
	network  atomic.Uint64
	stores   atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStats() *Stats {
	s := &Stats{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *Stats) observe(src Source, respBytes int) {
	switch src {
	case SourceCache:
		s.hits.Add(1)
	case SourcePreload:
		s.preloads.Add(1)
	case SourceNetwork:
		s.network.Add(1)
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
}

type StatsSnapshot struct {
	Hits     uint64 `json:"hits"`
	Preloads uint64 `json:"preloads"`
	Network  uint64 `json:"network"`
	Stores   uint64 `json:"stores"`

	TotalResponses uint64 `json:"totalResponses"`
	TotalRespBytes uint64 `json:"totalRespBytes"`
	MinRespBytes   uint64 `json:"minRespBytes"`
	MaxRespBytes   uint64 `json:"maxRespBytes"`
	AvgRespBytes   uint64 `json:"avgRespBytes"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	out := StatsSnapshot{
		Hits:     s.hits.Load(),
		Preloads: s.preloads.Load(),
		Network:  s.network.Load(),
		Stores:   s.stores.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}
