package kvstore

import (
	"sync/atomic"
	"time"

	"github.com/rzpsarthak13/docbatch/internal/core"
)

// casSource hands out version tokens for backends that have no server-side
// counter. Tokens follow wall time in nanoseconds and never repeat within
// a process.
type casSource struct {
	now  func() time.Time
	last atomic.Uint64
}

func newCASSource(now func() time.Time) *casSource {
	if now == nil {
		now = time.Now
	}
	return &casSource{now: now}
}

func (s *casSource) next() core.CAS {
	candidate := uint64(s.now().UnixNano())
	for {
		last := s.last.Load()
		if candidate <= last {
			candidate = last + 1
		}
		if s.last.CompareAndSwap(last, candidate) {
			return core.CAS(candidate)
		}
	}
}
