package retry

import (
	"time"

	"github.com/vietddude/wlantunnel/internal/core/domain"
)

const (
	statsMaxAPNs   = 10
	statsMaxErrors = 1000
)

// ErrorStats counts reported errors per APN. It resets itself once it
// tracks too many APNs or errors.
type ErrorStats struct {
	counts    map[string]map[string]int64
	total     int
	startedAt time.Time
}

func newErrorStats(now time.Time) *ErrorStats {
	return &ErrorStats{counts: make(map[string]map[string]int64), startedAt: now}
}

func (s *ErrorStats) update(apn string, err domain.TunnelError, now time.Time) {
	if len(s.counts) >= statsMaxAPNs || s.total >= statsMaxErrors {
		s.reset(now)
	}
	byErr, ok := s.counts[apn]
	if !ok {
		byErr = make(map[string]int64)
		s.counts[apn] = byErr
	}
	byErr[err.Error()]++
	s.total++
}

func (s *ErrorStats) reset(now time.Time) {
	s.counts = make(map[string]map[string]int64)
	s.total = 0
	s.startedAt = now
}

// StatsSnapshot is a copy of the error counters.
type StatsSnapshot struct {
	Since  time.Time                   `json:"since"`
	Total  int                         `json:"total"`
	Counts map[string]map[string]int64 `json:"counts"`
}

func (s *ErrorStats) snapshot() StatsSnapshot {
	counts := make(map[string]map[string]int64, len(s.counts))
	for apn, byErr := range s.counts {
		c := make(map[string]int64, len(byErr))
		for k, v := range byErr {
			c[k] = v
		}
		counts[apn] = c
	}
	return StatsSnapshot{Since: s.startedAt, Total: s.total, Counts: counts}
}
