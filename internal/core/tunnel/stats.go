package tunnel

import "time"

const (
	statsMaxSamples = 1000
	statsMaxAPNs    = 10
)

// Summary is a running min/max/mean of durations.
type Summary struct {
	Count int64         `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Sum   time.Duration `json:"sum"`
}

func (s *Summary) add(d time.Duration) {
	if s.Count == 0 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
	s.Count++
	s.Sum += d
}

func (s Summary) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / time.Duration(s.Count)
}

// APNStats accumulates the lifecycle results of one APN.
type APNStats struct {
	SetupSuccess     Summary `json:"setup_success"`
	UpTime           Summary `json:"up_time"`
	SetupFailures    int64   `json:"setup_failures"`
	UnsolicitedDrops int64   `json:"unsolicited_drops"`
}

// Stats tracks per-APN tunnel statistics for one slot. It resets once it
// holds too many samples or APNs.
type Stats struct {
	byAPN     map[string]*APNStats
	samples   int
	startedAt time.Time
}

func newStats(now time.Time) *Stats {
	return &Stats{byAPN: make(map[string]*APNStats), startedAt: now}
}

func (s *Stats) entry(apn string, now time.Time) *APNStats {
	if s.samples > statsMaxSamples || len(s.byAPN) >= statsMaxAPNs {
		s.byAPN = make(map[string]*APNStats)
		s.samples = 0
		s.startedAt = now
	}
	st, ok := s.byAPN[apn]
	if !ok {
		st = &APNStats{}
		s.byAPN[apn] = st
	}
	s.samples++
	return st
}

func (s *Stats) setupSuccess(apn string, latency time.Duration, now time.Time) {
	s.entry(apn, now).SetupSuccess.add(latency)
}

func (s *Stats) setupFailure(apn string, now time.Time) {
	s.entry(apn, now).SetupFailures++
}

func (s *Stats) down(apn string, upTime time.Duration, unsolicited bool, now time.Time) {
	st := s.entry(apn, now)
	st.UpTime.add(upTime)
	if unsolicited {
		st.UnsolicitedDrops++
	}
}

// StatsSnapshot is a copy of the tunnel statistics.
type StatsSnapshot struct {
	Since time.Time           `json:"since"`
	APNs  map[string]APNStats `json:"apns"`
}

func (s *Stats) snapshot() StatsSnapshot {
	out := StatsSnapshot{Since: s.startedAt, APNs: make(map[string]APNStats, len(s.byAPN))}
	for apn, st := range s.byAPN {
		out.APNs[apn] = *st
	}
	return out
}
