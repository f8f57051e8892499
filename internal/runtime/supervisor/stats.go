package supervisor

import (
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	restartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statusmon_goroutine_restarts_total",
		Help: "Restarts of supervised loops by name",
	}, []string{"name"})

	panicsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statusmon_goroutine_panics_total",
		Help: "Panics recovered in supervised loops by name",
	}, []string{"name"})
)

type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// LoopStats aggregates every run of one named loop.
type LoopStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErrAt    time.Time     `json:"last_err_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanic    string        `json:"last_panic,omitempty"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

type Snapshot struct {
	Counters   Counters    `json:"counters"`
	FirstError string      `json:"first_error,omitempty"`
	Loops      []LoopStats `json:"loops"`
}

type loopStats struct {
	LoopStats
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

// Snapshot lists loops active first, then by name.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.stats {
		snap.Loops = append(snap.Loops, st.LoopStats)
	}
	s.mu.Unlock()
	sort.Slice(snap.Loops, func(i, j int) bool {
		a, b := snap.Loops[i], snap.Loops[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		return a.Name < b.Name
	})
	return snap
}

// Status renders the snapshot as a tree branch: one child per loop name,
// with dots in names replaced so each loop stays a single segment.
func (s *Supervisor) Status() map[string]any {
	snap := s.Snapshot()
	loops := make(map[string]any, len(snap.Loops))
	for _, l := range snap.Loops {
		entry := map[string]any{
			"active":   l.Active,
			"started":  l.Started,
			"restarts": l.Restarts,
			"panics":   l.Panics,
		}
		if l.LastErr != "" {
			entry["last_err"] = l.LastErr
		}
		loops[segment(l.Name)] = entry
	}
	out := map[string]any{
		"active":  snap.Counters.Active,
		"started": snap.Counters.Started,
	}
	if len(loops) > 0 {
		out["loops"] = loops
	}
	if snap.FirstError != "" {
		out["first_error"] = snap.FirstError
	}
	return out
}

func segment(name string) string {
	b := []byte(name)
	for i, c := range b {
		if c == '.' {
			b[i] = '_'
		}
	}
	if len(b) == 0 {
		return "_"
	}
	return string(b)
}

// statFor returns the entry for name. Caller holds s.mu.
func (s *Supervisor) statFor(name string) *loopStats {
	st := s.stats[name]
	if st == nil {
		st = &loopStats{LoopStats{Name: name}}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, isRestart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.statFor(name)
	st.Started++
	st.Active++
	st.LastStartAt = now
	if isRestart {
		st.Restarts++
	}
	s.mu.Unlock()
	if isRestart {
		restartsTotal.WithLabelValues(name).Inc()
	}
	return now
}

func (s *Supervisor) noteStop(name string, startedAt time.Time, err error) {
	now := time.Now()
	s.mu.Lock()
	st := s.statFor(name)
	if st.Active > 0 {
		st.Active--
	}
	st.LastStopAt = now
	st.TotalRuntime += now.Sub(startedAt)
	if err != nil {
		st.LastErr = err.Error()
		st.LastErrAt = now
	}
	s.mu.Unlock()
}

func (s *Supervisor) notePanic(name string, p any) {
	s.mu.Lock()
	st := s.statFor(name)
	st.Panics++
	st.LastPanic = fmt.Sprint(p)
	s.mu.Unlock()
	panicsTotal.WithLabelValues(name).Inc()
}
