package profiling

import (
	"sort"
	"sync"
	"time"
)

type Profiler interface {
	Record(sample Sample)
	Snapshot() map[string]MethodStats
}

// Sample is one completed method invocation.
type Sample struct {
	Name     string
	Duration time.Duration
	Failed   bool
	Slow     bool
	At       time.Time
}

type MethodStats struct {
	Calls    int64         `json:"calls"`
	Failures int64         `json:"failures"`
	Slow     int64         `json:"slow"`
	Total    time.Duration `json:"total"`
	Max      time.Duration `json:"max"`
	LastCall time.Time     `json:"last_call"`
}

func (s MethodStats) Average() time.Duration {
	if s.Calls == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Calls)
}

// Recorder aggregates samples per method name. Safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	stats map[string]*MethodStats
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{stats: make(map[string]*MethodStats)}
}

func (r *Recorder) Record(sample Sample) {
	if sample.At.IsZero() {
		sample.At = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.stats[sample.Name]
	if !ok {
		st = &MethodStats{}
		r.stats[sample.Name] = st
	}
	st.Calls++
	st.Total += sample.Duration
	if sample.Duration > st.Max {
		st.Max = sample.Duration
	}
	if sample.Failed {
		st.Failures++
	}
	if sample.Slow {
		st.Slow++
	}
	st.LastCall = sample.At
}

// Snapshot returns a copy of the current statistics.
func (r *Recorder) Snapshot() map[string]MethodStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]MethodStats, len(r.stats))
	for name, st := range r.stats {
		out[name] = *st
	}
	return out
}

// Slowest returns up to n method names ordered by their maximum duration.
func (r *Recorder) Slowest(n int) []string {
	snap := r.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if snap[names[i]].Max != snap[names[j]].Max {
			return snap[names[i]].Max > snap[names[j]].Max
		}
		return names[i] < names[j]
	})
	if n >= 0 && len(names) > n {
		names = names[:n]
	}
	return names
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = make(map[string]*MethodStats)
}
