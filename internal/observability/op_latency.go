package observability

import (
	"math"
	"slices"
	"sync"
	"time"
)

// OpLatency summarizes the recent timings of one store operation. Budget figures appear
// once the store's persistence timeout is known; OverBudget counts calls that took at
// least that long.
type OpLatency struct {
	Op         string  `json:"op"`
	Samples    int     `json:"samples"`
	Failures   int     `json:"failures"`
	MeanMS     float64 `json:"mean_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget int     `json:"over_budget,omitempty"`
	// BudgetUsed is P95 as a fraction of the budget.
	BudgetUsed float64 `json:"budget_used,omitempty"`
}

type LatencyReport struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Window      int            `json:"window"`
	Ops         []OpLatency    `json:"ops"`
	Indicators  map[string]int `json:"indicators,omitempty"`
}

type opSample struct {
	took   time.Duration
	failed bool
}

// opSeries is a ring of the newest samples of one operation.
type opSeries struct {
	samples []opSample
	pos     int
}

func (s *opSeries) add(x opSample, capacity int) {
	if len(s.samples) < capacity {
		s.samples = append(s.samples, x)
	} else {
		s.samples[s.pos] = x
	}
	s.pos = (s.pos + 1) % capacity
}

// opLatencies tracks store operation timings and named indicator counts.
type opLatencies struct {
	mu         sync.Mutex
	capacity   int
	budget     time.Duration
	series     map[string]*opSeries
	indicators map[string]int
}

func newOpLatencies(capacity int) *opLatencies {
	if capacity <= 0 {
		capacity = 256
	}
	return &opLatencies{
		capacity:   capacity,
		series:     make(map[string]*opSeries),
		indicators: make(map[string]int),
	}
}

func (l *opLatencies) setBudget(d time.Duration) {
	if d < 0 {
		d = 0
	}
	l.mu.Lock()
	l.budget = d
	l.mu.Unlock()
}

func (l *opLatencies) record(op string, took time.Duration, failed bool) {
	if op == "" || took < 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.series[op]
	if s == nil {
		s = &opSeries{samples: make([]opSample, 0, l.capacity)}
		l.series[op] = s
	}
	s.add(opSample{took: took, failed: failed}, l.capacity)
}

func (l *opLatencies) count(name string) {
	if name == "" {
		return
	}
	l.mu.Lock()
	l.indicators[name]++
	l.mu.Unlock()
}

func (l *opLatencies) report() LatencyReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	rep := LatencyReport{
		GeneratedAt: time.Now().UTC(),
		Window:      l.capacity,
		Ops:         make([]OpLatency, 0, len(l.series)),
	}
	for op, s := range l.series {
		rep.Ops = append(rep.Ops, summarize(op, s.samples, l.budget))
	}
	slices.SortFunc(rep.Ops, func(a, b OpLatency) int {
		switch {
		case a.Op < b.Op:
			return -1
		case a.Op > b.Op:
			return 1
		}
		return 0
	})
	if len(l.indicators) > 0 {
		rep.Indicators = make(map[string]int, len(l.indicators))
		for k, v := range l.indicators {
			rep.Indicators[k] = v
		}
	}
	return rep
}

func summarize(op string, samples []opSample, budget time.Duration) OpLatency {
	durations := make([]time.Duration, 0, len(samples))
	out := OpLatency{Op: op, Samples: len(samples)}
	var total time.Duration
	for _, x := range samples {
		durations = append(durations, x.took)
		total += x.took
		if x.failed {
			out.Failures++
		}
		if budget > 0 && x.took >= budget {
			out.OverBudget++
		}
	}
	if len(durations) == 0 {
		return out
	}
	slices.Sort(durations)
	p95 := nearestRank(durations, 0.95)
	out.MeanMS = millis(total / time.Duration(len(durations)))
	out.P50MS = millis(nearestRank(durations, 0.50))
	out.P95MS = millis(p95)
	out.MaxMS = millis(durations[len(durations)-1])
	if budget > 0 {
		out.BudgetMS = millis(budget)
		out.BudgetUsed = math.Round(float64(p95)/float64(budget)*1000) / 1000
	}
	return out
}

// nearestRank expects sorted input.
func nearestRank(sorted []time.Duration, q float64) time.Duration {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}
