package health

import (
	"sort"
	"sync"
	"time"

	"sipi/internal/pkg/metrics"
)

// Status 单个依赖的健康状态。
type Status struct {
	Name      string    `json:"name"`
	Degraded  bool      `json:"degraded"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
	Failures  int64     `json:"failures"`
}

// Tracker 记录外部依赖的降级状态，供 /healthz 暴露。
type Tracker struct {
	mu   sync.RWMutex
	deps map[string]*Status
	now  func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{deps: make(map[string]*Status), now: time.Now}
}

// MarkDegraded 标记依赖降级。
func (t *Tracker) MarkDegraded(dep string, err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.get(dep)
	if !st.Degraded {
		st.Degraded = true
		st.Since = t.now()
	}
	st.Failures++
	if err != nil {
		st.LastError = err.Error()
	}
	metrics.DependencyDegraded.WithLabelValues(dep).Set(1)
}

// MarkHealthy 清除降级标记。
func (t *Tracker) MarkHealthy(dep string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.get(dep)
	if st.Degraded {
		st.Degraded = false
		st.Since = t.now()
		st.LastError = ""
	}
	metrics.DependencyDegraded.WithLabelValues(dep).Set(0)
}

func (t *Tracker) get(dep string) *Status {
	st, ok := t.deps[dep]
	if !ok {
		st = &Status{Name: dep, Since: t.now()}
		t.deps[dep] = st
	}
	return st
}

// Degraded reports whether any dependency is degraded.
func (t *Tracker) Degraded() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, st := range t.deps {
		if st.Degraded {
			return true
		}
	}
	return false
}

// Snapshot 返回按名称排序的状态副本。
func (t *Tracker) Snapshot() []Status {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Status, 0, len(t.deps))
	for _, st := range t.deps {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
