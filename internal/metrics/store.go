package metrics

import (
	"sort"
	"sync"
	"time"

	"fairwatch/internal/model"
)

type entry struct {
	summary model.ProcessSummary
	metrics *model.FairnessMetrics
	eval    model.Evaluation
}

// Store keeps the latest evaluation per process, evicting the least
// recently updated process once limit is exceeded.
type Store struct {
	mu        sync.RWMutex
	byProcess map[string]entry
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byProcess: make(map[string]entry),
		limit:     limit,
	}
}

// Update records ev. A nil bundle keeps the previous one so quick checks
// do not hide the last full computation.
func (s *Store) Update(ev model.Evaluation, m *model.FairnessMetrics, at time.Time) {
	if ev.ProcessID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.byProcess[ev.ProcessID]
	e := entry{metrics: m, eval: ev}
	if m == nil {
		e.metrics = prev.metrics
	}
	e.summary = model.ProcessSummary{
		ProcessID:   ev.ProcessID,
		ProcessType: ev.ProcessType,
		MetricsID:   ev.MetricsID,
		BiasScore:   ev.BiasScore,
		Status:      ev.Status,
		Provisional: ev.Provisional,
		EvaluatedAt: at,
	}
	if e.metrics != nil {
		e.summary.OverallScore = e.metrics.OverallScore
	} else {
		e.summary.OverallScore = 1 - ev.BiasScore
	}
	s.byProcess[ev.ProcessID] = e
	if len(s.byProcess) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Latest(processID string) (*model.FairnessMetrics, model.Evaluation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byProcess[processID]
	if !ok {
		return nil, model.Evaluation{}, false
	}
	return e.metrics, e.eval, true
}

// Summaries lists every tracked process sorted by id.
func (s *Store) Summaries() []model.ProcessSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ProcessSummary, 0, len(s.byProcess))
	for _, e := range s.byProcess {
		out = append(out, e.summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessID < out[j].ProcessID })
	return out
}

func (s *Store) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, e := range s.byProcess {
		if oldestID == "" || e.summary.EvaluatedAt.Before(oldest) {
			oldestID = id
			oldest = e.summary.EvaluatedAt
		}
	}
	if oldestID != "" {
		delete(s.byProcess, oldestID)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byProcess = make(map[string]entry)
}
