package engine

import (
	"sync"
	"time"

	"fairwatch/internal/model"
)

// History is the sliding window of outcomes recorded for one process.
// Outcomes are kept in arrival order; eviction walks from the head like
// the per-reader windows it replaced.
type History struct {
	mu          sync.Mutex
	processID   string
	processType model.ProcessType
	stage       string
	scope       model.Scope
	outcomes    []model.Outcome
	head        int
	limit       int
	updated     time.Time
}

func NewHistory(processID string, pt model.ProcessType, limit int) *History {
	return &History{
		processID:   processID,
		processType: pt,
		outcomes:    make([]model.Outcome, 0, 128),
		limit:       limit,
	}
}

// Add appends outcomes, stamping any without a timestamp with at.
func (h *History) Add(data model.EventData, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if data.Stage != "" {
		h.stage = data.Stage
	}
	if data.Scope != (model.Scope{}) {
		h.scope = data.Scope
	}
	for _, o := range data.Outcomes {
		if o.Timestamp.IsZero() {
			o.Timestamp = at
		}
		h.outcomes = append(h.outcomes, o)
	}
	if at.After(h.updated) {
		h.updated = at
	}
	if h.limit > 0 && h.size() > h.limit {
		h.head += h.size() - h.limit
	}
	h.compact()
}

// Preview returns the outcomes an evaluation would see once data is added,
// without changing the history.
func (h *History) Preview(data model.EventData, at time.Time) ([]model.Outcome, model.FairnessContext) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]model.Outcome, 0, h.size()+len(data.Outcomes))
	out = append(out, h.outcomes[h.head:]...)
	for _, o := range data.Outcomes {
		if o.Timestamp.IsZero() {
			o.Timestamp = at
		}
		out = append(out, o)
	}
	if h.limit > 0 && len(out) > h.limit {
		out = out[len(out)-h.limit:]
	}
	fctx := model.FairnessContext{ProcessType: h.processType, Stage: h.stage, Scope: h.scope}
	if data.Stage != "" {
		fctx.Stage = data.Stage
	}
	if data.Scope != (model.Scope{}) {
		fctx.Scope = data.Scope
	}
	return out, fctx
}

// Evict drops outcomes recorded before cutoff.
func (h *History) Evict(cutoff time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.head < len(h.outcomes) {
		if !h.outcomes[h.head].Timestamp.Before(cutoff) {
			break
		}
		h.head++
	}
	h.compact()
}

func (h *History) size() int {
	return len(h.outcomes) - h.head
}

func (h *History) compact() {
	if h.head > 0 && h.head*2 >= len(h.outcomes) {
		h.outcomes = append([]model.Outcome{}, h.outcomes[h.head:]...)
		h.head = 0
	}
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size()
}

// Snapshot copies the live outcomes and the context they belong to.
func (h *History) Snapshot() ([]model.Outcome, model.FairnessContext) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := append([]model.Outcome(nil), h.outcomes[h.head:]...)
	return out, model.FairnessContext{
		ProcessType: h.processType,
		Stage:       h.stage,
		Scope:       h.scope,
	}
}

func (h *History) ProcessType() model.ProcessType {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.processType
}

func (h *History) Updated() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.updated
}
