// Package audit keeps the append-only, hash-chained record of every
// state-changing operation.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fairwatch/internal/config"
	"fairwatch/internal/model"
)

var (
	ErrChainBroken   = errors.New("audit chain broken")
	ErrEntryNotFound = errors.New("audit entry not found")
)

type Persister interface {
	AppendAudit(ctx context.Context, entry model.AuditEntry) error
	LoadAudit(ctx context.Context) ([]model.AuditEntry, error)
	DeleteAudit(ctx context.Context, ids []string) error
}

// Record is the caller-supplied part of an entry.
type Record struct {
	Action        model.AuditAction
	Actor         model.Actor
	Resource      model.ResourceRef
	Changes       []model.FieldChange
	EthicalImpact model.Severity
	ProcessType   model.ProcessType
	Corrects      string
}

type Recorder struct {
	mu       sync.Mutex
	entries  []model.AuditEntry
	seq      int64
	lastHash string
	cfg      atomic.Pointer[config.AuditConfig]
	store    Persister
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

type Option func(*Recorder)

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

func NewRecorder(cfg config.AuditConfig, store Persister, opts ...Option) *Recorder {
	r := &Recorder{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.UpdateConfig(cfg)
	return r
}

func (r *Recorder) UpdateConfig(cfg config.AuditConfig) {
	c := cfg
	r.cfg.Store(&c)
}

func (r *Recorder) config() config.AuditConfig {
	if c := r.cfg.Load(); c != nil {
		return *c
	}
	return config.DefaultConfig().Audit
}

func (r *Recorder) frameworks(pt model.ProcessType) []string {
	cfg := r.config()
	seen := make(map[string]bool)
	var out []string
	add := func(list []string) {
		for _, f := range list {
			if f != "" && !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	add(cfg.Frameworks)
	if pt != "" {
		add(cfg.ProcessFrameworks[string(pt)])
	}
	return out
}

// Record appends one entry. The entry only joins the chain once the store
// accepted it.
func (r *Recorder) Record(ctx context.Context, rec Record) (model.AuditEntry, error) {
	if rec.EthicalImpact == "" {
		rec.EthicalImpact = model.SeverityNone
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := model.AuditEntry{
		ID:            r.newID(),
		Sequence:      r.seq + 1,
		Timestamp:     r.now(),
		Action:        rec.Action,
		Actor:         rec.Actor,
		Resource:      rec.Resource,
		Changes:       append([]model.FieldChange(nil), rec.Changes...),
		EthicalImpact: rec.EthicalImpact,
		Frameworks:    r.frameworks(rec.ProcessType),
		RetentionDays: r.config().RetentionDays,
		Corrects:      rec.Corrects,
		PrevHash:      r.lastHash,
	}
	hash, err := entryHash(entry)
	if err != nil {
		return model.AuditEntry{}, err
	}
	entry.Hash = hash
	if r.store != nil {
		if err := r.store.AppendAudit(ctx, entry); err != nil {
			return model.AuditEntry{}, fmt.Errorf("%w: append audit: %w", model.ErrPersistenceUnavailable, err)
		}
	}
	r.entries = append(r.entries, entry)
	r.seq = entry.Sequence
	r.lastHash = entry.Hash
	if r.logger != nil {
		r.logger.Debug("audit entry recorded",
			"seq", entry.Sequence,
			"action", entry.Action,
			"resource", entry.Resource.Type+"/"+entry.Resource.ID,
			"actor", entry.Actor.String(),
		)
	}
	return entry, nil
}

// Correct appends an entry that amends originalID. The original is never
// touched.
func (r *Recorder) Correct(ctx context.Context, originalID string, actor model.Actor, changes []model.FieldChange) (model.AuditEntry, error) {
	orig, ok := r.Get(originalID)
	if !ok {
		return model.AuditEntry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, originalID)
	}
	return r.Record(ctx, Record{
		Action:        model.ActionCorrection,
		Actor:         actor,
		Resource:      model.ResourceRef{Type: model.ResourceAudit, ID: orig.ID},
		Changes:       changes,
		EthicalImpact: orig.EthicalImpact,
		Corrects:      orig.ID,
	})
}

func (r *Recorder) Get(id string) (model.AuditEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.ID == id {
			return e, true
		}
	}
	return model.AuditEntry{}, false
}

// Query returns matching entries, oldest first, capped at filter.Limit.
func (r *Recorder) Query(filter model.AuditFilter) []model.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AuditEntry, 0)
	for _, e := range r.entries {
		if !filter.Match(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Verify walks the chain from the oldest retained entry.
func (r *Recorder) Verify() error {
	r.mu.Lock()
	entries := append([]model.AuditEntry(nil), r.entries...)
	r.mu.Unlock()
	return VerifyChain(entries)
}

func VerifyChain(entries []model.AuditEntry) error {
	for i, e := range entries {
		if i > 0 {
			prev := entries[i-1]
			if e.Sequence != prev.Sequence+1 {
				return fmt.Errorf("%w: sequence gap after %d", ErrChainBroken, prev.Sequence)
			}
			if e.PrevHash != prev.Hash {
				return fmt.Errorf("%w: entry %d does not link to %d", ErrChainBroken, e.Sequence, prev.Sequence)
			}
		}
		want, err := entryHash(e)
		if err != nil {
			return err
		}
		if want != e.Hash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Sequence)
		}
	}
	return nil
}

// Purge drops the expired prefix of the chain. An unexpired entry stops the
// scan so the remaining chain stays contiguous.
func (r *Recorder) Purge(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for n < len(r.entries) && r.entries[n].Expired(now) {
		n++
	}
	if n == 0 {
		return 0, nil
	}
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = r.entries[i].ID
	}
	if r.store != nil {
		if err := r.store.DeleteAudit(ctx, ids); err != nil {
			return 0, fmt.Errorf("%w: purge audit: %w", model.ErrPersistenceUnavailable, err)
		}
	}
	r.entries = append([]model.AuditEntry(nil), r.entries[n:]...)
	return n, nil
}

// Load replaces in-memory entries with the stored chain and verifies it.
func (r *Recorder) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	entries, err := r.store.LoadAudit(ctx)
	if err != nil {
		return fmt.Errorf("%w: load audit: %w", model.ErrPersistenceUnavailable, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })
	if err := VerifyChain(entries); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = entries
	r.seq, r.lastHash = 0, ""
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		r.seq, r.lastHash = last.Sequence, last.Hash
	}
	return nil
}

func entryHash(e model.AuditEntry) (string, error) {
	e.Hash = ""
	e.Timestamp = e.Timestamp.UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
