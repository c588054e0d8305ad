package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fairwatch/internal/config"
	"fairwatch/internal/model"
)

type memStore struct {
	entries []model.AuditEntry
	err     error
}

func (m *memStore) AppendAudit(_ context.Context, e model.AuditEntry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) LoadAudit(context.Context) ([]model.AuditEntry, error) {
	return append([]model.AuditEntry(nil), m.entries...), nil
}

func (m *memStore) DeleteAudit(_ context.Context, ids []string) error {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := m.entries[:0]
	for _, e := range m.entries {
		if !drop[e.ID] {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

var start = time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

func newTestRecorder(store Persister, now *time.Time) *Recorder {
	r := NewRecorder(config.DefaultConfig().Audit, store, WithClock(func() time.Time { return *now }))
	n := 0
	r.newID = func() string { n++; return fmt.Sprintf("entry-%d", n) }
	return r
}

func record(t *testing.T, r *Recorder, action model.AuditAction, actor model.Actor, res model.ResourceRef, impact model.Severity) model.AuditEntry {
	t.Helper()
	e, err := r.Record(context.Background(), Record{
		Action:        action,
		Actor:         actor,
		Resource:      res,
		EthicalImpact: impact,
		ProcessType:   model.ProcessHiring,
	})
	require.NoError(t, err)
	return e
}

func TestRecordBuildsChain(t *testing.T) {
	now := start
	r := newTestRecorder(nil, &now)

	first := record(t, r, model.ActionDetectionRun, model.SystemActor("engine"), model.ResourceRef{Type: model.ResourceProcess, ID: "p1"}, model.SeverityCritical)
	now = now.Add(time.Minute)
	second := record(t, r, model.ActionAlertAcknowledged, model.UserActor("kim"), model.ResourceRef{Type: model.ResourceAlert, ID: "a1"}, model.SeverityHigh)

	assert.Equal(t, int64(1), first.Sequence)
	assert.Empty(t, first.PrevHash)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Len(t, first.Hash, 64)
	assert.Equal(t, []string{"EEOC_UGESP", "NYC_LL144"}, first.Frameworks)
	assert.Equal(t, 2555, first.RetentionDays)
	require.NoError(t, r.Verify())
}

func TestVerifyDetectsTampering(t *testing.T) {
	now := start
	r := newTestRecorder(nil, &now)
	for i := 0; i < 3; i++ {
		record(t, r, model.ActionDetectionRun, model.SystemActor("engine"), model.ResourceRef{Type: model.ResourceProcess, ID: "p1"}, model.SeverityLow)
	}
	r.mu.Lock()
	r.entries[1].EthicalImpact = model.SeverityNone
	r.mu.Unlock()
	assert.ErrorIs(t, r.Verify(), ErrChainBroken)
}

func TestCorrectAppendsReferencingEntry(t *testing.T) {
	now := start
	r := newTestRecorder(nil, &now)
	orig := record(t, r, model.ActionThresholdUpdate, model.UserActor("ops"), model.ResourceRef{Type: model.ResourceThresholds, ID: "global"}, model.SeverityMedium)

	fix, err := r.Correct(context.Background(), orig.ID, model.UserActor("ops"),
		[]model.FieldChange{{Field: "reason", From: "typo", To: "quarterly recalibration"}})
	require.NoError(t, err)
	assert.Equal(t, orig.ID, fix.Corrects)
	assert.Equal(t, model.ActionCorrection, fix.Action)

	got, ok := r.Get(orig.ID)
	require.True(t, ok)
	assert.Equal(t, orig, got)

	_, err = r.Correct(context.Background(), "nope", model.UserActor("ops"), nil)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestQueryFilters(t *testing.T) {
	now := start
	r := newTestRecorder(nil, &now)
	record(t, r, model.ActionDetectionRun, model.SystemActor("engine"), model.ResourceRef{Type: model.ResourceProcess, ID: "p1"}, model.SeverityLow)
	now = now.Add(time.Hour)
	record(t, r, model.ActionAlertResolved, model.UserActor("kim"), model.ResourceRef{Type: model.ResourceAlert, ID: "a1"}, model.SeverityHigh)
	now = now.Add(time.Hour)
	record(t, r, model.ActionAlertAcknowledged, model.UserActor("lee"), model.ResourceRef{Type: model.ResourceAlert, ID: "a2"}, model.SeverityCritical)

	assert.Len(t, r.Query(model.AuditFilter{ActorKind: model.ActorUser}), 2)
	assert.Len(t, r.Query(model.AuditFilter{ActorID: "kim"}), 1)
	assert.Len(t, r.Query(model.AuditFilter{ResourceType: model.ResourceAlert, ResourceID: "a2"}), 1)
	assert.Len(t, r.Query(model.AuditFilter{MinImpact: model.SeverityHigh}), 2)
	assert.Len(t, r.Query(model.AuditFilter{Range: model.TimeRange{From: start.Add(30 * time.Minute), To: start.Add(90 * time.Minute)}}), 1)
	assert.Len(t, r.Query(model.AuditFilter{Limit: 1}), 1)
}

func TestPersistenceFailureKeepsChainIntact(t *testing.T) {
	now := start
	store := &memStore{}
	r := newTestRecorder(store, &now)
	record(t, r, model.ActionDetectionRun, model.SystemActor("engine"), model.ResourceRef{Type: model.ResourceProcess, ID: "p1"}, model.SeverityNone)

	store.err = assert.AnError
	_, err := r.Record(context.Background(), Record{Action: model.ActionDetectionRun, Actor: model.SystemActor("engine")})
	assert.ErrorIs(t, err, model.ErrPersistenceUnavailable)
	assert.Equal(t, 1, r.Len())

	store.err = nil
	next := record(t, r, model.ActionDetectionRun, model.SystemActor("engine"), model.ResourceRef{Type: model.ResourceProcess, ID: "p1"}, model.SeverityNone)
	assert.Equal(t, int64(2), next.Sequence)
	require.NoError(t, r.Verify())
}

func TestPurgeAndLoad(t *testing.T) {
	now := start
	store := &memStore{}
	r := newTestRecorder(store, &now)
	cfg := config.DefaultConfig().Audit
	cfg.RetentionDays = 10
	r.UpdateConfig(cfg)
	record(t, r, model.ActionDetectionRun, model.SystemActor("engine"), model.ResourceRef{Type: model.ResourceProcess, ID: "p1"}, model.SeverityNone)
	now = now.Add(5 * 24 * time.Hour)
	record(t, r, model.ActionDetectionRun, model.SystemActor("engine"), model.ResourceRef{Type: model.ResourceProcess, ID: "p1"}, model.SeverityNone)

	n, err := r.Purge(context.Background(), start.Add(9*24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = r.Purge(context.Background(), start.Add(10*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, r.Len())
	require.NoError(t, r.Verify())

	reloaded := newTestRecorder(store, &now)
	require.NoError(t, reloaded.Load(context.Background()))
	assert.Equal(t, 1, reloaded.Len())
	next := record(t, reloaded, model.ActionDetectionRun, model.SystemActor("engine"), model.ResourceRef{Type: model.ResourceProcess, ID: "p1"}, model.SeverityNone)
	assert.Equal(t, int64(3), next.Sequence)
	require.NoError(t, reloaded.Verify())
}
