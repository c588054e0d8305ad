package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fairwatch/internal/audit"
	"fairwatch/internal/config"
	"fairwatch/internal/metrics"
	"fairwatch/internal/model"
	"fairwatch/internal/notify"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type captureSink struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Send(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	s.got = append(s.got, n)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) reasons() []notify.Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.Reason, len(s.got))
	for i, n := range s.got {
		out[i] = n.Reason
	}
	return out
}

// failingStore rejects every write once err is set.
type failingStore struct {
	mu  sync.Mutex
	err error
}

func (s *failingStore) fail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *failingStore) Init(context.Context) error { return nil }
func (s *failingStore) Close() error               { return nil }
func (s *failingStore) SaveMetrics(context.Context, string, *model.FairnessMetrics) error {
	return s.fail()
}
func (s *failingStore) SaveEvaluation(context.Context, model.Evaluation, time.Time) error {
	return s.fail()
}
func (s *failingStore) InsertAlert(context.Context, model.Alert) error { return s.fail() }
func (s *failingStore) UpdateAlert(context.Context, model.Alert, model.AlertStatus) error {
	return s.fail()
}
func (s *failingStore) LoadAlerts(context.Context) ([]model.Alert, error) { return nil, s.fail() }
func (s *failingStore) DeleteAlerts(context.Context, []string) error     { return s.fail() }
func (s *failingStore) AppendAudit(context.Context, model.AuditEntry) error {
	return s.fail()
}
func (s *failingStore) LoadAudit(context.Context) ([]model.AuditEntry, error) { return nil, s.fail() }
func (s *failingStore) DeleteAudit(context.Context, []string) error          { return s.fail() }

var start = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	eng   *Engine
	clock *testClock
	sink  *captureSink
}

func newHarness(t *testing.T, mut func(*config.Config), store *failingStore) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Notify.Log = false
	cfg.Notify.Cooldown = 0
	if mut != nil {
		mut(cfg)
	}
	clock := &testClock{now: start}
	sink := &captureSink{}
	n := 0
	var mu sync.Mutex
	opts := []Option{
		WithClock(clock.Now),
		WithSinks(sink),
		WithCollectors(metrics.NewCollectors(prometheus.NewRegistry())),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("id-%d", n)
		}),
	}
	var eng *Engine
	if store != nil {
		eng = NewEngine(config.NewStaticManager(cfg), nil, metrics.NewStore(100), store, opts...)
	} else {
		eng = NewEngine(config.NewStaticManager(cfg), nil, metrics.NewStore(100), nil, opts...)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return &harness{eng: eng, clock: clock, sink: sink}
}

func cohort(attr, group string, n, selected int) []model.Outcome {
	out := make([]model.Outcome, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.Outcome{
			Groups:   map[string]string{attr: group},
			Selected: i < selected,
		})
	}
	return out
}

func skewed() []model.Outcome {
	return append(cohort("gender", "A", 100, 90), cohort("gender", "B", 100, 50)...)
}

func parityAlerts(e *Engine, processID string) []model.Alert {
	var out []model.Alert
	for _, a := range e.alerts.Snapshot() {
		if a.ProcessID == processID && a.Violation.Family == model.FamilyDemographicParity && a.Violation.Type == model.ViolationThreshold {
			out = append(out, a)
		}
	}
	return out
}

func TestEvaluateProcessRaisesCriticalAlert(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	ev, err := h.eng.EvaluateProcess(ctx, "req-1", model.ProcessHiring, model.EventData{EventID: "e1", Outcomes: skewed()}, model.SystemActor("ats"))
	require.NoError(t, err)

	assert.Equal(t, model.ComplianceNonCompliant, ev.Status)
	assert.Equal(t, model.SeverityCritical, ev.Severity)
	assert.False(t, ev.Provisional)
	assert.False(t, ev.Persisted)
	require.NotEmpty(t, ev.AlertIDs)

	alerts := parityAlerts(h.eng, "req-1")
	require.Len(t, alerts, 1)
	assert.Equal(t, model.SeverityCritical, alerts[0].Priority)
	assert.Equal(t, "compliance-officer", alerts[0].AssignedTo)

	runs := h.eng.QueryAudit(model.AuditFilter{ResourceType: model.ResourceProcess, ResourceID: "req-1"})
	require.Len(t, runs, 1)
	assert.Equal(t, model.ActionDetectionRun, runs[0].Action)
	assert.Equal(t, model.SeverityCritical, runs[0].EthicalImpact)
	require.NoError(t, h.eng.VerifyAudit())

	m, latest, ok := h.eng.LatestMetrics("req-1")
	require.True(t, ok)
	assert.Equal(t, ev.MetricsID, m.ID)
	assert.False(t, m.DisparateImpact.FourFifthsCompliant)
	assert.Equal(t, ev.Status, latest.Status)

	h.eng.notifier.Wait()
	assert.Contains(t, h.sink.reasons(), notify.ReasonCreated)
	got, err := h.eng.GetAlert(alerts[0].ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.Notifications)
	assert.True(t, got.Notifications[0].Delivered)
}

func TestDuplicateEventReturnsCachedEvaluation(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	data := model.EventData{EventID: "e1", Outcomes: skewed()}

	first, err := h.eng.EvaluateProcess(ctx, "req-1", model.ProcessHiring, data, model.SystemActor("ats"))
	require.NoError(t, err)
	second, err := h.eng.EvaluateProcess(ctx, "req-1", model.ProcessHiring, data, model.SystemActor("ats"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 200, h.eng.history("req-1", model.ProcessHiring, 0).Len())
	assert.Len(t, h.eng.QueryAudit(model.AuditFilter{ResourceType: model.ResourceProcess}), 1)
}

func TestIdenticalEventsWithoutIDAllJoinHistory(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	data := model.EventData{Outcomes: cohort("gender", "A", 1, 1)}
	for i := 0; i < 5; i++ {
		_, err := h.eng.EvaluateProcess(ctx, "req-x", model.ProcessHiring, data, model.SystemActor("ats"))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, h.eng.history("req-x", model.ProcessHiring, 0).Len())
	assert.Zero(t, h.eng.dedupe.Len())
	assert.Len(t, h.eng.QueryAudit(model.AuditFilter{ResourceType: model.ResourceProcess, ResourceID: "req-x"}), 5)
}

func TestSmallHistoryWithoutQuickCheckAccumulates(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Detection.QuickCheck.Enabled = false }, nil)
	ctx := context.Background()
	batch := func() model.EventData {
		return model.EventData{Outcomes: append(cohort("gender", "A", 10, 9), cohort("gender", "B", 10, 5)...)}
	}

	for i := 1; i <= 2; i++ {
		ev, err := h.eng.EvaluateProcess(ctx, "req-4", model.ProcessHiring, batch(), model.SystemActor("ats"))
		require.NoError(t, err)
		assert.True(t, ev.Provisional)
		assert.Equal(t, model.ComplianceUnderReview, ev.Status)
		assert.Equal(t, model.SeverityNone, ev.Severity)
		assert.Empty(t, ev.MetricsID)
		assert.NotEmpty(t, ev.Warnings)
		assert.Equal(t, 20*i, h.eng.history("req-4", model.ProcessHiring, 0).Len())
	}
	assert.Empty(t, h.eng.alerts.Snapshot())

	ev, err := h.eng.EvaluateProcess(ctx, "req-4", model.ProcessHiring, batch(), model.SystemActor("ats"))
	require.NoError(t, err)
	assert.False(t, ev.Provisional)
	assert.NotEmpty(t, ev.MetricsID)
	assert.Equal(t, model.ComplianceNonCompliant, ev.Status)
	assert.Equal(t, 60, h.eng.history("req-4", model.ProcessHiring, 0).Len())

	runs := h.eng.QueryAudit(model.AuditFilter{ResourceType: model.ResourceProcess, ResourceID: "req-4"})
	require.Len(t, runs, 3)
	for _, r := range runs {
		assert.Equal(t, model.ActionDetectionRun, r.Action)
	}
}

func TestPendingRunDegradesWhenStoreFails(t *testing.T) {
	store := &failingStore{err: assert.AnError}
	h := newHarness(t, func(c *config.Config) { c.Detection.QuickCheck.Enabled = false }, store)
	ev, err := h.eng.EvaluateProcess(context.Background(), "req-5", model.ProcessHiring,
		model.EventData{Outcomes: cohort("gender", "A", 4, 2)}, model.SystemActor("ats"))
	require.NoError(t, err)
	assert.False(t, ev.Persisted)
	assert.Len(t, ev.Warnings, 3)
	assert.Equal(t, 4, h.eng.history("req-5", model.ProcessHiring, 0).Len())
}

func TestRepeatedViolationMergesIntoOneAlert(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := h.eng.EvaluateProcess(ctx, "req-1", model.ProcessHiring,
			model.EventData{EventID: fmt.Sprintf("e%d", i), Outcomes: skewed()}, model.SystemActor("ats"))
		require.NoError(t, err)
	}
	alerts := parityAlerts(h.eng, "req-1")
	require.Len(t, alerts, 1)
	assert.Equal(t, 2, alerts[0].Occurrences)
	assert.Equal(t, 400, h.eng.history("req-1", model.ProcessHiring, 0).Len())
}

func TestConcurrentEventsForOneProcessRaiseOneAlert(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.eng.EvaluateProcess(ctx, "req-1", model.ProcessHiring,
				model.EventData{EventID: fmt.Sprintf("e%d", i), Outcomes: skewed()}, model.SystemActor("ats"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	alerts := parityAlerts(h.eng, "req-1")
	require.Len(t, alerts, 1)
	assert.Equal(t, 8, alerts[0].Occurrences)
}

func TestSmallHistoryRunsQuickCheck(t *testing.T) {
	h := newHarness(t, nil, nil)
	outcomes := append(cohort("gender", "A", 5, 5), cohort("gender", "B", 5, 1)...)

	ev, err := h.eng.EvaluateProcess(context.Background(), "req-2", model.ProcessHiring,
		model.EventData{Outcomes: outcomes, Notes: []string{"Candidate seems overqualified"}}, model.UserActor("recruiter"))
	require.NoError(t, err)

	assert.True(t, ev.Provisional)
	assert.NotEqual(t, model.ComplianceCompliant, ev.Status)
	assert.NotEmpty(t, ev.Flags)
	assert.NotEmpty(t, ev.Warnings)
	require.NotEmpty(t, ev.Violations)
	assert.Equal(t, model.FamilyDemographicParity, ev.Violations[0].Family)

	runs := h.eng.QueryAudit(model.AuditFilter{ResourceType: model.ResourceProcess, ResourceID: "req-2"})
	require.Len(t, runs, 1)
	assert.Equal(t, model.ActionQuickCheck, runs[0].Action)
}

func TestRealtimeEventSkipsFullStatistics(t *testing.T) {
	h := newHarness(t, nil, nil)
	ev, err := h.eng.EvaluateProcess(context.Background(), "req-3", model.ProcessHiring,
		model.EventData{Mode: model.ModeRealtime, Outcomes: skewed()}, model.SystemActor("ats"))
	require.NoError(t, err)
	assert.True(t, ev.Provisional)
	assert.Empty(t, ev.MetricsID)
}

func TestQuickCheckDegradesWhenStoreFails(t *testing.T) {
	store := &failingStore{err: assert.AnError}
	h := newHarness(t, nil, store)
	outcomes := append(cohort("gender", "A", 5, 5), cohort("gender", "B", 5, 1)...)

	ev, err := h.eng.EvaluateProcess(context.Background(), "req-2", model.ProcessHiring,
		model.EventData{Outcomes: outcomes}, model.SystemActor("ats"))
	require.NoError(t, err)
	assert.False(t, ev.Persisted)
	assert.NotEmpty(t, ev.Warnings)
}

func TestBatchPropagatesPersistenceFailure(t *testing.T) {
	store := &failingStore{err: assert.AnError}
	h := newHarness(t, nil, store)

	_, err := h.eng.EvaluateProcess(context.Background(), "req-1", model.ProcessHiring,
		model.EventData{EventID: "e1", Outcomes: skewed()}, model.SystemActor("ats"))
	require.ErrorIs(t, err, model.ErrPersistenceUnavailable)
	assert.Zero(t, h.eng.history("req-1", model.ProcessHiring, 0).Len())
	assert.Empty(t, h.eng.alerts.Snapshot())

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	ev, err := h.eng.EvaluateProcess(context.Background(), "req-1", model.ProcessHiring,
		model.EventData{EventID: "e1", Outcomes: skewed()}, model.SystemActor("ats"))
	require.NoError(t, err)
	assert.True(t, ev.Persisted)
	assert.Equal(t, 200, h.eng.history("req-1", model.ProcessHiring, 0).Len())
}

func TestMissingProcessID(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.eng.EvaluateProcess(context.Background(), " ", model.ProcessHiring, model.EventData{}, model.SystemActor("ats"))
	assert.ErrorIs(t, err, ErrMissingProcessID)
}

func TestAlertLifecycleIsAudited(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	_, err := h.eng.EvaluateProcess(ctx, "req-1", model.ProcessHiring, model.EventData{Outcomes: skewed()}, model.SystemActor("ats"))
	require.NoError(t, err)
	id := parityAlerts(h.eng, "req-1")[0].ID

	a, err := h.eng.AcknowledgeAlert(ctx, id, model.UserActor("kim"))
	require.NoError(t, err)
	assert.Equal(t, model.AlertAcknowledged, a.Status)

	a, err = h.eng.ResolveAlert(ctx, id, model.UserActor("kim"), "rebalanced shortlist", "re-ran screening with structured rubric")
	require.NoError(t, err)
	assert.Equal(t, model.AlertResolved, a.Status)

	_, err = h.eng.ResolveAlert(ctx, id, model.UserActor("kim"), "again", "again")
	assert.ErrorIs(t, err, model.ErrAlertNotEligible)
	got, err := h.eng.GetAlert(id)
	require.NoError(t, err)
	assert.Equal(t, "rebalanced shortlist", got.Resolution.Action)

	trail := h.eng.QueryAudit(model.AuditFilter{ResourceType: model.ResourceAlert, ResourceID: id})
	actions := make([]model.AuditAction, len(trail))
	for i, e := range trail {
		actions[i] = e.Action
	}
	assert.Equal(t, []model.AuditAction{model.ActionAlertCreated, model.ActionAlertAcknowledged, model.ActionAlertResolved}, actions)

	_, err = h.eng.GetAlert("missing")
	assert.ErrorIs(t, err, model.ErrAlertNotFound)
}

func TestUpdateThresholds(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	before := h.eng.Thresholds()

	bad := before
	bad.DemographicParity = config.Threshold{Warning: 0.4, Critical: 0.6}
	err := h.eng.UpdateThresholds(ctx, bad, model.UserActor("ops"))
	require.ErrorIs(t, err, model.ErrThresholdConfigInvalid)
	assert.Equal(t, before, h.eng.Thresholds())

	next := before
	next.DemographicParity = config.Threshold{Warning: 0.6, Critical: 0.5}
	require.NoError(t, h.eng.UpdateThresholds(ctx, next, model.UserActor("ops")))
	assert.Equal(t, next, h.eng.Thresholds())

	entries := h.eng.QueryAudit(model.AuditFilter{ResourceType: model.ResourceThresholds})
	require.Len(t, entries, 1)
	assert.Equal(t, model.ActionThresholdUpdate, entries[0].Action)
	assert.Len(t, entries[0].Changes, 2)

	ev, err := h.eng.EvaluateProcess(ctx, "req-1", model.ProcessHiring, model.EventData{Outcomes: skewed()}, model.SystemActor("ats"))
	require.NoError(t, err)
	for _, v := range ev.Violations {
		if v.Family == model.FamilyDemographicParity && v.Type == model.ViolationThreshold {
			assert.Equal(t, model.SeverityHigh, v.Severity)
		}
	}
}

func TestUpdateThresholdsSaveFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fairwatch.yaml")
	require.NoError(t, config.Save(path, config.DefaultConfig()))
	mgr, err := config.NewManager(path)
	require.NoError(t, err)
	eng := NewEngine(mgr, nil, metrics.NewStore(10), nil,
		WithCollectors(metrics.NewCollectors(prometheus.NewRegistry())))
	t.Cleanup(func() { _ = eng.Close() })
	before := eng.Thresholds()

	require.NoError(t, os.RemoveAll(dir))
	next := before
	next.DemographicParity = config.Threshold{Warning: 0.6, Critical: 0.5}
	err = eng.UpdateThresholds(context.Background(), next, model.UserActor("ops"))
	require.ErrorIs(t, err, model.ErrPersistenceUnavailable)
	assert.NotErrorIs(t, err, model.ErrThresholdConfigInvalid)
	assert.Equal(t, before, eng.Thresholds())
	assert.Empty(t, eng.QueryAudit(model.AuditFilter{ResourceType: model.ResourceThresholds}))
}

func TestCorrectAudit(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	_, err := h.eng.EvaluateProcess(ctx, "req-1", model.ProcessHiring, model.EventData{Outcomes: skewed()}, model.SystemActor("ats"))
	require.NoError(t, err)
	orig := h.eng.QueryAudit(model.AuditFilter{ResourceType: model.ResourceProcess})[0]
	changes := []model.FieldChange{{Field: "process_type", From: "hiring", To: "promotion"}}

	_, err = h.eng.CorrectAudit(ctx, orig.ID, model.UserActor("auditor"), nil)
	require.ErrorIs(t, err, ErrEmptyCorrection)
	_, err = h.eng.CorrectAudit(ctx, "missing", model.UserActor("auditor"), changes)
	require.ErrorIs(t, err, audit.ErrEntryNotFound)

	entry, err := h.eng.CorrectAudit(ctx, orig.ID, model.UserActor("auditor"), changes)
	require.NoError(t, err)
	assert.Equal(t, model.ActionCorrection, entry.Action)
	assert.Equal(t, orig.ID, entry.Corrects)
	require.NoError(t, h.eng.VerifyAudit())

	again := h.eng.QueryAudit(model.AuditFilter{ResourceType: model.ResourceProcess})[0]
	assert.Equal(t, orig, again)
}

func TestComputeFairnessMetrics(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	m, err := h.eng.ComputeFairnessMetrics(ctx, skewed(), model.FairnessContext{ProcessType: model.ProcessHiring}, model.UserActor("analyst"))
	require.NoError(t, err)
	assert.InDelta(t, 0.5556, m.DemographicParity.Attributes[0].ParityRatio, 1e-3)
	assert.Len(t, h.eng.QueryAudit(model.AuditFilter{ResourceType: model.ResourceMetrics}), 1)

	_, err = h.eng.ComputeFairnessMetrics(ctx, cohort("gender", "A", 10, 5), model.FairnessContext{}, model.UserActor("analyst"))
	assert.ErrorIs(t, err, model.ErrInsufficientSampleSize)
}

func TestTickIsIdempotentAndRefreshesDashboard(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	_, err := h.eng.EvaluateProcess(ctx, "req-1", model.ProcessHiring, model.EventData{Outcomes: skewed()}, model.SystemActor("ats"))
	require.NoError(t, err)
	count := len(h.eng.alerts.Snapshot())

	require.NoError(t, h.eng.Tick(ctx))
	require.NoError(t, h.eng.Tick(ctx))
	assert.Len(t, h.eng.alerts.Snapshot(), count)

	dash, ok := h.eng.CachedDashboard()
	require.True(t, ok)
	assert.Equal(t, count, dash.TotalAlerts)
	require.Len(t, dash.Processes, 1)
	assert.Equal(t, 1, dash.Compliance[model.ComplianceNonCompliant])
	assert.GreaterOrEqual(t, dash.UnassignedCritical, 0)
}

func TestTickDropsExpiredHistories(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	_, err := h.eng.EvaluateProcess(ctx, "req-1", model.ProcessHiring, model.EventData{Outcomes: skewed()}, model.SystemActor("ats"))
	require.NoError(t, err)

	h.clock.Advance(31 * 24 * time.Hour)
	require.NoError(t, h.eng.Tick(ctx))
	assert.Empty(t, h.eng.processIDs())
}

func TestPurgeRemovesExpiredResolvedAlerts(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	_, err := h.eng.EvaluateProcess(ctx, "req-1", model.ProcessHiring, model.EventData{Outcomes: skewed()}, model.SystemActor("ats"))
	require.NoError(t, err)
	id := parityAlerts(h.eng, "req-1")[0].ID
	_, err = h.eng.ResolveAlert(ctx, id, model.UserActor("kim"), "fixed", "rubric applied")
	require.NoError(t, err)

	res, err := h.eng.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Alerts)

	h.clock.Advance(366 * 24 * time.Hour)
	res, err = h.eng.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Alerts)
	assert.Zero(t, res.AuditEntries)
	_, err = h.eng.GetAlert(id)
	assert.ErrorIs(t, err, model.ErrAlertNotFound)
	assert.Len(t, h.eng.QueryAudit(model.AuditFilter{ResourceType: model.ResourceAlert, ResourceID: id}), 3)
}

func TestStartProcessesEvents(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Monitoring.TickInterval = 0 }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan model.ProcessEvent)
	h.eng.Start(ctx, events)
	events <- model.ProcessEvent{ProcessID: "req-9", ProcessType: model.ProcessPromotion, Outcomes: skewed(), Source: "kafka"}
	close(events)
	h.eng.Wait()
	cancel()

	_, ev, ok := h.eng.LatestMetrics("req-9")
	require.True(t, ok)
	assert.Equal(t, model.ProcessPromotion, ev.ProcessType)
	runs := h.eng.QueryAudit(model.AuditFilter{ActorID: "kafka", ResourceType: model.ResourceProcess})
	require.Len(t, runs, 1)
	assert.Equal(t, model.ActionDetectionRun, runs[0].Action)
}

func TestClampTimestamp(t *testing.T) {
	now := start
	cases := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{"zero", time.Time{}, now},
		{"past kept", now.Add(-48 * time.Hour), now.Add(-48 * time.Hour)},
		{"small future kept", now.Add(time.Minute), now.Add(time.Minute)},
		{"far future clamped", now.Add(time.Hour), now},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, clampTimestamp(tc.in, now, 5*time.Minute), tc.name)
	}
}

func TestHistoryWindow(t *testing.T) {
	h := NewHistory("p", model.ProcessHiring, 3)
	h.Add(model.EventData{Outcomes: cohort("g", "A", 2, 1)}, start)
	h.Add(model.EventData{Outcomes: cohort("g", "B", 2, 1), Stage: model.StageInterview}, start.Add(time.Hour))
	assert.Equal(t, 3, h.Len())

	preview, fctx := h.Preview(model.EventData{Outcomes: cohort("g", "C", 1, 0)}, start.Add(2*time.Hour))
	assert.Len(t, preview, 3)
	assert.Equal(t, "C", preview[2].Groups["g"])
	assert.Equal(t, model.StageInterview, fctx.Stage)
	assert.Equal(t, 3, h.Len())

	h.Evict(start.Add(30 * time.Minute))
	assert.Equal(t, 2, h.Len())
	out, _ := h.Snapshot()
	assert.Equal(t, "B", out[0].Groups["g"])
}

func TestEventKey(t *testing.T) {
	assert.Equal(t, "p|id|e1", eventKey("p", model.EventData{EventID: " e1 "}))
	assert.NotEqual(t, eventKey("p", model.EventData{EventID: "e1"}), eventKey("q", model.EventData{EventID: "e1"}))
	assert.Empty(t, eventKey("p", model.EventData{Outcomes: cohort("g", "A", 2, 1)}))
	assert.Empty(t, eventKey("p", model.EventData{}))
}
