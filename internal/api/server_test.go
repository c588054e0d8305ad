package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fairwatch/internal/alerts"
	"fairwatch/internal/audit"
	"fairwatch/internal/config"
	"fairwatch/internal/engine"
	"fairwatch/internal/metrics"
	"fairwatch/internal/model"
)

type testAPI struct {
	handler http.Handler
	eng     *engine.Engine
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Notify.Log = false
	mgr := config.NewStaticManager(cfg)
	reg := prometheus.NewRegistry()
	eng := engine.NewEngine(mgr, nil, metrics.NewStore(100), nil,
		engine.WithCollectors(metrics.NewCollectors(reg)))
	t.Cleanup(func() { _ = eng.Close() })
	srv := NewServer(mgr, eng, nil, WithGatherer(reg), WithVersion("test"))
	return &testAPI{handler: srv.Handler(), eng: eng}
}

func (a *testAPI) do(t *testing.T, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != "" {
		req.Header.Set(actorHeader, actor)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func cohort(group string, n, selected int) []model.Outcome {
	out := make([]model.Outcome, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.Outcome{Groups: map[string]string{"gender": group}, Selected: i < selected})
	}
	return out
}

func skewed() []model.Outcome {
	return append(cohort("A", 100, 90), cohort("B", 100, 50)...)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestEvaluateAndAlertLifecycle(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/processes/req-1/evaluate", "", map[string]any{
		"process_type": "hiring",
		"event_id":     "e1",
		"outcomes":     skewed(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ev := decodeBody[model.Evaluation](t, rec)
	assert.Equal(t, model.ComplianceNonCompliant, ev.Status)
	require.NotEmpty(t, ev.AlertIDs)

	rec = a.do(t, http.MethodGet, "/alerts?status=active&process_id=req-1&limit=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[model.AlertPage](t, rec)
	require.Len(t, page.Items, 1)
	assert.Equal(t, len(ev.AlertIDs), page.Total)
	id := page.Items[0].ID

	rec = a.do(t, http.MethodPost, "/alerts/"+id+"/acknowledge", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/alerts/"+id+"/acknowledge", "kim", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.AlertAcknowledged, decodeBody[model.Alert](t, rec).Status)

	rec = a.do(t, http.MethodPost, "/alerts/"+id+"/acknowledge", "kim", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(t, http.MethodPost, "/alerts/"+id+"/resolve", "kim", map[string]string{"action": "retrained screener"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/alerts/"+id+"/resolve", "kim", map[string]string{
		"action":      "retrained screener",
		"description": "re-ran shortlist with blind review",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.AlertResolved, decodeBody[model.Alert](t, rec).Status)

	rec = a.do(t, http.MethodPost, "/alerts/"+id+"/resolve", "kim", map[string]string{"action": "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(t, http.MethodGet, "/alerts/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = a.do(t, http.MethodPost, "/alerts/missing/acknowledge", "kim", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, "/fairness/latest/req-1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = a.do(t, http.MethodGet, "/fairness/latest/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, "/audit?actor_id=kim", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Equal(t, 2, entries.Count)

	rec = a.do(t, http.MethodGet, "/audit/verify", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestComputeInsufficientSample(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodPost, "/fairness/compute", "", map[string]any{
		"context":  model.FairnessContext{ProcessType: model.ProcessHiring},
		"outcomes": append(cohort("A", 5, 3), cohort("B", 5, 1)...),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = a.do(t, http.MethodPost, "/fairness/compute", "", map[string]any{
		"context":  model.FairnessContext{ProcessType: model.ProcessHiring},
		"outcomes": skewed(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	m := decodeBody[model.FairnessMetrics](t, rec)
	assert.False(t, m.DisparateImpact.FourFifthsCompliant)
}

func TestThresholdEndpoints(t *testing.T) {
	a := newTestAPI(t)
	th := config.DefaultThresholds()
	th.DemographicParity = config.Threshold{Warning: 0.3, Critical: 0.6}

	rec := a.do(t, http.MethodPut, "/config/thresholds", "ops", th)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	th.DemographicParity = config.Threshold{Warning: 0.85, Critical: 0.65}
	rec = a.do(t, http.MethodPut, "/config/thresholds", "", th)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPut, "/config/thresholds", "ops", th)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/config/thresholds", "", nil)
	got := decodeBody[config.Thresholds](t, rec)
	assert.Equal(t, 0.85, got.DemographicParity.Warning)
}

func TestDashboardAndMetrics(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodPost, "/processes/req-2/evaluate", "", map[string]any{"outcomes": skewed()})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/dashboard", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeBody[model.DashboardSnapshot](t, rec)
	assert.Positive(t, snap.TotalAlerts)
	require.Len(t, snap.Processes, 1)

	rec = a.do(t, http.MethodGet, "/dashboard?from=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fairwatch_evaluations_total")

	rec = a.do(t, http.MethodGet, "/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[statusResponse](t, rec)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, 1, status.Processes)
	assert.Equal(t, "ok", status.AuditChain)
}

func TestAuditCorrection(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodPost, "/processes/req-1/evaluate", "", map[string]any{"event_id": "e1", "outcomes": skewed()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	runs := a.eng.QueryAudit(model.AuditFilter{ResourceType: model.ResourceProcess, ResourceID: "req-1"})
	require.Len(t, runs, 1)
	orig := runs[0]
	path := "/audit/" + orig.ID + "/corrections"
	changes := []model.FieldChange{{Field: "actor", From: "ats", To: "ats-v2"}}

	rec = a.do(t, http.MethodPost, path, "", map[string]any{"changes": changes})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, path, "auditor", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/audit/missing/corrections", "auditor", map[string]any{"changes": changes})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodPost, path, "", map[string]any{"actor": "auditor", "changes": changes})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	entry := decodeBody[model.AuditEntry](t, rec)
	assert.Equal(t, model.ActionCorrection, entry.Action)
	assert.Equal(t, orig.ID, entry.Corrects)
	assert.Equal(t, "auditor", entry.Actor.ID)
	assert.Equal(t, changes, entry.Changes)

	rec = a.do(t, http.MethodGet, "/audit/verify", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: %w: x", model.ErrAlertNotEligible, model.ErrAlertNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: resolved", model.ErrAlertNotEligible), http.StatusConflict},
		{model.ErrInsufficientSampleSize, http.StatusUnprocessableEntity},
		{model.ErrInconsistentAggregateScore, http.StatusUnprocessableEntity},
		{model.ErrThresholdConfigInvalid, http.StatusBadRequest},
		{alerts.ErrIncompleteResolution, http.StatusBadRequest},
		{engine.ErrMissingProcessID, http.StatusBadRequest},
		{engine.ErrEmptyCorrection, http.StatusBadRequest},
		{fmt.Errorf("%w: a1", audit.ErrEntryNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: db down", model.ErrPersistenceUnavailable), http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
