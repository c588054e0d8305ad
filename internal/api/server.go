// Package api exposes the engine's operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fairwatch/internal/alerts"
	"fairwatch/internal/audit"
	"fairwatch/internal/config"
	"fairwatch/internal/engine"
	"fairwatch/internal/model"
)

const (
	actorHeader     = "X-Actor"
	actorKindHeader = "X-Actor-Kind"
	maxBody         = 4 << 20
)

var errActorRequired = errors.New("actor is required")

// Service is the slice of the engine the API drives.
type Service interface {
	Config() *config.Config
	ComputeFairnessMetrics(ctx context.Context, outcomes []model.Outcome, fctx model.FairnessContext, actor model.Actor) (*model.FairnessMetrics, error)
	EvaluateProcess(ctx context.Context, processID string, pt model.ProcessType, data model.EventData, actor model.Actor) (model.Evaluation, error)
	AcknowledgeAlert(ctx context.Context, id string, actor model.Actor) (model.Alert, error)
	ResolveAlert(ctx context.Context, id string, actor model.Actor, action, description string) (model.Alert, error)
	Thresholds() config.Thresholds
	UpdateThresholds(ctx context.Context, th config.Thresholds, actor model.Actor) error
	ListAlerts(filter model.AlertFilter, page model.Pagination) model.AlertPage
	GetAlert(id string) (model.Alert, error)
	GetDashboardSnapshot(rng model.TimeRange) model.DashboardSnapshot
	CachedDashboard() (model.DashboardSnapshot, bool)
	QueryAudit(filter model.AuditFilter) []model.AuditEntry
	CorrectAudit(ctx context.Context, id string, actor model.Actor, changes []model.FieldChange) (model.AuditEntry, error)
	VerifyAudit() error
	LatestMetrics(processID string) (*model.FairnessMetrics, model.Evaluation, bool)
	Processes() []model.ProcessSummary
}

var _ Service = (*engine.Engine)(nil)

type Server struct {
	cfg      *config.Manager
	svc      Service
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	version  string
}

type Option func(*Server)

// WithGatherer serves gatherer on /metrics instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

func NewServer(cfg *config.Manager, svc Service, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{cfg: cfg, svc: svc, logger: logger, gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/fairness", func(r chi.Router) {
		r.Post("/compute", s.handleCompute)
		r.Get("/latest", s.handleLatestAll)
		r.Get("/latest/{processID}", s.handleLatest)
	})
	r.Post("/processes/{processID}/evaluate", s.handleEvaluate)

	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", s.handleListAlerts)
		r.Get("/{id}", s.handleGetAlert)
		r.Post("/{id}/acknowledge", s.handleAcknowledge)
		r.Post("/{id}/resolve", s.handleResolve)
	})

	r.Get("/config/thresholds", s.handleGetThresholds)
	r.Put("/config/thresholds", s.handlePutThresholds)
	r.Get("/dashboard", s.handleDashboard)
	r.Get("/audit", s.handleAudit)
	r.Get("/audit/verify", s.handleVerifyAudit)
	r.Post("/audit/{id}/corrections", s.handleCorrectAudit)
	return r
}

func Start(ctx context.Context, cfg *config.Manager, svc Service, logger *slog.Logger, opts ...Option) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(cfg, svc, logger, opts...)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

type statusResponse struct {
	Status     string       `json:"status"`
	Time       string       `json:"time"`
	Version    string       `json:"version"`
	ConfigPath string       `json:"config_path"`
	Processes  int          `json:"processes"`
	AuditChain string       `json:"audit_chain"`
	Ingest     ingestStatus `json:"ingest"`
	Monitoring string       `json:"monitoring_interval"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.svc.Config()
	chain := "ok"
	if err := s.svc.VerifyAudit(); err != nil {
		chain = err.Error()
	}
	path := ""
	if s.cfg != nil {
		path = s.cfg.Path()
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: path,
		Processes:  len(s.svc.Processes()),
		AuditChain: chain,
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		Monitoring: cfg.Monitoring.TickInterval.String(),
	})
}

type computeRequest struct {
	Actor    string                `json:"actor"`
	Context  model.FairnessContext `json:"context"`
	Outcomes []model.Outcome       `json:"outcomes"`
}

func (s *Server) handleCompute(w http.ResponseWriter, r *http.Request) {
	var req computeRequest
	if !decode(w, r, &req) {
		return
	}
	actor := actorFrom(r, req.Actor, "api")
	m, err := s.svc.ComputeFairnessMetrics(r.Context(), req.Outcomes, req.Context, actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleLatestAll(w http.ResponseWriter, _ *http.Request) {
	list := s.svc.Processes()
	writeJSON(w, http.StatusOK, map[string]any{"processes": list, "count": len(list)})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "processID")
	m, ev, ok := s.svc.LatestMetrics(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no evaluation for process " + id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"process_id": id, "metrics": m, "evaluation": ev})
}

type evaluateRequest struct {
	ProcessType string `json:"process_type"`
	Actor       string `json:"actor"`
	model.EventData
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decode(w, r, &req) {
		return
	}
	var pt model.ProcessType
	if req.ProcessType != "" {
		parsed, err := model.ParseProcessType(req.ProcessType)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		pt = parsed
	}
	actor := actorFrom(r, req.Actor, "api")
	ev, err := s.svc.EvaluateProcess(r.Context(), chi.URLParam(r, "processID"), pt, req.EventData, actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter model.AlertFilter
	if v := q.Get("status"); v != "" {
		st, ok := model.ParseAlertStatus(v)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown status " + v})
			return
		}
		filter.Status = st
	}
	if v := q.Get("severity"); v != "" {
		sev, err := model.ParseSeverity(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		filter.Severity = sev
	}
	if v := q.Get("process_type"); v != "" {
		pt, err := model.ParseProcessType(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		filter.ProcessType = pt
	}
	filter.ProcessID = q.Get("process_id")
	page := model.Pagination{Offset: atoi(q.Get("offset")), Limit: atoi(q.Get("limit"))}
	writeJSON(w, http.StatusOK, s.svc.ListAlerts(filter, page))
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.GetAlert(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type transitionRequest struct {
	Actor       string `json:"actor"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	actor := actorFrom(r, req.Actor, "")
	if actor.ID == "" {
		s.writeError(w, errActorRequired)
		return
	}
	a, err := s.svc.AcknowledgeAlert(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	actor := actorFrom(r, req.Actor, "")
	if actor.ID == "" {
		s.writeError(w, errActorRequired)
		return
	}
	a, err := s.svc.ResolveAlert(r.Context(), chi.URLParam(r, "id"), actor, req.Action, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleGetThresholds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Thresholds())
}

func (s *Server) handlePutThresholds(w http.ResponseWriter, r *http.Request) {
	var th config.Thresholds
	if !decode(w, r, &th) {
		return
	}
	actor := actorFrom(r, "", "")
	if actor.ID == "" {
		s.writeError(w, errActorRequired)
		return
	}
	if err := s.svc.UpdateThresholds(r.Context(), th, actor); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Thresholds())
}

// handleDashboard serves the tick-cached snapshot unless a range is given.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if rng.From.IsZero() && rng.To.IsZero() {
		if snap, ok := s.svc.CachedDashboard(); ok {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.svc.GetDashboardSnapshot(rng))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rng, err := parseRange(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	filter := model.AuditFilter{
		ActorKind:    model.ActorKind(q.Get("actor_kind")),
		ActorID:      q.Get("actor_id"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Range:        rng,
		Limit:        atoi(q.Get("limit")),
	}
	if v := q.Get("min_impact"); v != "" {
		sev, err := model.ParseSeverity(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		filter.MinImpact = sev
	}
	entries := s.svc.QueryAudit(filter)
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, _ *http.Request) {
	if err := s.svc.VerifyAudit(); err != nil {
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type correctionRequest struct {
	Actor   string              `json:"actor"`
	Changes []model.FieldChange `json:"changes"`
}

func (s *Server) handleCorrectAudit(w http.ResponseWriter, r *http.Request) {
	var req correctionRequest
	if !decode(w, r, &req) {
		return
	}
	actor := actorFrom(r, req.Actor, "")
	if actor.ID == "" {
		s.writeError(w, errActorRequired)
		return
	}
	entry, err := s.svc.CorrectAudit(r.Context(), chi.URLParam(r, "id"), actor, req.Changes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrAlertNotFound),
		errors.Is(err, audit.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlertNotEligible):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientSampleSize),
		errors.Is(err, model.ErrInconsistentAggregateScore):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrThresholdConfigInvalid),
		errors.Is(err, alerts.ErrIncompleteResolution),
		errors.Is(err, engine.ErrMissingProcessID),
		errors.Is(err, engine.ErrEmptyCorrection),
		errors.Is(err, errActorRequired):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrPersistenceUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && s.logger != nil {
		s.logger.Error("api request failed", "err", err, "status", status)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func actorFrom(r *http.Request, bodyActor, fallback string) model.Actor {
	id := strings.TrimSpace(r.Header.Get(actorHeader))
	if id == "" {
		id = strings.TrimSpace(bodyActor)
	}
	kind := model.ActorUser
	switch model.ActorKind(strings.ToLower(r.Header.Get(actorKindHeader))) {
	case model.ActorSystem:
		kind = model.ActorSystem
	case model.ActorBatch:
		kind = model.ActorBatch
	}
	if id == "" {
		if fallback == "" {
			return model.Actor{Kind: kind}
		}
		return model.SystemActor(fallback)
	}
	return model.Actor{Kind: kind, ID: id}
}

func parseRange(r *http.Request) (model.TimeRange, error) {
	var rng model.TimeRange
	q := r.URL.Query()
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"from", &rng.From}, {"to", &rng.To}} {
		v := q.Get(p.key)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return rng, errors.New("invalid " + p.key + ": want RFC3339")
		}
		*p.dst = ts
	}
	return rng, nil
}

func atoi(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body too large or unreadable"})
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body too large or unreadable"})
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
