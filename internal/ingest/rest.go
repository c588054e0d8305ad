package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"fairwatch/internal/config"
	"fairwatch/internal/model"
)

const maxBody = 2 << 20

type RESTServer struct {
	cfg     *config.Manager
	out     chan<- model.ProcessEvent
	logger  *slog.Logger
	limiter *rate.Limiter
}

func NewRESTServer(cfg *config.Manager, out chan<- model.ProcessEvent, logger *slog.Logger) *RESTServer {
	rc := cfg.Get().Ingest.REST
	limit := rate.Inf
	if rc.RateLimit > 0 {
		limit = rate.Limit(rc.RateLimit)
	}
	burst := rc.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RESTServer{cfg: cfg, out: out, logger: logger, limiter: rate.NewLimiter(limit, burst)}
}

func (s *RESTServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.With(s.rateLimit).Post("/events", s.handleEvents)
	return r
}

func StartREST(ctx context.Context, cfg *config.Manager, out chan<- model.ProcessEvent, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr, "rate_limit", current.RateLimit)
	}
	server := NewRESTServer(cfg, out, logger)
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
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *RESTServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ingestResult struct {
	Accepted int      `json:"accepted"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

func (s *RESTServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		http.Error(w, "body too large or unreadable", http.StatusBadRequest)
		return
	}
	list, err := ParseJSONList(body)
	if err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	var res ingestResult
	for _, fields := range list {
		if err := emit(r.Context(), fields, "rest", s.cfg, s.out, s.logger); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Accepted++
	}
	status := http.StatusAccepted
	if res.Accepted == 0 {
		status = http.StatusUnprocessableEntity
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}
