// Package api exposes search submission and progress over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-cds-search/internal/catalog"
	"github.com/withObsrvr/obsrvr-cds-search/internal/dispatch"
	"github.com/withObsrvr/obsrvr-cds-search/internal/metrics"
	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
	"github.com/withObsrvr/obsrvr-cds-search/internal/monitor"
	"github.com/withObsrvr/obsrvr-cds-search/internal/planner"
)

// Planner produces the batch jobs of a search.
type Planner interface {
	PlanLibraries(ctx context.Context, jobID string, params model.SearchParameters) (*planner.LibraryPlan, error)
}

// Dispatcher starts the batch jobs of a search.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobs []model.BatchJob) (dispatch.Summary, error)
}

// Progress reports batch completion of a job.
type Progress interface {
	Progress(ctx context.Context, jobID string, expected int, startedAt time.Time, timeout time.Duration) (monitor.Progress, error)
}

// Server serves the search API.
type Server struct {
	planner    Planner
	dispatcher Dispatcher
	progress   Progress
	catalog    catalog.Catalog
	timeout    time.Duration
	newID      func() string
	now        func() time.Time
	log        *slog.Logger
}

// Config configures a Server.
type Config struct {
	// SearchTimeout marks jobs as timed out in progress reports; zero disables it.
	SearchTimeout time.Duration
}

// NewServer creates the API server. A nil catalog keeps no search records.
func NewServer(p Planner, d Dispatcher, prog Progress, cat catalog.Catalog, cfg Config) *Server {
	if cat == nil {
		cat = catalog.Noop{}
	}
	return &Server{
		planner:    p,
		dispatcher: d,
		progress:   prog,
		catalog:    cat,
		timeout:    cfg.SearchTimeout,
		newID:      uuid.NewString,
		now:        time.Now,
		log:        slog.With("component", "api"),
	}
}

// Router returns the HTTP handler with every route registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/searches", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/{jobID}", s.handleGet)
		r.Get("/{jobID}/progress", s.handleProgress)
	})
	return r
}

// SubmitResponse is returned when a search was planned and dispatched.
type SubmitResponse struct {
	JobID      string `json:"jobId"`
	NBatches   int    `json:"nBatches"`
	BatchSize  int    `json:"batchSize"`
	Targets    int    `json:"targets"`
	Dispatched int    `json:"dispatched"`
	Skipped    int    `json:"skipped"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubmit plans and dispatches a search.
// POST /v1/searches
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var params model.SearchParameters
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	jobID := s.newID()
	log := s.log.With("job_id", jobID, "request_id", middleware.GetReqID(ctx))

	plan, err := s.planner.PlanLibraries(ctx, jobID, params)
	if err != nil {
		s.fail(w, log, "plan search", err)
		return
	}

	started := s.now().UTC()
	n := len(plan.Jobs)
	if err := s.catalog.UpdateSearch(ctx, catalog.Update{
		SearchID: jobID,
		Step:     catalog.StepInProgress,
		NBatches: &n,
		Started:  &started,
	}); err != nil {
		log.Warn("failed to record search", "error", err)
	}

	summary, err := s.dispatcher.Dispatch(ctx, plan.Jobs)
	if err != nil {
		s.catalog.UpdateSearch(ctx, catalog.Update{SearchID: jobID, ErrorMessage: err.Error()})
		s.fail(w, log, "dispatch search", err)
		return
	}

	log.Info("search submitted", "batches", n, "targets", plan.Total)
	writeJSON(w, http.StatusAccepted, SubmitResponse{
		JobID:      jobID,
		NBatches:   n,
		BatchSize:  plan.BatchSize,
		Targets:    plan.Total,
		Dispatched: summary.Dispatched,
		Skipped:    summary.Skipped,
	})
}

// handleGet returns the catalog record of a search.
// GET /v1/searches/{jobID}
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	search, err := s.catalog.GetSearch(r.Context(), chi.URLParam(r, "jobID"))
	if errors.Is(err, catalog.ErrSearchNotFound) {
		writeError(w, http.StatusNotFound, "search not found")
		return
	}
	if err != nil {
		s.fail(w, s.log, "get search", err)
		return
	}
	writeJSON(w, http.StatusOK, search)
}

// handleProgress reports batch completion. The expected batch count comes
// from the batches query parameter or, when absent, from the catalog.
// GET /v1/searches/{jobID}/progress?batches=N
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "jobID")

	expected := -1
	if v := r.URL.Query().Get("batches"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "batches must be a non-negative integer")
			return
		}
		expected = n
	}

	var started time.Time
	timeout := time.Duration(0)
	if search, err := s.catalog.GetSearch(ctx, jobID); err == nil {
		if expected < 0 && search.NBatches != nil {
			expected = *search.NBatches
		}
		if search.Started != nil {
			started = *search.Started
			timeout = s.timeout
		}
	}
	if expected < 0 {
		writeError(w, http.StatusBadRequest, "unknown batch count, pass batches")
		return
	}

	p, err := s.progress.Progress(ctx, jobID, expected, started, timeout)
	if err != nil {
		s.fail(w, s.log, "job progress", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) fail(w http.ResponseWriter, log *slog.Logger, op string, err error) {
	if model.IsConfigError(err) {
		log.Warn(op+" rejected", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()))
		}()
		next.ServeHTTP(ww, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ListenAndServe serves handler on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
