package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fovpipe/internal/pipeline"
	"fovpipe/internal/storage"
)

// RunFunc executes one full run over a catalog. It blocks until the run ends.
type RunFunc func(ctx context.Context, runID, catalog string) error

// Subscriber streams finished job results.
type Subscriber interface {
	Subscribe() (<-chan pipeline.Result, func())
}

// Options wires the server's collaborators. Every field except Addr may be
// left empty; the matching routes then answer 503.
type Options struct {
	Addr           string
	Store          *storage.Store
	Pipeline       Subscriber
	Run            RunFunc
	DefaultCatalog string
	Gatherer       prometheus.Gatherer
	Log            *slog.Logger
}

// Server exposes the run ledger, live job events and metrics over HTTP.
type Server struct {
	addr           string
	store          *storage.Store
	pipeline       Subscriber
	run            RunFunc
	defaultCatalog string
	gatherer       prometheus.Gatherer
	log            *slog.Logger
	hub            *hub
	server         *http.Server

	// baseCtx scopes runs started over HTTP; replaced by Start.
	baseCtx context.Context
	busy    atomic.Bool
	// runs receives the ID of each finished background run when not full.
	runs chan string
}

// NewServer creates a server. Call Start to listen, or mount Handler directly.
func NewServer(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:           opts.Addr,
		store:          opts.Store,
		pipeline:       opts.Pipeline,
		run:            opts.Run,
		defaultCatalog: opts.DefaultCatalog,
		gatherer:       opts.Gatherer,
		log:            log,
		hub:            newHub(log),
		baseCtx:        context.Background(),
		runs:           make(chan string, 1),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	go s.hub.run(ctx)
	if s.pipeline != nil {
		go s.forwardResults(ctx)
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs", s.handleStartRun).Methods("POST")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/runs/{id}/verdicts", s.handleVerdicts).Methods("GET")
	r.HandleFunc("/runs/{id}/splits", s.handleSplits).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func limitParam(r *http.Request, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return def
}

func (s *Server) ledgerReady(w http.ResponseWriter) bool {
	if s.store == nil {
		http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if !s.ledgerReady(w) {
		return
	}
	recs, err := s.store.RecentJobs(limitParam(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !s.ledgerReady(w) {
		return
	}
	recs, err := s.store.RecentRuns(limitParam(r, 20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type runDetail struct {
	Run  storage.RunRecord   `json:"run"`
	Jobs []storage.JobRecord `json:"jobs"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.ledgerReady(w) {
		return
	}
	id := mux.Vars(r)["id"]
	run, err := s.store.GetRun(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jobs, err := s.store.RunJobs(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runDetail{Run: run, Jobs: jobs})
}

func (s *Server) handleVerdicts(w http.ResponseWriter, r *http.Request) {
	if !s.ledgerReady(w) {
		return
	}
	v, err := s.store.Verdicts(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleSplits(w http.ResponseWriter, r *http.Request) {
	if !s.ledgerReady(w) {
		return
	}
	a, err := s.store.Splits(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type startRequest struct {
	Catalog string `json:"catalog"`
}

// handleStartRun launches a run in the background. Only one run executes at
// a time since runs share the results directory.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.run == nil {
		http.Error(w, "runs are not enabled", http.StatusServiceUnavailable)
		return
	}
	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Catalog == "" {
		req.Catalog = s.defaultCatalog
	}
	if req.Catalog == "" {
		http.Error(w, "catalog is required", http.StatusBadRequest)
		return
	}
	if !s.busy.CompareAndSwap(false, true) {
		http.Error(w, "a run is already in progress", http.StatusConflict)
		return
	}

	runID := pipeline.NewRunID()
	go func() {
		if err := s.run(s.baseCtx, runID, req.Catalog); err != nil {
			s.log.Error("run failed", "run_id", runID, "error", err)
		}
		s.busy.Store(false)
		select {
		case s.runs <- runID:
		default:
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "catalog": req.Catalog})
}

// jobEvent is the wire form of a finished job on /stream and /ws.
type jobEvent struct {
	JobID  string         `json:"job_id"`
	RunID  string         `json:"run_id,omitempty"`
	FOVId  int64          `json:"fov_id"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func newJobEvent(res pipeline.Result) jobEvent {
	ev := jobEvent{
		JobID:  res.Job.ID,
		RunID:  res.Job.RunID,
		FOVId:  res.Job.Row.FOVId,
		Status: res.Status(),
		Meta:   res.Meta,
	}
	if res.Error != nil {
		ev.Error = res.Error.Error()
	}
	return ev
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(newJobEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// forwardResults relays pipeline results to websocket clients.
func (s *Server) forwardResults(ctx context.Context) {
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(newJobEvent(res))
			if err != nil {
				continue
			}
			s.hub.publish(payload)
		}
	}
}
