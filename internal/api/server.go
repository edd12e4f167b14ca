// Package api serves a read-only view of a running batch over HTTP.
// GET endpoints are public. POST endpoints require a bearer token.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ai4ci/jpansim2-sub000/internal/batch"
	"github.com/ai4ci/jpansim2-sub000/internal/persistence"
)

// ProgressSource reports batch progress.
type ProgressSource interface {
	Progress() batch.Progress
}

// RunStore reads exported runs.
type RunStore interface {
	Runs(execution string) ([]persistence.Run, error)
	PopulationStates(runID string) ([]persistence.PopulationRow, error)
	Summary() (map[string]float64, error)
}

// Server serves batch status.
type Server struct {
	Batch    ProgressSource
	Store    RunStore
	Metrics  http.Handler // mounted at /metrics when set
	AdminKey string       // bearer token for POST endpoints; empty disables them
	Halt     func()       // called by POST /api/v1/halt

	started time.Time
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	s.started = time.Now()
	series := newSeriesBudget(60, time.Minute)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/runs", s.handleRuns)
	mux.HandleFunc("/api/v1/runs/", limitSeries(series, s.handleRunSeries))
	mux.HandleFunc("/api/v1/summary", s.handleSummary)
	mux.HandleFunc("/api/v1/halt", s.adminOnly(s.handleHalt))
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics)
	}
	return mux
}

// Start serves on addr in a goroutine. Close the returned server to stop.
func (s *Server) Start(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	return srv
}

func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly requires POST with a valid bearer token.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.AdminKey == "" {
			http.Error(w, "admin endpoints disabled (no JPANSIM_ADMIN_KEY set)", http.StatusForbidden)
			return
		}
		if !s.checkBearerToken(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.Batch != nil {
		status["batch"] = s.Batch.Progress()
	}
	writeJSON(w, status)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		http.Error(w, "no run store", http.StatusServiceUnavailable)
		return
	}
	runs, err := s.Store.Runs(r.URL.Query().Get("execution"))
	if err != nil {
		slog.Error("list runs", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	type runEntry struct {
		ID           string  `json:"id"`
		Setup        string  `json:"setup"`
		Execution    string  `json:"execution"`
		Replicate    int     `json:"replicate"`
		Status       string  `json:"status"`
		Ticks        int     `json:"ticks"`
		AttackRate   float64 `json:"attack_rate"`
		Dropped      int     `json:"dropped_attributions"`
	}
	out := make([]runEntry, 0, len(runs))
	for _, run := range runs {
		e := runEntry{
			ID:           run.ID,
			Setup:        run.Setup,
			Execution:    run.Execution,
			Replicate:    run.Replicate,
			Status:       run.Status,
			Ticks:        run.Ticks,
			Dropped:      run.Dropped,
		}
		if run.Population > 0 {
			e.AttackRate = float64(run.EverInfected) / float64(run.Population)
		}
		out = append(out, e)
	}
	writeJSON(w, out)
}

// handleRunSeries serves GET /api/v1/runs/:id.
func (s *Server) handleRunSeries(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		http.Error(w, "no run store", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return
	}
	rows, err := s.Store.PopulationStates(id)
	if err != nil {
		slog.Error("run series", "run", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if len(rows) == 0 {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	type point struct {
		Time        int     `json:"time"`
		Policy      string  `json:"policy"`
		Prevalence  float64 `json:"prevalence"`
		Symptomatic int     `json:"symptomatic"`
		Isolating   int     `json:"isolating"`
		Compliant   int     `json:"compliant"`
		Tests       int     `json:"tests"`
		Positives   int     `json:"positives"`
		Contacts    int     `json:"contacts"`
	}
	series := make([]point, 0, len(rows))
	for _, row := range rows {
		p := point{
			Time:        row.Time,
			Policy:      row.Policy,
			Symptomatic: row.Symptomatic,
			Isolating:   row.Isolating,
			Compliant:   row.Compliant,
			Tests:       row.Tests,
			Positives:   row.Positives,
			Contacts:    row.Contacts,
		}
		if row.Size > 0 {
			p.Prevalence = float64(row.Infectious) / float64(row.Size)
		}
		series = append(series, p)
	}
	writeJSON(w, map[string]any{"id": id, "series": series})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		http.Error(w, "no run store", http.StatusServiceUnavailable)
		return
	}
	summary, err := s.Store.Summary()
	if err != nil {
		slog.Error("summary", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"attack_rate": summary})
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	if s.Halt == nil {
		http.Error(w, "halt not supported", http.StatusNotImplemented)
		return
	}
	slog.Warn("halt requested over HTTP", "remote", r.RemoteAddr)
	s.Halt()
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "halting"})
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
