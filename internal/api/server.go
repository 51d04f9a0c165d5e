// Package api exposes the conductor over HTTP: score inspection, run
// launch, status aggregation, and the orchestra host registry.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/johann-project/johann-go/internal/broker"
	"github.com/johann-project/johann-go/internal/conductor"
	"github.com/johann-project/johann-go/internal/score"
	"github.com/johann-project/johann-go/internal/store"
	"github.com/johann-project/johann-go/internal/tasks"
)

// Server handles HTTP requests
type Server struct {
	conductor *conductor.Conductor
	scores    *score.Registry
	hosts     *score.Hosts
	tasks     *tasks.Registry
	broker    broker.Queue
	logger    *log.Logger
	startTime time.Time
}

// NewServer creates a new API server
func NewServer(c *conductor.Conductor, scores *score.Registry, hosts *score.Hosts, reg *tasks.Registry, q broker.Queue) *Server {
	return &Server{
		conductor: c,
		scores:    scores,
		hosts:     hosts,
		tasks:     reg,
		broker:    q,
		logger:    log.New(os.Stdout, "[API] ", log.LstdFlags|log.Lshortfile),
		startTime: time.Now(),
	}
}

// Routes sets up the HTTP routes with proper middleware
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Get("/scores", s.handleListScores)
	r.Get("/scores/{name}", s.handleGetScore)
	r.Get("/scores/{name}/measures", s.handleScoreMeasures)
	r.Get("/scores/{name}/status_short", s.handleScoreStatusShort)

	// launch: GET kept for parity with the original's browser-driven use
	r.Get("/affrettando/{name}", s.handleLaunch)
	r.Post("/affrettando/{name}", s.handleLaunch)

	r.Get("/runs/{run_id}/status", s.handleRunStatus)
	r.Get("/runs/{run_id}/status_short", s.handleRunStatusShort)
	r.Get("/runs/{run_id}/measures/{measure}/status", s.handleMeasureStatus)

	r.Get("/tasks/{task_id}", s.handleTaskStatus)
	r.Get("/plugins", s.handlePlugins)

	r.Get("/hosts", s.handleListHosts)
	r.Get("/hosts/{name}", s.handleGetHost)
	r.Post("/add_hosts", s.handleAddHosts)

	return r
}

// response is the envelope every endpoint answers with.
type response struct {
	Success  bool     `json:"success"`
	Messages []string `json:"messages"`
	Data     any      `json:"data,omitempty"`
}

// writeJSON writes a JSON response with proper headers
func (s *Server) writeJSON(w http.ResponseWriter, status int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if resp.Messages == nil {
		resp.Messages = []string{}
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) writeData(w http.ResponseWriter, status int, msg string, data any) {
	var msgs []string
	if msg != "" {
		msgs = []string{msg}
	}
	s.writeJSON(w, status, response{Success: true, Messages: msgs, Data: data})
}

// writeError maps domain errors onto HTTP statuses and logs server-side
// failures.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		requestID := middleware.GetReqID(r.Context())
		s.logger.Printf("request_id=%s path=%s error=%v", requestID, r.URL.Path, err)
	}
	s.writeJSON(w, status, response{Success: false, Messages: []string{err.Error()}})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, score.ErrScoreNotFound),
		errors.Is(err, score.ErrHostNotFound),
		errors.Is(err, score.ErrPlayerNotFound),
		errors.Is(err, store.ErrRunNotFound),
		errors.Is(err, conductor.ErrMeasureNotFound),
		errors.Is(err, broker.ErrNoTask):
		return http.StatusNotFound
	case errors.Is(err, broker.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
