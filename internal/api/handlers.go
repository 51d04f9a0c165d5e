package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/johann-project/johann-go/internal/conductor"
	"github.com/johann-project/johann-go/internal/score"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	brokerState := "up"
	status := http.StatusOK
	if err := s.broker.Ping(ctx); err != nil {
		brokerState = "down"
		status = http.StatusServiceUnavailable
	}

	s.writeData(w, status, "", map[string]any{
		"broker": brokerState,
		"uptime": time.Since(s.startTime).String(),
		"scores": len(s.scores.Names()),
	})
}

func (s *Server) handleListScores(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, http.StatusOK, "", s.scores.Names())
}

func (s *Server) handleGetScore(w http.ResponseWriter, r *http.Request) {
	sc, err := s.scores.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, "", sc)
}

func (s *Server) handleScoreMeasures(w http.ResponseWriter, r *http.Request) {
	sc, err := s.scores.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, "", sc.MeasureNames())
}

func (s *Server) handleScoreStatusShort(w http.ResponseWriter, r *http.Request) {
	st, err := s.conductor.LatestScoreStatus(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, "", st)
}

// handleLaunch starts a run. A POST body may carry per-player host
// overrides as {"player": ["host", ...]}; GET (and an empty body) launches
// with the score's own hosts.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var overrides map[string][]string
	if r.Method == http.MethodPost && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&overrides); err != nil {
			s.writeJSON(w, http.StatusBadRequest, response{
				Success:  false,
				Messages: []string{fmt.Sprintf("invalid host overrides: %v", err)},
			})
			return
		}
	}

	run, err := s.conductor.Launch(r.Context(), name, overrides)
	if err != nil {
		var partial *conductor.PartialLaunchError
		if errors.As(err, &partial) {
			// the run exists; report it alongside the failure
			s.writeJSON(w, http.StatusBadGateway, response{
				Success:  false,
				Messages: []string{err.Error()},
				Data: map[string]any{
					"run_id":    partial.RunID,
					"submitted": partial.Submitted,
					"total":     partial.Total,
				},
			})
			return
		}
		s.writeError(w, r, err)
		return
	}

	s.writeData(w, http.StatusOK, "launched", map[string]any{"run_id": run.ID})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	rs, err := s.conductor.RunStatus(chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, "", rs)
}

func (s *Server) handleRunStatusShort(w http.ResponseWriter, r *http.Request) {
	rs, err := s.conductor.RunStatus(chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, "", map[string]any{
		"run_id": rs.RunID,
		"status": rs.Status,
	})
}

func (s *Server) handleMeasureStatus(w http.ResponseWriter, r *http.Request) {
	ms, err := s.conductor.MeasureStatus(chi.URLParam(r, "run_id"), chi.URLParam(r, "measure"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, "", ms)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.broker.TaskStatus(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, "", map[string]any{
		"state":  st.State,
		"status": st.Result,
		"error":  st.Error,
	})
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, http.StatusOK, "", map[string]any{
		"packs": s.tasks.Packs(),
		"tasks": s.tasks.Names(),
	})
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, http.StatusOK, "", s.hosts.Names())
}

func (s *Server) handleGetHost(w http.ResponseWriter, r *http.Request) {
	h, err := s.hosts.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, "", h)
}

func (s *Server) handleAddHosts(w http.ResponseWriter, r *http.Request) {
	var in []score.Host
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeJSON(w, http.StatusBadRequest, response{
			Success:  false,
			Messages: []string{fmt.Sprintf("invalid hosts payload: %v", err)},
		})
		return
	}

	added := make([]string, 0, len(in))
	for _, h := range in {
		if h.Name == "" {
			s.writeJSON(w, http.StatusBadRequest, response{
				Success:  false,
				Messages: []string{"host name is required"},
			})
			return
		}
		s.hosts.Put(h)
		added = append(added, h.Name)
	}
	s.logger.Printf("registered %d hosts: %v", len(added), added)
	s.writeData(w, http.StatusOK, "hosts registered", added)
}
