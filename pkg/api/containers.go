package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) listContainers(w http.ResponseWriter, r *http.Request) {
	infos, err := s.pool.ListContainers(r.Context(), queryInt64(r, "challenge_id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) containerRunners(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	jobs, err := s.store.GetRunningJobsByContainer(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) deleteContainer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.pool.DestroyContainerByEngineID(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "ok")
}

type restartContainerRequest struct {
	Timeout *int `json:"timeout"`
	Force   bool `json:"force"`
}

func (s *Server) restartContainer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req restartContainerRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}
	if err := s.pool.RestartContainer(r.Context(), id, req.Timeout, req.Force); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "ok")
}

func (s *Server) restartAllContainers(w http.ResponseWriter, r *http.Request) {
	var req restartContainerRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}
	if err := s.pool.RestartAllContainers(r.Context(), req.Timeout, req.Force); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "ok")
}

func (s *Server) removeAllContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := s.store.ListContainers(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	var failed int
	for _, c := range containers {
		if err := s.pool.DestroyContainer(r.Context(), c.ID); err != nil {
			s.logger.Error().Err(err).Str("container_id", c.ContainerID).Msg("Failed to remove container")
			failed++
		}
	}
	if failed > 0 {
		writeError(w, http.StatusInternalServerError, "some containers could not be removed")
		return
	}
	writeJSON(w, http.StatusOK, "ok")
}
