package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mazuadm/mazuadm/pkg/scheduler"
	"github.com/mazuadm/mazuadm/pkg/store"
	"github.com/mazuadm/mazuadm/pkg/types"
)

// Rounds

func (s *Server) listRounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := s.store.ListRounds(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rounds)
}

func (s *Server) createRound(w http.ResponseWriter, r *http.Request) {
	roundID, err := s.scheduler.CreateRound(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roundID)
}

func (s *Server) runRound(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	round, err := s.store.GetRound(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	if round.Status != types.RoundStatusPending && round.Status != types.RoundStatusRunning {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("round %d is %s", id, round.Status))
		return
	}
	if err := s.scheduler.Send(scheduler.Command{Op: scheduler.CmdRunRound, RoundID: id}); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "started")
}

func (s *Server) rerunRound(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if _, err := s.store.GetRound(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.scheduler.Send(scheduler.Command{Op: scheduler.CmdRerunRound, RoundID: id}); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "restarted")
}

func (s *Server) rerunUnflagged(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	round, err := s.store.GetRound(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	if round.Status != types.RoundStatusRunning {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("round %d is not running", id))
		return
	}
	if err := s.scheduler.Send(scheduler.Command{Op: scheduler.CmdRerunUnflagged, RoundID: id}); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "rerun")
}

func (s *Server) skipRound(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if _, err := s.store.GetRound(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.scheduler.Send(scheduler.Command{Op: scheduler.CmdSkipRound, RoundID: id}); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "skipped")
}

// Jobs

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	roundID := queryInt64(r, "round_id")
	if roundID == nil {
		writeError(w, http.StatusBadRequest, "round_id is required")
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), *roundID)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type enqueueJobRequest struct {
	ExploitRunID int64 `json:"exploit_run_id"`
	TeamID       int64 `json:"team_id"`
}

// enqueueJob inserts an ad-hoc job into the running round above every
// existing priority and dispatches it immediately
func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	run, err := s.store.GetExploitRun(r.Context(), req.ExploitRunID)
	if err != nil {
		respondErr(w, err)
		return
	}

	roundID, ok, err := s.scheduler.RunningRoundID(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	if !ok {
		respondErr(w, scheduler.ErrNoRunningRound)
		return
	}

	maxPriority, err := s.store.GetMaxPriorityForRound(r.Context(), roundID)
	if err != nil {
		respondErr(w, err)
		return
	}
	reason := "enqueue_exploit"
	job, err := s.store.CreateJob(r.Context(), roundID, run.ID, req.TeamID, maxPriority+1, &reason)
	if err != nil {
		respondErr(w, err)
		return
	}
	s.bus.PublishJob("job_created", job)
	if err := s.scheduler.Send(scheduler.Command{Op: scheduler.CmdRunJobNow, JobID: job.ID}); err != nil {
		s.logger.Error().Err(err).Int64("job_id", job.ID).Msg("Immediate job failed to enqueue")
	}
	writeJSON(w, http.StatusOK, job)
}

// enqueueExistingJob re-dispatches a job: pending jobs in the running round
// go now, anything else is cloned into the running round
func (s *Server) enqueueExistingJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}

	roundID, ok, err := s.scheduler.RunningRoundID(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	if !ok {
		respondErr(w, scheduler.ErrNoRunningRound)
		return
	}

	if job.Status == types.JobStatusPending && job.RoundID == roundID {
		if err := s.scheduler.Send(scheduler.Command{Op: scheduler.CmdRunJobNow, JobID: job.ID}); err != nil {
			s.logger.Error().Err(err).Int64("job_id", job.ID).Msg("Immediate job failed to enqueue")
		}
		writeJSON(w, http.StatusOK, job)
		return
	}

	if job.ExploitRunID == nil {
		writeError(w, http.StatusBadRequest, "job has no exploit run")
		return
	}
	maxPriority, err := s.store.GetMaxPriorityForRound(r.Context(), roundID)
	if err != nil {
		respondErr(w, err)
		return
	}
	reason := fmt.Sprintf("rerun_job:%d", job.ID)
	clone, err := s.store.CreateJob(r.Context(), roundID, *job.ExploitRunID, job.TeamID, maxPriority+1, &reason)
	if err != nil {
		respondErr(w, err)
		return
	}
	s.bus.PublishJob("job_created", clone)
	if err := s.scheduler.Send(scheduler.Command{Op: scheduler.CmdRefreshJob, JobID: clone.ID}); err != nil {
		s.logger.Error().Err(err).Int64("job_id", clone.ID).Msg("Failed to refresh scheduler")
	}
	writeJSON(w, http.StatusOK, clone)
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	job, err := s.scheduler.StopJob(r.Context(), id, "stopped by user")
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := s.scheduler.Send(scheduler.Command{Op: scheduler.CmdRefreshJob, JobID: job.ID}); err != nil {
		s.logger.Error().Err(err).Int64("job_id", job.ID).Msg("Failed to refresh scheduler")
	}
	writeJSON(w, http.StatusOK, job.WithoutLogs())
}

func (s *Server) reorderJobs(w http.ResponseWriter, r *http.Request) {
	var items []store.PriorityUpdate
	if err := decodeJSON(r, &items); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.store.ReorderJobs(r.Context(), items); err != nil {
		respondErr(w, err)
		return
	}
	for _, item := range items {
		job, err := s.store.GetJob(r.Context(), item.ID)
		if err != nil {
			continue
		}
		s.bus.PublishJob("job_updated", job)
		if err := s.scheduler.Send(scheduler.Command{Op: scheduler.CmdRefreshJob, JobID: job.ID}); err != nil {
			s.logger.Error().Err(err).Int64("job_id", job.ID).Msg("Failed to refresh scheduler")
		}
	}
	writeJSON(w, http.StatusOK, "ok")
}

// Flags

func (s *Server) listFlags(w http.ResponseWriter, r *http.Request) {
	filter := store.FlagFilter{RoundID: queryInt64(r, "round_id")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		filter.Statuses = splitCSV(raw)
	}
	switch r.URL.Query().Get("sort") {
	case "", "desc":
		filter.Desc = true
	case "asc":
		filter.Desc = false
	default:
		writeError(w, http.StatusBadRequest, "sort must be 'asc' or 'desc'")
		return
	}

	flags, err := s.store.ListFlags(r.Context(), filter)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flags)
}

// submitFlags accepts a single submission object or an array of them
func (s *Server) submitFlags(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	var reqs []scheduler.SubmitFlagRequest
	if err := json.Unmarshal(raw, &reqs); err != nil {
		var single scheduler.SubmitFlagRequest
		if err := json.Unmarshal(raw, &single); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		reqs = []scheduler.SubmitFlagRequest{single}
	}

	flags, err := s.scheduler.SubmitFlags(r.Context(), reqs)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flags)
}
