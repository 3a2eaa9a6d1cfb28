package api

import (
	"net/http"

	"github.com/mazuadm/mazuadm/pkg/scheduler"
	"github.com/mazuadm/mazuadm/pkg/store"
	"github.com/mazuadm/mazuadm/pkg/types"
)

func (s *Server) listExploits(w http.ResponseWriter, r *http.Request) {
	exploits, err := s.store.ListExploits(r.Context(), queryInt64(r, "challenge_id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exploits)
}

func (s *Server) createExploit(w http.ResponseWriter, r *http.Request) {
	var req store.CreateExploit
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	exploit, err := s.store.CreateExploit(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}

	if req.AutoAdd != nil {
		s.autoAddRuns(r, exploit, *req.AutoAdd)
	}
	if req.InsertIntoRounds != nil && *req.InsertIntoRounds {
		s.insertIntoActiveRounds(r, exploit)
	}

	if exploit.Enabled {
		if err := s.scheduler.Send(scheduler.Command{Op: scheduler.CmdEnsureContainers, ExploitID: exploit.ID}); err != nil {
			s.logger.Error().Err(err).Int64("exploit_id", exploit.ID).Msg("Failed to enqueue container ensure")
		}
	}

	s.bus.Publish("exploit_created", exploit)
	writeJSON(w, http.StatusOK, exploit)
}

// autoAddRuns creates a run for every team, placed before or after the
// challenge's existing sequence range
func (s *Server) autoAddRuns(r *http.Request, exploit *types.Exploit, mode string) {
	if mode != "start" && mode != "end" {
		return
	}
	ctx := r.Context()
	teams, err := s.store.ListTeams(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("auto_add: failed to list teams")
		return
	}

	for _, team := range teams {
		runs, err := s.store.ListExploitRuns(ctx, &exploit.ChallengeID, &team.ID)
		if err != nil {
			continue
		}
		var seq int
		if mode == "start" {
			min := 0
			for i, run := range runs {
				if i == 0 || run.Sequence < min {
					min = run.Sequence
				}
			}
			seq = min - 1
		} else {
			max := -1
			for _, run := range runs {
				if run.Sequence > max {
					max = run.Sequence
				}
			}
			seq = max + 1
		}
		run, err := s.store.CreateExploitRun(ctx, store.CreateExploitRun{
			ExploitID:   exploit.ID,
			ChallengeID: exploit.ChallengeID,
			TeamID:      team.ID,
			Sequence:    &seq,
		})
		if err != nil {
			continue
		}
		s.bus.Publish("exploit_run_created", run)
	}
}

// insertIntoActiveRounds injects jobs for the new exploit's runs into every
// active round, waking the scheduler for running ones
func (s *Server) insertIntoActiveRounds(r *http.Request, exploit *types.Exploit) {
	ctx := r.Context()
	rounds, err := s.store.GetActiveRounds(ctx)
	if err != nil {
		return
	}
	runs, err := s.store.ListExploitRuns(ctx, &exploit.ChallengeID, nil)
	if err != nil {
		return
	}

	reason := "new_exploit"
	for _, round := range rounds {
		for _, run := range runs {
			if run.ExploitID != exploit.ID {
				continue
			}
			job, err := s.store.CreateJob(ctx, round.ID, run.ID, run.TeamID, 0, &reason)
			if err != nil {
				continue
			}
			s.bus.PublishJob("job_created", job)
			if round.Status == types.RoundStatusRunning {
				if err := s.scheduler.Send(scheduler.Command{Op: scheduler.CmdRefreshJob, JobID: job.ID}); err != nil {
					s.logger.Error().Err(err).Int64("job_id", job.ID).Msg("Failed to refresh scheduler")
				}
			}
		}
	}
}

func (s *Server) updateExploit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req store.UpdateExploit
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	wasEnabled := false
	if prev, err := s.store.GetExploit(r.Context(), id); err == nil {
		wasEnabled = prev.Enabled
	}

	exploit, err := s.store.UpdateExploit(r.Context(), id, req)
	if err != nil {
		respondErr(w, err)
		return
	}

	// Enabling pre-warms containers; disabling tears them down
	if exploit.Enabled && !wasEnabled {
		_ = s.scheduler.Send(scheduler.Command{Op: scheduler.CmdEnsureContainers, ExploitID: id})
	} else if !exploit.Enabled && wasEnabled {
		_ = s.scheduler.Send(scheduler.Command{Op: scheduler.CmdDestroyExploitContainers, ExploitID: id})
	}

	s.bus.Publish("exploit_updated", exploit)
	writeJSON(w, http.StatusOK, exploit)
}

func (s *Server) deleteExploit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	// Containers go first so nothing keeps running for a deleted exploit
	if err := s.pool.DestroyExploitContainers(r.Context(), id); err != nil {
		s.logger.Warn().Err(err).Int64("exploit_id", id).Msg("Failed to destroy containers for deleted exploit")
	}
	if err := s.store.DeleteExploit(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	s.bus.Publish("exploit_deleted", id)
	writeJSON(w, http.StatusOK, "ok")
}

// Exploit runs

func (s *Server) listExploitRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListExploitRuns(r.Context(), queryInt64(r, "challenge_id"), queryInt64(r, "team_id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) createExploitRun(w http.ResponseWriter, r *http.Request) {
	var req store.CreateExploitRun
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	run, err := s.store.CreateExploitRun(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	s.bus.Publish("exploit_run_created", run)
	writeJSON(w, http.StatusOK, run)
}

type updateExploitRunRequest struct {
	Priority *int  `json:"priority"`
	Sequence *int  `json:"sequence"`
	Enabled  *bool `json:"enabled"`
}

func (s *Server) updateExploitRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req updateExploitRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	run, err := s.store.UpdateExploitRun(r.Context(), id, req.Priority, req.Sequence, req.Enabled)
	if err != nil {
		respondErr(w, err)
		return
	}
	s.bus.Publish("exploit_run_updated", run)
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) deleteExploitRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.store.DeleteExploitRun(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	s.bus.Publish("exploit_run_deleted", id)
	writeJSON(w, http.StatusOK, "ok")
}

func (s *Server) reorderExploitRuns(w http.ResponseWriter, r *http.Request) {
	var items []store.SequenceUpdate
	if err := decodeJSON(r, &items); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.store.ReorderExploitRuns(r.Context(), items); err != nil {
		respondErr(w, err)
		return
	}
	s.bus.Publish("exploit_runs_reordered", items)
	writeJSON(w, http.StatusOK, "ok")
}
