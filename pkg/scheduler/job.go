package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mazuadm/mazuadm/pkg/events"
	"github.com/mazuadm/mazuadm/pkg/metrics"
	"github.com/mazuadm/mazuadm/pkg/settings"
	"github.com/mazuadm/mazuadm/pkg/store"
	"github.com/mazuadm/mazuadm/pkg/types"
)

// runJob executes one dispatched job end to end: resolve the target, lease a
// container, exec, harvest flags, settle the terminal status
func (s *Scheduler) runJob(ctx context.Context, job *types.ExploitJob, cfg settings.ExecutorSettings, handle *jobHandle) {
	logger := s.logger.With().Int64("job_id", job.ID).Logger()
	start := time.Now()

	// Store writes use their own context: a StopJob cancel must not be able
	// to fail the settlement of the very job it is stopping
	dbCtx := context.Background()

	if err := s.store.MarkJobRunning(dbCtx, job.ID); err != nil {
		logger.Error().Err(err).Msg("Failed to mark job running")
		return
	}
	s.publishJob(dbCtx, job.ID)

	if job.ExploitRunID == nil {
		s.failJob(dbCtx, job.ID, "Job has no exploit run")
		return
	}
	run, err := s.store.GetExploitRun(dbCtx, *job.ExploitRunID)
	if err != nil {
		s.failJob(dbCtx, job.ID, "Exploit run not found")
		return
	}
	exploit, err := s.store.GetExploit(dbCtx, run.ExploitID)
	if err != nil {
		s.failJob(dbCtx, job.ID, "Exploit not found")
		return
	}
	challenge, err := s.store.GetChallenge(dbCtx, run.ChallengeID)
	if err != nil {
		s.failJob(dbCtx, job.ID, "Challenge not found")
		return
	}
	team, err := s.store.GetTeam(dbCtx, job.TeamID)
	if err != nil {
		s.failJob(dbCtx, job.ID, "Team not found")
		return
	}

	if !exploit.Enabled {
		s.skipJob(dbCtx, job.ID, "Exploit disabled")
		return
	}
	if !team.Enabled {
		s.skipJob(dbCtx, job.ID, "Team disabled")
		return
	}

	rel, err := s.store.GetRelation(dbCtx, challenge.ID, team.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.failJob(dbCtx, job.ID, "Failed to load connection info")
		return
	}
	conn, haveConn := types.ResolveConnectionInfo(rel, challenge, team)
	if !haveConn && !exploit.IgnoreConnectionInfo {
		s.failJob(dbCtx, job.ID, "No connection info (missing IP or port)")
		return
	}

	lease, err := s.pool.Acquire(ctx, run)
	if err != nil {
		s.failJob(dbCtx, job.ID, fmt.Sprintf("Container assignment failed: %v", err))
		return
	}
	handle.setContainer(lease.Container.ContainerID)
	if err := s.store.SetJobContainer(dbCtx, job.ID, lease.Container.ContainerID); err != nil {
		logger.Error().Err(err).Msg("Failed to record job container")
	}

	entrypoint := "/exploit"
	if exploit.Entrypoint != nil && *exploit.Entrypoint != "" {
		entrypoint = *exploit.Entrypoint
	}
	cmd := []string{entrypoint, conn.Addr, strconv.Itoa(conn.Port), team.TeamID}
	env := append([]string{
		"TARGET_HOST=" + conn.Addr,
		"TARGET_PORT=" + strconv.Itoa(conn.Port),
		"TARGET_TEAM_ID=" + team.TeamID,
	}, exploit.Envs...)

	timeout := settings.EffectiveTimeout(exploit.TimeoutSecs, cfg.WorkerTimeout)
	res, execErr := s.pool.Execute(ctx, lease.Container.ContainerID, cmd, env, timeout, handle.setPid)
	lease.Release(context.Background())

	durationMs := time.Since(start).Milliseconds()
	metrics.JobDuration.Observe(time.Since(start).Seconds())

	if execErr != nil {
		msg := execErr.Error()
		if err := s.store.FinishJob(context.Background(), job.ID, types.JobStatusError, nil, &msg, durationMs); err != nil {
			logger.Error().Err(err).Msg("Failed to finish errored job")
		}
		s.publishJob(context.Background(), job.ID)
		metrics.JobsFinished.WithLabelValues(string(types.JobStatusError)).Inc()
		return
	}

	pattern := ""
	if challenge.FlagRegex != nil {
		pattern = *challenge.FlagRegex
	}
	flags := ExtractFlags(res.Stdout, pattern, cfg.MaxFlags)
	for _, value := range flags {
		flag, err := s.store.CreateFlag(context.Background(), job.ID, job.RoundID, challenge.ID, team.ID, value)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to persist flag")
			continue
		}
		metrics.FlagsExtracted.Inc()
		s.bus.Publish(events.EventFlagCreated, flag)
	}

	stdout := res.Stdout
	stderr := res.Stderr

	_, _, stopReason := handle.snapshot()
	var status types.JobStatus
	switch {
	case stopReason != "":
		if len(flags) > 0 {
			status = types.JobStatusFlag
		} else {
			status = types.JobStatusStopped
		}
		stderr = stderr + "\n[" + stopReason + "]"
	case res.TimedOut:
		status = types.JobStatusTimeout
	case len(flags) > 0:
		status = types.JobStatusFlag
	case res.OLE:
		status = types.JobStatusOLE
	case res.ExitCode == 0:
		status = types.JobStatusSuccess
	default:
		status = types.JobStatusFailed
	}

	if err := s.store.FinishJob(context.Background(), job.ID, status, &stdout, &stderr, durationMs); err != nil {
		logger.Error().Err(err).Msg("Failed to finish job")
		return
	}
	s.publishJob(context.Background(), job.ID)
	metrics.JobsFinished.WithLabelValues(string(status)).Inc()

	logger.Info().
		Str("status", string(status)).
		Int("flags", len(flags)).
		Int64("duration_ms", durationMs).
		Msg("Job finished")
}

// SubmitFlagRequest is one manual flag submission
type SubmitFlagRequest struct {
	RoundID     *int64  `json:"round_id"`
	ChallengeID int64   `json:"challenge_id"`
	TeamID      int64   `json:"team_id"`
	FlagValue   string  `json:"flag_value"`
	Status      *string `json:"status"`
}

// ValidationError marks a rejected submission; the API maps it to 4xx
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// SubmitFlags validates and inserts manually submitted flags. The round
// defaults to the running round and must fall inside the past_flag_rounds
// window.
func (s *Scheduler) SubmitFlags(ctx context.Context, reqs []SubmitFlagRequest) ([]*types.Flag, error) {
	runningRoundID, ok, err := s.RunningRoundID(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoRunningRound
	}
	pastRounds := s.settings.PastFlagRounds(ctx)

	var flags []*types.Flag
	for _, req := range reqs {
		flag, err := s.submitFlag(ctx, req, runningRoundID, pastRounds)
		if err != nil {
			return nil, err
		}
		flags = append(flags, flag)
	}
	return flags, nil
}

func (s *Scheduler) submitFlag(ctx context.Context, req SubmitFlagRequest, runningRoundID int64, pastRounds int) (*types.Flag, error) {
	value := strings.TrimSpace(req.FlagValue)
	if value == "" {
		return nil, &ValidationError{Message: "Flag value cannot be empty"}
	}
	if len(value) > 512 {
		return nil, &ValidationError{Message: "Flag value exceeds 512 characters"}
	}

	roundID := runningRoundID
	if req.RoundID != nil {
		roundID = *req.RoundID
	}
	if !RoundWithinHistory(roundID, runningRoundID, pastRounds) {
		return nil, &ValidationError{Message: fmt.Sprintf(
			"Round %d is outside allowed range (%d..%d)",
			roundID, MinAllowedRoundID(runningRoundID, pastRounds), runningRoundID)}
	}

	if _, err := s.store.GetRound(ctx, roundID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetChallenge(ctx, req.ChallengeID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetTeam(ctx, req.TeamID); err != nil {
		return nil, err
	}

	status := types.FlagStatusManual
	if req.Status != nil && *req.Status != "" {
		status = types.FlagStatus(*req.Status)
	}

	flag, err := s.store.CreateManualFlag(ctx, roundID, req.ChallengeID, req.TeamID, value, status)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(events.EventFlagCreated, flag)
	return flag, nil
}
