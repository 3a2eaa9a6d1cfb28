package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/mazuadm/mazuadm/pkg/types"
)

const roundColumns = "id, started_at, finished_at, status"

func scanRound(row pgx.Row) (*types.Round, error) {
	var r types.Round
	err := row.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Status)
	if err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func scanRounds(rows pgx.Rows) ([]*types.Round, error) {
	defer rows.Close()
	var items []*types.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning round row: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (s *Postgres) CreateRound(ctx context.Context) (*types.Round, error) {
	row := s.pool.QueryRow(ctx, `INSERT INTO rounds DEFAULT VALUES RETURNING `+roundColumns)
	return scanRound(row)
}

func (s *Postgres) GetRound(ctx context.Context, id int64) (*types.Round, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id)
	return scanRound(row)
}

func (s *Postgres) ListRounds(ctx context.Context) ([]*types.Round, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+roundColumns+` FROM rounds ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing rounds: %w", err)
	}
	return scanRounds(rows)
}

// GetActiveRounds returns rounds still pending or running, oldest first
func (s *Postgres) GetActiveRounds(ctx context.Context) ([]*types.Round, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE status IN ('pending', 'running') ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing active rounds: %w", err)
	}
	return scanRounds(rows)
}

func (s *Postgres) StartRound(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE rounds SET status = 'running' WHERE id = $1`, id)
	return err
}

func (s *Postgres) FinishRound(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE rounds SET finished_at = NOW(), status = 'finished' WHERE id = $1`, id)
	return err
}

func (s *Postgres) SkipRound(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE rounds SET finished_at = NOW(), status = 'skipped' WHERE id = $1`, id)
	return err
}

func (s *Postgres) ResetRound(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE rounds SET finished_at = NULL, status = 'pending' WHERE id = $1`, id)
	return err
}

// Jobs

const jobColumns = `id, round_id, exploit_run_id, team_id, priority, status, container_id,
	stdout, stderr, create_reason, duration_ms, schedule_at, started_at, finished_at, created_at`

func scanJob(row pgx.Row) (*types.ExploitJob, error) {
	var j types.ExploitJob
	err := row.Scan(&j.ID, &j.RoundID, &j.ExploitRunID, &j.TeamID, &j.Priority, &j.Status,
		&j.ContainerID, &j.Stdout, &j.Stderr, &j.CreateReason, &j.DurationMs,
		&j.ScheduleAt, &j.StartedAt, &j.FinishedAt, &j.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*types.ExploitJob, error) {
	defer rows.Close()
	var items []*types.ExploitJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		items = append(items, j)
	}
	return items, rows.Err()
}

func (s *Postgres) CreateJob(ctx context.Context, roundID, runID, teamID int64, priority int, createReason *string) (*types.ExploitJob, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO exploit_jobs (round_id, exploit_run_id, team_id, priority, create_reason)
		 VALUES ($1, $2, $3, $4, $5) RETURNING `+jobColumns,
		roundID, runID, teamID, priority, createReason)
	return scanJob(row)
}

// CreateJobs bulk-inserts jobs in slice order so that ids encode insertion
// order for priority tie-breaks
func (s *Postgres) CreateJobs(ctx context.Context, roundID int64, jobs []NewJob) (int64, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	runIDs := make([]int64, len(jobs))
	teamIDs := make([]int64, len(jobs))
	priorities := make([]int, len(jobs))
	for i, j := range jobs {
		runIDs[i] = j.RunID
		teamIDs[i] = j.TeamID
		priorities[i] = j.Priority
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO exploit_jobs (round_id, exploit_run_id, team_id, priority)
		 SELECT $1, v.run_id, v.team_id, v.priority
		 FROM UNNEST($2::bigint[], $3::bigint[], $4::int[]) WITH ORDINALITY AS v(run_id, team_id, priority, ord)
		 ORDER BY v.ord`,
		roundID, runIDs, teamIDs, priorities)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) GetJob(ctx context.Context, id int64) (*types.ExploitJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM exploit_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ListJobs returns a round's jobs with stdout/stderr projected out; full
// logs are fetched per job
func (s *Postgres) ListJobs(ctx context.Context, roundID int64) ([]*types.ExploitJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, round_id, exploit_run_id, team_id, priority, status, container_id,
		   NULL::TEXT, NULL::TEXT, create_reason, duration_ms, schedule_at, started_at, finished_at, created_at
		 FROM exploit_jobs WHERE round_id = $1 ORDER BY priority DESC, id`, roundID)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return scanJobs(rows)
}

// GetPendingJobs returns pending jobs in dispatch order
func (s *Postgres) GetPendingJobs(ctx context.Context, roundID int64) ([]*types.ExploitJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM exploit_jobs
		 WHERE round_id = $1 AND status = 'pending' ORDER BY priority DESC, id`, roundID)
	if err != nil {
		return nil, fmt.Errorf("listing pending jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *Postgres) GetRunningJobsByContainer(ctx context.Context, containerID string) ([]*types.ExploitJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM exploit_jobs WHERE container_id = $1 AND status = 'running'`, containerID)
	if err != nil {
		return nil, fmt.Errorf("listing running jobs by container: %w", err)
	}
	return scanJobs(rows)
}

func (s *Postgres) GetMaxPriorityForRound(ctx context.Context, roundID int64) (int, error) {
	var max *int
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(priority) FROM exploit_jobs WHERE round_id = $1`, roundID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

func (s *Postgres) MarkJobRunning(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE exploit_jobs SET status = 'running', started_at = NOW() WHERE id = $1`, id)
	return err
}

func (s *Postgres) MarkJobScheduled(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE exploit_jobs SET schedule_at = NOW() WHERE id = $1`, id)
	return err
}

func (s *Postgres) SetJobContainer(ctx context.Context, id int64, containerID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE exploit_jobs SET container_id = $2 WHERE id = $1`, id, containerID)
	return err
}

func (s *Postgres) FinishJob(ctx context.Context, id int64, status types.JobStatus, stdout, stderr *string, durationMs int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE exploit_jobs SET status = $2, stdout = $3, stderr = $4, duration_ms = $5, finished_at = NOW()
		 WHERE id = $1`, id, status, stdout, stderr, durationMs)
	return err
}

func (s *Postgres) MarkJobStopped(ctx context.Context, id int64, hasFlag bool, reason string) error {
	status := types.JobStatusStopped
	if hasFlag {
		status = types.JobStatusFlag
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE exploit_jobs SET status = $2, finished_at = COALESCE(finished_at, NOW()),
		   stderr = COALESCE(stderr, '') || E'\n[' || $3 || ']'
		 WHERE id = $1`, id, status, reason)
	return err
}

// ReorderJobs updates priorities atomically, touching only still-pending jobs
func (s *Postgres) ReorderJobs(ctx context.Context, items []PriorityUpdate) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]int64, len(items))
	priorities := make([]int, len(items))
	for i, it := range items {
		ids[i] = it.ID
		priorities[i] = it.Priority
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE exploit_jobs ej SET priority = v.priority
		 FROM UNNEST($1::bigint[], $2::int[]) AS v(id, priority)
		 WHERE ej.id = v.id AND ej.status = 'pending'`, ids, priorities)
	return err
}

func (s *Postgres) ResetJobsForRound(ctx context.Context, roundID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE exploit_jobs SET status = 'pending', schedule_at = NULL, started_at = NULL,
		   finished_at = NULL, stdout = NULL, stderr = NULL, duration_ms = NULL, container_id = NULL
		 WHERE round_id = $1`, roundID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ResetUnflaggedJobsForRound flips non-terminal-flag jobs without a flag for
// their (round, challenge, team) back to pending
func (s *Postgres) ResetUnflaggedJobsForRound(ctx context.Context, roundID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE exploit_jobs ej SET status = 'pending', schedule_at = NULL, started_at = NULL,
		   finished_at = NULL, stdout = NULL, stderr = NULL, duration_ms = NULL, container_id = NULL
		 FROM exploit_runs er
		 WHERE ej.round_id = $1
		   AND ej.exploit_run_id = er.id
		   AND ej.status != 'flag'
		   AND NOT EXISTS (
		     SELECT 1 FROM flags f
		     WHERE f.round_id = $1
		       AND f.challenge_id = er.challenge_id
		       AND f.team_id = ej.team_id
		   )`, roundID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CloneUnflaggedJobsForRound inserts fresh pending copies of every
// dispatched job in the round whose target still has no flag
func (s *Postgres) CloneUnflaggedJobsForRound(ctx context.Context, roundID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO exploit_jobs (round_id, exploit_run_id, team_id, priority, create_reason)
		 SELECT $1, ej.exploit_run_id, ej.team_id, ej.priority, 'rerun_unflag:' || ej.id::text
		 FROM exploit_jobs ej
		 JOIN exploit_runs er ON er.id = ej.exploit_run_id
		 WHERE ej.round_id = $1
		   AND ej.status NOT IN ('flag', 'skipped', 'pending')
		   AND ej.exploit_run_id IS NOT NULL
		   AND NOT EXISTS (
		     SELECT 1 FROM flags f
		     WHERE f.round_id = $1
		       AND f.challenge_id = er.challenge_id
		       AND f.team_id = ej.team_id
		   )`, roundID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) SkipPendingJobsForRound(ctx context.Context, roundID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE exploit_jobs SET status = 'skipped', stderr = 'Round skipped'
		 WHERE round_id = $1 AND status = 'pending'`, roundID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ResetStaleJobs flips jobs left running by a previous process to stopped.
// Run once at startup, before the scheduler accepts commands.
func (s *Postgres) ResetStaleJobs(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE exploit_jobs SET status = 'stopped', finished_at = COALESCE(finished_at, NOW()),
		   stderr = COALESCE(stderr, '') || E'\n[stopped by server restart]'
		 WHERE status = 'running'`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Flags

const flagColumns = "id, job_id, round_id, challenge_id, team_id, flag_value, status, submitted_at, created_at"

func scanFlag(row pgx.Row) (*types.Flag, error) {
	var f types.Flag
	err := row.Scan(&f.ID, &f.JobID, &f.RoundID, &f.ChallengeID, &f.TeamID, &f.FlagValue,
		&f.Status, &f.SubmittedAt, &f.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &f, nil
}

func (s *Postgres) CreateFlag(ctx context.Context, jobID, roundID, challengeID, teamID int64, value string) (*types.Flag, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO flags (job_id, round_id, challenge_id, team_id, flag_value)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (round_id, challenge_id, team_id, flag_value) DO NOTHING
		 RETURNING `+flagColumns,
		jobID, roundID, challengeID, teamID, value)
	f, err := scanFlag(row)
	if err == ErrNotFound {
		// Duplicate within the round: fetch the existing row
		row = s.pool.QueryRow(ctx,
			`SELECT `+flagColumns+` FROM flags
			 WHERE round_id = $1 AND challenge_id = $2 AND team_id = $3 AND flag_value = $4`,
			roundID, challengeID, teamID, value)
		return scanFlag(row)
	}
	return f, err
}

func (s *Postgres) CreateManualFlag(ctx context.Context, roundID, challengeID, teamID int64, value string, status types.FlagStatus) (*types.Flag, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO flags (job_id, round_id, challenge_id, team_id, flag_value, status, submitted_at)
		 VALUES (NULL, $1, $2, $3, $4, $5, NOW()) RETURNING `+flagColumns,
		roundID, challengeID, teamID, value, status)
	return scanFlag(row)
}

func (s *Postgres) HasFlagFor(ctx context.Context, roundID, challengeID, teamID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM flags WHERE round_id = $1 AND challenge_id = $2 AND team_id = $3)`,
		roundID, challengeID, teamID).Scan(&exists)
	return exists, err
}

func (s *Postgres) HasFlagForJob(ctx context.Context, jobID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM flags WHERE job_id = $1)`, jobID).Scan(&exists)
	return exists, err
}

func (s *Postgres) ListFlags(ctx context.Context, filter FlagFilter) ([]*types.Flag, error) {
	query := `SELECT ` + flagColumns + ` FROM flags`
	var where []string
	var args []any
	if filter.RoundID != nil {
		args = append(args, *filter.RoundID)
		where = append(where, fmt.Sprintf("round_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		args = append(args, filter.Statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.Desc {
		query += " ORDER BY id DESC"
	} else {
		query += " ORDER BY id"
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing flags: %w", err)
	}
	defer rows.Close()
	var items []*types.Flag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning flag row: %w", err)
		}
		items = append(items, f)
	}
	return items, rows.Err()
}
