package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mazuadm/mazuadm/pkg/types"
)

const exploitColumns = `id, name, challenge_id, docker_image, entrypoint, enabled,
	max_per_container, max_containers, timeout_secs, default_counter, envs,
	ignore_connection_info, created_at`

func scanExploit(row pgx.Row) (*types.Exploit, error) {
	var e types.Exploit
	err := row.Scan(&e.ID, &e.Name, &e.ChallengeID, &e.DockerImage, &e.Entrypoint, &e.Enabled,
		&e.MaxPerContainer, &e.MaxContainers, &e.TimeoutSecs, &e.DefaultCounter, &e.Envs,
		&e.IgnoreConnectionInfo, &e.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

func scanExploits(rows pgx.Rows) ([]*types.Exploit, error) {
	defer rows.Close()
	var items []*types.Exploit
	for rows.Next() {
		e, err := scanExploit(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning exploit row: %w", err)
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (s *Postgres) CreateExploit(ctx context.Context, e CreateExploit) (*types.Exploit, error) {
	envs := e.Envs
	if envs == nil {
		envs = []string{}
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO exploits (name, challenge_id, docker_image, entrypoint, enabled,
		   max_per_container, max_containers, timeout_secs, default_counter, envs, ignore_connection_info)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING `+exploitColumns,
		e.Name, e.ChallengeID, e.DockerImage, e.Entrypoint, boolOr(e.Enabled, true),
		intOr(e.MaxPerContainer, 1), intOr(e.MaxContainers, 0), intOr(e.TimeoutSecs, 30),
		intOr(e.DefaultCounter, 999), envs, boolOr(e.IgnoreConnectionInfo, false))
	return scanExploit(row)
}

func (s *Postgres) GetExploit(ctx context.Context, id int64) (*types.Exploit, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+exploitColumns+` FROM exploits WHERE id = $1`, id)
	return scanExploit(row)
}

func (s *Postgres) ListExploits(ctx context.Context, challengeID *int64) ([]*types.Exploit, error) {
	var rows pgx.Rows
	var err error
	if challengeID != nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+exploitColumns+` FROM exploits WHERE challenge_id = $1 ORDER BY id DESC`, *challengeID)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+exploitColumns+` FROM exploits ORDER BY id DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("listing exploits: %w", err)
	}
	return scanExploits(rows)
}

func (s *Postgres) ListEnabledExploits(ctx context.Context) ([]*types.Exploit, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+exploitColumns+` FROM exploits WHERE enabled ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing enabled exploits: %w", err)
	}
	return scanExploits(rows)
}

func (s *Postgres) UpdateExploit(ctx context.Context, id int64, e UpdateExploit) (*types.Exploit, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE exploits SET name = $2, docker_image = $3, entrypoint = $4,
		   enabled = COALESCE($5, enabled),
		   max_per_container = COALESCE($6, max_per_container),
		   max_containers = COALESCE($7, max_containers),
		   timeout_secs = COALESCE($8, timeout_secs),
		   default_counter = COALESCE($9, default_counter),
		   envs = COALESCE($10, envs),
		   ignore_connection_info = COALESCE($11, ignore_connection_info)
		 WHERE id = $1 RETURNING `+exploitColumns,
		id, e.Name, e.DockerImage, e.Entrypoint, e.Enabled, e.MaxPerContainer,
		e.MaxContainers, e.TimeoutSecs, e.DefaultCounter, e.Envs, e.IgnoreConnectionInfo)
	return scanExploit(row)
}

func (s *Postgres) DeleteExploit(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM exploits WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Exploit runs

const runColumns = "id, exploit_id, challenge_id, team_id, priority, sequence, enabled, created_at"

func scanRun(row pgx.Row) (*types.ExploitRun, error) {
	var r types.ExploitRun
	err := row.Scan(&r.ID, &r.ExploitID, &r.ChallengeID, &r.TeamID, &r.Priority, &r.Sequence, &r.Enabled, &r.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func scanRuns(rows pgx.Rows) ([]*types.ExploitRun, error) {
	defer rows.Close()
	var items []*types.ExploitRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning exploit run row: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (s *Postgres) CreateExploitRun(ctx context.Context, r CreateExploitRun) (*types.ExploitRun, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO exploit_runs (exploit_id, challenge_id, team_id, priority, sequence)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (exploit_id, challenge_id, team_id)
		 DO UPDATE SET priority = EXCLUDED.priority, sequence = EXCLUDED.sequence
		 RETURNING `+runColumns,
		r.ExploitID, r.ChallengeID, r.TeamID, r.Priority, intOr(r.Sequence, 0))
	return scanRun(row)
}

func (s *Postgres) GetExploitRun(ctx context.Context, id int64) (*types.ExploitRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM exploit_runs WHERE id = $1`, id)
	return scanRun(row)
}

func (s *Postgres) ListExploitRuns(ctx context.Context, challengeID, teamID *int64) ([]*types.ExploitRun, error) {
	query := `SELECT ` + runColumns + ` FROM exploit_runs`
	var where []string
	var args []any
	if challengeID != nil {
		args = append(args, *challengeID)
		where = append(where, fmt.Sprintf("challenge_id = $%d", len(args)))
	}
	if teamID != nil {
		args = append(args, *teamID)
		where = append(where, fmt.Sprintf("team_id = $%d", len(args)))
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += " ORDER BY sequence"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing exploit runs: %w", err)
	}
	return scanRuns(rows)
}

func (s *Postgres) ListEnabledRunsForExploit(ctx context.Context, exploitID int64) ([]*types.ExploitRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT er.id, er.exploit_id, er.challenge_id, er.team_id, er.priority, er.sequence, er.enabled, er.created_at
		 FROM exploit_runs er
		 JOIN challenges c ON c.id = er.challenge_id
		 WHERE er.exploit_id = $1 AND er.enabled AND c.enabled
		 ORDER BY er.sequence`, exploitID)
	if err != nil {
		return nil, fmt.Errorf("listing enabled runs for exploit: %w", err)
	}
	return scanRuns(rows)
}

func (s *Postgres) UpdateExploitRun(ctx context.Context, id int64, priority *int, sequence *int, enabled *bool) (*types.ExploitRun, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE exploit_runs SET priority = $2, sequence = COALESCE($3, sequence), enabled = COALESCE($4, enabled)
		 WHERE id = $1 RETURNING `+runColumns,
		id, priority, sequence, enabled)
	return scanRun(row)
}

func (s *Postgres) DeleteExploitRun(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM exploit_runs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReorderExploitRuns applies all sequence updates atomically
func (s *Postgres) ReorderExploitRuns(ctx context.Context, items []SequenceUpdate) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]int64, len(items))
	seqs := make([]int, len(items))
	for i, it := range items {
		ids[i] = it.ID
		seqs[i] = it.Sequence
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE exploit_runs er SET sequence = v.sequence
		 FROM UNNEST($1::bigint[], $2::int[]) AS v(id, sequence)
		 WHERE er.id = v.id`, ids, seqs)
	return err
}

// Containers

const containerColumns = "id, exploit_id, container_id, status, counter, created_at"

func scanContainer(row pgx.Row) (*types.ExploitContainer, error) {
	var c types.ExploitContainer
	err := row.Scan(&c.ID, &c.ExploitID, &c.ContainerID, &c.Status, &c.Counter, &c.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func scanContainers(rows pgx.Rows) ([]*types.ExploitContainer, error) {
	defer rows.Close()
	var items []*types.ExploitContainer
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning container row: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (s *Postgres) CreateContainer(ctx context.Context, exploitID int64, engineID string, counter int) (*types.ExploitContainer, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO exploit_containers (exploit_id, container_id, counter)
		 VALUES ($1, $2, $3) RETURNING `+containerColumns,
		exploitID, engineID, counter)
	return scanContainer(row)
}

func (s *Postgres) GetContainer(ctx context.Context, id int64) (*types.ExploitContainer, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+containerColumns+` FROM exploit_containers WHERE id = $1`, id)
	return scanContainer(row)
}

func (s *Postgres) GetContainerByEngineID(ctx context.Context, engineID string) (*types.ExploitContainer, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+containerColumns+` FROM exploit_containers WHERE container_id = $1`, engineID)
	return scanContainer(row)
}

func (s *Postgres) ListContainers(ctx context.Context) ([]*types.ExploitContainer, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+containerColumns+` FROM exploit_containers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	return scanContainers(rows)
}

func (s *Postgres) ListExploitContainers(ctx context.Context, exploitID int64) ([]*types.ExploitContainer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+containerColumns+` FROM exploit_containers WHERE exploit_id = $1 ORDER BY id`, exploitID)
	if err != nil {
		return nil, fmt.Errorf("listing exploit containers: %w", err)
	}
	return scanContainers(rows)
}

func (s *Postgres) SetContainerStatus(ctx context.Context, id int64, status types.ContainerStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE exploit_containers SET status = $2 WHERE id = $1`, id, status)
	return err
}

// DecrementContainerCounter decrements atomically and returns the new value
func (s *Postgres) DecrementContainerCounter(ctx context.Context, id int64) (int, error) {
	var counter int
	err := s.pool.QueryRow(ctx,
		`UPDATE exploit_containers SET counter = GREATEST(counter - 1, 0) WHERE id = $1 RETURNING counter`, id).Scan(&counter)
	if err != nil {
		return 0, mapErr(err)
	}
	return counter, nil
}

func (s *Postgres) DeleteContainer(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM exploit_containers WHERE id = $1`, id)
	return err
}

// Runners

func (s *Postgres) CreateRunner(ctx context.Context, containerID, runID, teamID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO exploit_runners (container_id, exploit_run_id, team_id)
		 VALUES ($1, $2, $3) ON CONFLICT (container_id, exploit_run_id) DO NOTHING`,
		containerID, runID, teamID)
	return err
}

// GetRunnerForRun returns the run's affinity binding, preferring one whose
// container is still usable when stale rows linger
func (s *Postgres) GetRunnerForRun(ctx context.Context, runID int64) (*types.Runner, error) {
	var r types.Runner
	err := s.pool.QueryRow(ctx,
		`SELECT r.id, r.container_id, r.exploit_run_id, r.team_id, r.created_at
		 FROM exploit_runners r
		 JOIN exploit_containers c ON c.id = r.container_id
		 WHERE r.exploit_run_id = $1
		 ORDER BY (c.status = 'running' AND c.counter > 0) DESC, r.id DESC
		 LIMIT 1`, runID).
		Scan(&r.ID, &r.ContainerID, &r.RunID, &r.TeamID, &r.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (s *Postgres) ListRunnersForContainer(ctx context.Context, containerID int64) ([]*types.Runner, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, container_id, exploit_run_id, team_id, created_at
		 FROM exploit_runners WHERE container_id = $1`, containerID)
	if err != nil {
		return nil, fmt.Errorf("listing runners: %w", err)
	}
	defer rows.Close()
	var items []*types.Runner
	for rows.Next() {
		var r types.Runner
		if err := rows.Scan(&r.ID, &r.ContainerID, &r.RunID, &r.TeamID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning runner row: %w", err)
		}
		items = append(items, &r)
	}
	return items, rows.Err()
}

func (s *Postgres) DeleteRunnersForContainer(ctx context.Context, containerID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM exploit_runners WHERE container_id = $1`, containerID)
	return err
}
