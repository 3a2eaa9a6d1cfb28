package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/mazuadm/mazuadm/pkg/log"
	"github.com/mazuadm/mazuadm/pkg/types"
)

// Postgres implements Store on a pgx connection pool
type Postgres struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

var _ Store = (*Postgres)(nil)

// Connect opens a connection pool against the given database URL and pings it
func Connect(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.MaxConns = 75

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{
		pool:   pool,
		logger: log.WithComponent("store"),
	}, nil
}

// Close releases the connection pool
func (s *Postgres) Close() {
	s.pool.Close()
}

// mapErr translates pgx sentinel errors into store errors
func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func boolOr(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}

func intOr(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

// clampedPriority clamps an optional priority, defaulting to 0
func clampedPriority(p *int) int {
	return types.ClampPriority(intOr(p, 0))
}

// Challenges

const challengeColumns = "id, name, enabled, default_port, priority, flag_regex, created_at"

func scanChallenge(row pgx.Row) (*types.Challenge, error) {
	var c types.Challenge
	err := row.Scan(&c.ID, &c.Name, &c.Enabled, &c.DefaultPort, &c.Priority, &c.FlagRegex, &c.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func scanChallenges(rows pgx.Rows) ([]*types.Challenge, error) {
	defer rows.Close()
	var items []*types.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning challenge row: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (s *Postgres) CreateChallenge(ctx context.Context, c CreateChallenge) (*types.Challenge, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO challenges (name, enabled, default_port, priority, flag_regex)
		 VALUES ($1, $2, $3, $4, $5) RETURNING `+challengeColumns,
		c.Name, boolOr(c.Enabled, true), c.DefaultPort, clampedPriority(c.Priority), c.FlagRegex)
	return scanChallenge(row)
}

func (s *Postgres) GetChallenge(ctx context.Context, id int64) (*types.Challenge, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id = $1`, id)
	return scanChallenge(row)
}

func (s *Postgres) ListChallenges(ctx context.Context) ([]*types.Challenge, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+challengeColumns+` FROM challenges ORDER BY priority DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("listing challenges: %w", err)
	}
	return scanChallenges(rows)
}

func (s *Postgres) UpdateChallenge(ctx context.Context, id int64, c CreateChallenge) (*types.Challenge, error) {
	var priority *int
	if c.Priority != nil {
		p := types.ClampPriority(*c.Priority)
		priority = &p
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE challenges SET name = $2, enabled = COALESCE($3, enabled), default_port = $4,
		 priority = COALESCE($5, priority), flag_regex = $6 WHERE id = $1 RETURNING `+challengeColumns,
		id, c.Name, c.Enabled, c.DefaultPort, priority, c.FlagRegex)
	return scanChallenge(row)
}

func (s *Postgres) SetChallengeEnabled(ctx context.Context, id int64, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE challenges SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) DeleteChallenge(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM challenges WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Teams

const teamColumns = "id, team_id, team_name, default_ip, priority, enabled, created_at"

func scanTeam(row pgx.Row) (*types.Team, error) {
	var t types.Team
	err := row.Scan(&t.ID, &t.TeamID, &t.TeamName, &t.DefaultIP, &t.Priority, &t.Enabled, &t.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func (s *Postgres) CreateTeam(ctx context.Context, t CreateTeam) (*types.Team, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO teams (team_id, team_name, default_ip, priority, enabled)
		 VALUES ($1, $2, $3, $4, $5) RETURNING `+teamColumns,
		t.TeamID, t.TeamName, t.DefaultIP, clampedPriority(t.Priority), boolOr(t.Enabled, true))
	return scanTeam(row)
}

func (s *Postgres) GetTeam(ctx context.Context, id int64) (*types.Team, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+teamColumns+` FROM teams WHERE id = $1`, id)
	return scanTeam(row)
}

func (s *Postgres) ListTeams(ctx context.Context) ([]*types.Team, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+teamColumns+` FROM teams ORDER BY priority DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("listing teams: %w", err)
	}
	defer rows.Close()
	var items []*types.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning team row: %w", err)
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (s *Postgres) UpdateTeam(ctx context.Context, id int64, t CreateTeam) (*types.Team, error) {
	var priority *int
	if t.Priority != nil {
		p := types.ClampPriority(*t.Priority)
		priority = &p
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE teams SET team_id = $2, team_name = $3, default_ip = $4,
		 priority = COALESCE($5, priority), enabled = COALESCE($6, enabled) WHERE id = $1 RETURNING `+teamColumns,
		id, t.TeamID, t.TeamName, t.DefaultIP, priority, t.Enabled)
	return scanTeam(row)
}

func (s *Postgres) DeleteTeam(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM teams WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Relations

const relationColumns = "id, challenge_id, team_id, addr, port, created_at"

func scanRelation(row pgx.Row) (*types.Relation, error) {
	var r types.Relation
	err := row.Scan(&r.ID, &r.ChallengeID, &r.TeamID, &r.Addr, &r.Port, &r.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (s *Postgres) ListRelations(ctx context.Context, challengeID int64) ([]*types.Relation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+relationColumns+` FROM challenge_team_relations WHERE challenge_id = $1 ORDER BY team_id`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("listing relations: %w", err)
	}
	defer rows.Close()
	var items []*types.Relation
	for rows.Next() {
		r, err := scanRelation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning relation row: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (s *Postgres) GetRelation(ctx context.Context, challengeID, teamID int64) (*types.Relation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+relationColumns+` FROM challenge_team_relations WHERE challenge_id = $1 AND team_id = $2`,
		challengeID, teamID)
	return scanRelation(row)
}

func (s *Postgres) UpdateConnectionInfo(ctx context.Context, challengeID, teamID int64, addr *string, port *int) (*types.Relation, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO challenge_team_relations (challenge_id, team_id, addr, port) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (challenge_id, team_id) DO UPDATE SET addr = $3, port = $4
		 RETURNING `+relationColumns,
		challengeID, teamID, addr, port)
	return scanRelation(row)
}

func (s *Postgres) EnsureRelations(ctx context.Context, challengeID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO challenge_team_relations (challenge_id, team_id)
		 SELECT $1, id FROM teams ON CONFLICT DO NOTHING`, challengeID)
	return err
}

func (s *Postgres) EnsureRelationsForTeam(ctx context.Context, teamID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO challenge_team_relations (challenge_id, team_id)
		 SELECT id, $1 FROM challenges ON CONFLICT DO NOTHING`, teamID)
	return err
}

// Settings

func (s *Postgres) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		return "", mapErr(err)
	}
	return value, nil
}

func (s *Postgres) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = $2`, key, value)
	return err
}

func (s *Postgres) ListSettings(ctx context.Context) ([]*types.Setting, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("listing settings: %w", err)
	}
	defer rows.Close()
	var items []*types.Setting
	for rows.Next() {
		var st types.Setting
		if err := rows.Scan(&st.Key, &st.Value); err != nil {
			return nil, fmt.Errorf("scanning setting row: %w", err)
		}
		items = append(items, &st)
	}
	return items, rows.Err()
}
