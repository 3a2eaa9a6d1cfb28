package store

import (
	"context"
	"errors"

	"github.com/mazuadm/mazuadm/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// CreateChallenge holds the writable fields of a challenge
type CreateChallenge struct {
	Name        string  `json:"name"`
	Enabled     *bool   `json:"enabled"`
	DefaultPort *int    `json:"default_port"`
	Priority    *int    `json:"priority"`
	FlagRegex   *string `json:"flag_regex"`
}

// CreateTeam holds the writable fields of a team
type CreateTeam struct {
	TeamID    string  `json:"team_id"`
	TeamName  string  `json:"team_name"`
	DefaultIP *string `json:"default_ip"`
	Priority  *int    `json:"priority"`
	Enabled   *bool   `json:"enabled"`
}

// CreateExploit holds the writable fields of an exploit
type CreateExploit struct {
	Name                 string   `json:"name"`
	ChallengeID          int64    `json:"challenge_id"`
	DockerImage          string   `json:"docker_image"`
	Entrypoint           *string  `json:"entrypoint"`
	Enabled              *bool    `json:"enabled"`
	MaxPerContainer      *int     `json:"max_per_container"`
	MaxContainers        *int     `json:"max_containers"`
	TimeoutSecs          *int     `json:"timeout_secs"`
	DefaultCounter       *int     `json:"default_counter"`
	Envs                 []string `json:"envs"`
	IgnoreConnectionInfo *bool    `json:"ignore_connection_info"`

	// AutoAdd and InsertIntoRounds are creation-time behaviors handled by
	// the API layer, not persisted.
	AutoAdd          *string `json:"auto_add"`
	InsertIntoRounds *bool   `json:"insert_into_rounds"`
}

// UpdateExploit holds the updatable fields of an exploit
type UpdateExploit struct {
	Name                 string   `json:"name"`
	DockerImage          string   `json:"docker_image"`
	Entrypoint           *string  `json:"entrypoint"`
	Enabled              *bool    `json:"enabled"`
	MaxPerContainer      *int     `json:"max_per_container"`
	MaxContainers        *int     `json:"max_containers"`
	TimeoutSecs          *int     `json:"timeout_secs"`
	DefaultCounter       *int     `json:"default_counter"`
	Envs                 []string `json:"envs"`
	IgnoreConnectionInfo *bool    `json:"ignore_connection_info"`
}

// CreateExploitRun holds the writable fields of an exploit run
type CreateExploitRun struct {
	ExploitID   int64 `json:"exploit_id"`
	ChallengeID int64 `json:"challenge_id"`
	TeamID      int64 `json:"team_id"`
	Priority    *int  `json:"priority"`
	Sequence    *int  `json:"sequence"`
}

// SequenceUpdate is one entry of a run reorder
type SequenceUpdate struct {
	ID       int64 `json:"id"`
	Sequence int   `json:"sequence"`
}

// PriorityUpdate is one entry of a job reorder
type PriorityUpdate struct {
	ID       int64 `json:"id"`
	Priority int   `json:"priority"`
}

// NewJob holds the fields of a job to bulk-insert during round generation
type NewJob struct {
	RunID    int64
	TeamID   int64
	Priority int
}

// FlagFilter narrows flag listings
type FlagFilter struct {
	RoundID  *int64
	Statuses []string
	Desc     bool
}

// Store is the catalog store contract consumed by the scheduler, the
// container pool and the API surface. Implemented by Postgres.
type Store interface {
	// Challenges
	CreateChallenge(ctx context.Context, c CreateChallenge) (*types.Challenge, error)
	GetChallenge(ctx context.Context, id int64) (*types.Challenge, error)
	ListChallenges(ctx context.Context) ([]*types.Challenge, error)
	UpdateChallenge(ctx context.Context, id int64, c CreateChallenge) (*types.Challenge, error)
	SetChallengeEnabled(ctx context.Context, id int64, enabled bool) error
	DeleteChallenge(ctx context.Context, id int64) error

	// Teams
	CreateTeam(ctx context.Context, t CreateTeam) (*types.Team, error)
	GetTeam(ctx context.Context, id int64) (*types.Team, error)
	ListTeams(ctx context.Context) ([]*types.Team, error)
	UpdateTeam(ctx context.Context, id int64, t CreateTeam) (*types.Team, error)
	DeleteTeam(ctx context.Context, id int64) error

	// Relations
	ListRelations(ctx context.Context, challengeID int64) ([]*types.Relation, error)
	GetRelation(ctx context.Context, challengeID, teamID int64) (*types.Relation, error)
	UpdateConnectionInfo(ctx context.Context, challengeID, teamID int64, addr *string, port *int) (*types.Relation, error)
	EnsureRelations(ctx context.Context, challengeID int64) error
	EnsureRelationsForTeam(ctx context.Context, teamID int64) error

	// Exploits
	CreateExploit(ctx context.Context, e CreateExploit) (*types.Exploit, error)
	GetExploit(ctx context.Context, id int64) (*types.Exploit, error)
	ListExploits(ctx context.Context, challengeID *int64) ([]*types.Exploit, error)
	ListEnabledExploits(ctx context.Context) ([]*types.Exploit, error)
	UpdateExploit(ctx context.Context, id int64, e UpdateExploit) (*types.Exploit, error)
	DeleteExploit(ctx context.Context, id int64) error

	// Exploit runs
	CreateExploitRun(ctx context.Context, r CreateExploitRun) (*types.ExploitRun, error)
	GetExploitRun(ctx context.Context, id int64) (*types.ExploitRun, error)
	ListExploitRuns(ctx context.Context, challengeID, teamID *int64) ([]*types.ExploitRun, error)
	ListEnabledRunsForExploit(ctx context.Context, exploitID int64) ([]*types.ExploitRun, error)
	UpdateExploitRun(ctx context.Context, id int64, priority *int, sequence *int, enabled *bool) (*types.ExploitRun, error)
	DeleteExploitRun(ctx context.Context, id int64) error
	ReorderExploitRuns(ctx context.Context, items []SequenceUpdate) error

	// Rounds
	CreateRound(ctx context.Context) (*types.Round, error)
	GetRound(ctx context.Context, id int64) (*types.Round, error)
	ListRounds(ctx context.Context) ([]*types.Round, error)
	GetActiveRounds(ctx context.Context) ([]*types.Round, error)
	StartRound(ctx context.Context, id int64) error
	FinishRound(ctx context.Context, id int64) error
	SkipRound(ctx context.Context, id int64) error
	ResetRound(ctx context.Context, id int64) error

	// Jobs
	CreateJob(ctx context.Context, roundID, runID, teamID int64, priority int, createReason *string) (*types.ExploitJob, error)
	CreateJobs(ctx context.Context, roundID int64, jobs []NewJob) (int64, error)
	GetJob(ctx context.Context, id int64) (*types.ExploitJob, error)
	ListJobs(ctx context.Context, roundID int64) ([]*types.ExploitJob, error)
	GetPendingJobs(ctx context.Context, roundID int64) ([]*types.ExploitJob, error)
	GetRunningJobsByContainer(ctx context.Context, containerID string) ([]*types.ExploitJob, error)
	GetMaxPriorityForRound(ctx context.Context, roundID int64) (int, error)
	MarkJobRunning(ctx context.Context, id int64) error
	MarkJobScheduled(ctx context.Context, id int64) error
	SetJobContainer(ctx context.Context, id int64, containerID string) error
	FinishJob(ctx context.Context, id int64, status types.JobStatus, stdout, stderr *string, durationMs int64) error
	MarkJobStopped(ctx context.Context, id int64, hasFlag bool, reason string) error
	ReorderJobs(ctx context.Context, items []PriorityUpdate) error
	ResetJobsForRound(ctx context.Context, roundID int64) (int64, error)
	ResetUnflaggedJobsForRound(ctx context.Context, roundID int64) (int64, error)
	CloneUnflaggedJobsForRound(ctx context.Context, roundID int64) (int64, error)
	SkipPendingJobsForRound(ctx context.Context, roundID int64) (int64, error)
	ResetStaleJobs(ctx context.Context) (int64, error)

	// Flags
	CreateFlag(ctx context.Context, jobID, roundID, challengeID, teamID int64, value string) (*types.Flag, error)
	CreateManualFlag(ctx context.Context, roundID, challengeID, teamID int64, value string, status types.FlagStatus) (*types.Flag, error)
	HasFlagFor(ctx context.Context, roundID, challengeID, teamID int64) (bool, error)
	HasFlagForJob(ctx context.Context, jobID int64) (bool, error)
	ListFlags(ctx context.Context, filter FlagFilter) ([]*types.Flag, error)

	// Containers and runners
	CreateContainer(ctx context.Context, exploitID int64, engineID string, counter int) (*types.ExploitContainer, error)
	GetContainer(ctx context.Context, id int64) (*types.ExploitContainer, error)
	GetContainerByEngineID(ctx context.Context, engineID string) (*types.ExploitContainer, error)
	ListContainers(ctx context.Context) ([]*types.ExploitContainer, error)
	ListExploitContainers(ctx context.Context, exploitID int64) ([]*types.ExploitContainer, error)
	SetContainerStatus(ctx context.Context, id int64, status types.ContainerStatus) error
	DecrementContainerCounter(ctx context.Context, id int64) (int, error)
	DeleteContainer(ctx context.Context, id int64) error
	CreateRunner(ctx context.Context, containerID, runID, teamID int64) error
	GetRunnerForRun(ctx context.Context, runID int64) (*types.Runner, error)
	ListRunnersForContainer(ctx context.Context, containerID int64) ([]*types.Runner, error)
	DeleteRunnersForContainer(ctx context.Context, containerID int64) error

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) ([]*types.Setting, error)

	// Close releases the underlying connection pool
	Close()
}
