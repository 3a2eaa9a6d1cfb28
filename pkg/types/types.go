package types

import (
	"time"
)

// RoundStatus represents the lifecycle state of a round
type RoundStatus string

const (
	RoundStatusPending  RoundStatus = "pending"
	RoundStatusRunning  RoundStatus = "running"
	RoundStatusFinished RoundStatus = "finished"
	RoundStatusSkipped  RoundStatus = "skipped"
)

// JobStatus represents the state of an exploit job
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusFlag    JobStatus = "flag"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailed  JobStatus = "failed"
	JobStatusTimeout JobStatus = "timeout"
	JobStatusOLE     JobStatus = "ole"
	JobStatusError   JobStatus = "error"
	JobStatusStopped JobStatus = "stopped"
	JobStatusSkipped JobStatus = "skipped"
)

// Terminal reports whether the status is absorbing
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusPending, JobStatusRunning:
		return false
	}
	return true
}

// FlagStatus represents the submission state of a flag
type FlagStatus string

const (
	FlagStatusRaw       FlagStatus = "raw"
	FlagStatusManual    FlagStatus = "manual"
	FlagStatusSubmitted FlagStatus = "submitted"
)

// ContainerStatus represents the last observed engine state of a container
type ContainerStatus string

const (
	ContainerStatusRunning ContainerStatus = "running"
	ContainerStatusDead    ContainerStatus = "dead"
)

// Challenge is a CTF challenge exploits are written against
type Challenge struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Enabled     bool      `json:"enabled"`
	DefaultPort *int      `json:"default_port"`
	Priority    int       `json:"priority"`
	FlagRegex   *string   `json:"flag_regex"`
	CreatedAt   time.Time `json:"created_at"`
}

// Team is a target team in the competition
type Team struct {
	ID        int64     `json:"id"`
	TeamID    string    `json:"team_id"`
	TeamName  string    `json:"team_name"`
	DefaultIP *string   `json:"default_ip"`
	Priority  int       `json:"priority"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Relation carries per-(challenge, team) connection overrides
type Relation struct {
	ID          int64     `json:"id"`
	ChallengeID int64     `json:"challenge_id"`
	TeamID      int64     `json:"team_id"`
	Addr        *string   `json:"addr"`
	Port        *int      `json:"port"`
	CreatedAt   time.Time `json:"created_at"`
}

// Exploit is a container image attacking one challenge
type Exploit struct {
	ID                   int64     `json:"id"`
	Name                 string    `json:"name"`
	ChallengeID          int64     `json:"challenge_id"`
	DockerImage          string    `json:"docker_image"`
	Entrypoint           *string   `json:"entrypoint"`
	Enabled              bool      `json:"enabled"`
	MaxPerContainer      int       `json:"max_per_container"`
	MaxContainers        int       `json:"max_containers"`
	TimeoutSecs          int       `json:"timeout_secs"`
	DefaultCounter       int       `json:"default_counter"`
	Envs                 []string  `json:"envs"`
	IgnoreConnectionInfo bool      `json:"ignore_connection_info"`
	CreatedAt            time.Time `json:"created_at"`
}

// ExploitRun binds an exploit to a (challenge, team) pair with an ordering
type ExploitRun struct {
	ID          int64     `json:"id"`
	ExploitID   int64     `json:"exploit_id"`
	ChallengeID int64     `json:"challenge_id"`
	TeamID      int64     `json:"team_id"`
	Priority    *int      `json:"priority"`
	Sequence    int       `json:"sequence"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
}

// Round is a single scheduling epoch
type Round struct {
	ID         int64       `json:"id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at"`
	Status     RoundStatus `json:"status"`
}

// ExploitJob is one attempted exec of an exploit run inside a round
type ExploitJob struct {
	ID           int64      `json:"id"`
	RoundID      int64      `json:"round_id"`
	ExploitRunID *int64     `json:"exploit_run_id"`
	TeamID       int64      `json:"team_id"`
	Priority     int        `json:"priority"`
	Status       JobStatus  `json:"status"`
	ContainerID  *string    `json:"container_id"`
	Stdout       *string    `json:"stdout"`
	Stderr       *string    `json:"stderr"`
	CreateReason *string    `json:"create_reason"`
	DurationMs   *int64     `json:"duration_ms"`
	ScheduleAt   *time.Time `json:"schedule_at"`
	StartedAt    *time.Time `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

// WithoutLogs returns a copy with stdout/stderr stripped. Jobs are broadcast
// on the event bus in this projection; full logs go through the job endpoint.
func (j ExploitJob) WithoutLogs() ExploitJob {
	j.Stdout = nil
	j.Stderr = nil
	return j
}

// Flag is a captured or manually submitted flag string
type Flag struct {
	ID          int64      `json:"id"`
	JobID       *int64     `json:"job_id"`
	RoundID     int64      `json:"round_id"`
	ChallengeID int64      `json:"challenge_id"`
	TeamID      int64      `json:"team_id"`
	FlagValue   string     `json:"flag_value"`
	Status      FlagStatus `json:"status"`
	SubmittedAt *time.Time `json:"submitted_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ExploitContainer is a persistent container hosting execs for one exploit
type ExploitContainer struct {
	ID          int64           `json:"id"`
	ExploitID   int64           `json:"exploit_id"`
	ContainerID string          `json:"container_id"`
	Status      ContainerStatus `json:"status"`
	Counter     int             `json:"counter"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Runner is the affinity binding from an exploit run to a container
type Runner struct {
	ID          int64     `json:"id"`
	ContainerID int64     `json:"container_id"`
	RunID       int64     `json:"exploit_run_id"`
	TeamID      int64     `json:"team_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Setting is a string key/value pair typed by the reader
type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ContainerInfo is the API projection of a pool container
type ContainerInfo struct {
	ID           string    `json:"id"`
	ExploitID    int64     `json:"exploit_id"`
	Status       string    `json:"status"`
	Counter      int       `json:"counter"`
	RunningExecs int       `json:"running_execs"`
	MaxExecs     int       `json:"max_execs"`
	CreatedAt    time.Time `json:"created_at"`
	AffinityRuns []int64   `json:"affinity_runs"`
}

// ConnectionInfo is the resolved target address of a job
type ConnectionInfo struct {
	Addr string `json:"addr"`
	Port int    `json:"port"`
}

// ResolveConnectionInfo resolves the target address for a (challenge, team)
// pair: relation overrides first, then team/challenge defaults. The relation
// may be nil when none was ever written. Returns false when either side is
// missing.
func ResolveConnectionInfo(rel *Relation, challenge *Challenge, team *Team) (ConnectionInfo, bool) {
	var addr *string
	var port *int
	if rel != nil {
		addr = rel.Addr
		port = rel.Port
	}
	if addr == nil {
		addr = team.DefaultIP
	}
	if port == nil {
		port = challenge.DefaultPort
	}
	if addr == nil || port == nil {
		return ConnectionInfo{}, false
	}
	return ConnectionInfo{Addr: *addr, Port: *port}, true
}

// ClampPriority clamps challenge/team priorities to the allowed range
func ClampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 99 {
		return 99
	}
	return p
}
