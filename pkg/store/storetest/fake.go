// Package storetest provides an in-memory Store implementation for tests.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mazuadm/mazuadm/pkg/store"
	"github.com/mazuadm/mazuadm/pkg/types"
)

// Fake is an in-memory store.Store. It mirrors the Postgres implementation's
// ordering and uniqueness semantics closely enough for scheduler, pool and
// API tests.
type Fake struct {
	mu sync.Mutex

	nextID     int64
	Challenges map[int64]*types.Challenge
	Teams      map[int64]*types.Team
	Relations  map[int64]*types.Relation
	Exploits   map[int64]*types.Exploit
	Runs       map[int64]*types.ExploitRun
	Rounds     map[int64]*types.Round
	Jobs       map[int64]*types.ExploitJob
	Flags      map[int64]*types.Flag
	Containers map[int64]*types.ExploitContainer
	Runners    map[int64]*types.Runner
	Settings   map[string]string
}

// New creates an empty fake store
func New() *Fake {
	return &Fake{
		Challenges: make(map[int64]*types.Challenge),
		Teams:      make(map[int64]*types.Team),
		Relations:  make(map[int64]*types.Relation),
		Exploits:   make(map[int64]*types.Exploit),
		Runs:       make(map[int64]*types.ExploitRun),
		Rounds:     make(map[int64]*types.Round),
		Jobs:       make(map[int64]*types.ExploitJob),
		Flags:      make(map[int64]*types.Flag),
		Containers: make(map[int64]*types.ExploitContainer),
		Runners:    make(map[int64]*types.Runner),
		Settings:   make(map[string]string),
	}
}

var _ store.Store = (*Fake)(nil)

func (f *Fake) id() int64 {
	f.nextID++
	return f.nextID
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

// Challenges

func (f *Fake) CreateChallenge(_ context.Context, c store.CreateChallenge) (*types.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := &types.Challenge{
		ID:          f.id(),
		Name:        c.Name,
		Enabled:     boolOr(c.Enabled, true),
		DefaultPort: c.DefaultPort,
		Priority:    types.ClampPriority(intOr(c.Priority, 0)),
		FlagRegex:   c.FlagRegex,
		CreatedAt:   time.Now(),
	}
	f.Challenges[ch.ID] = ch
	return ch, nil
}

func (f *Fake) GetChallenge(_ context.Context, id int64) (*types.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Challenges[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *Fake) ListChallenges(_ context.Context) ([]*types.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Challenge
	for _, c := range f.Challenges {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *Fake) UpdateChallenge(_ context.Context, id int64, c store.CreateChallenge) (*types.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.Challenges[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	ch.Name = c.Name
	if c.Enabled != nil {
		ch.Enabled = *c.Enabled
	}
	ch.DefaultPort = c.DefaultPort
	if c.Priority != nil {
		ch.Priority = types.ClampPriority(*c.Priority)
	}
	ch.FlagRegex = c.FlagRegex
	cp := *ch
	return &cp, nil
}

func (f *Fake) SetChallengeEnabled(_ context.Context, id int64, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.Challenges[id]
	if !ok {
		return store.ErrNotFound
	}
	ch.Enabled = enabled
	return nil
}

func (f *Fake) DeleteChallenge(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Challenges[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.Challenges, id)
	return nil
}

// Teams

func (f *Fake) CreateTeam(_ context.Context, t store.CreateTeam) (*types.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tm := &types.Team{
		ID:        f.id(),
		TeamID:    t.TeamID,
		TeamName:  t.TeamName,
		DefaultIP: t.DefaultIP,
		Priority:  types.ClampPriority(intOr(t.Priority, 0)),
		Enabled:   boolOr(t.Enabled, true),
		CreatedAt: time.Now(),
	}
	f.Teams[tm.ID] = tm
	return tm, nil
}

func (f *Fake) GetTeam(_ context.Context, id int64) (*types.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.Teams[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *Fake) ListTeams(_ context.Context) ([]*types.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Team
	for _, t := range f.Teams {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *Fake) UpdateTeam(_ context.Context, id int64, t store.CreateTeam) (*types.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tm, ok := f.Teams[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	tm.TeamID = t.TeamID
	tm.TeamName = t.TeamName
	tm.DefaultIP = t.DefaultIP
	if t.Priority != nil {
		tm.Priority = types.ClampPriority(*t.Priority)
	}
	if t.Enabled != nil {
		tm.Enabled = *t.Enabled
	}
	cp := *tm
	return &cp, nil
}

func (f *Fake) DeleteTeam(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Teams[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.Teams, id)
	return nil
}

// Relations

func (f *Fake) ListRelations(_ context.Context, challengeID int64) ([]*types.Relation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Relation
	for _, r := range f.Relations {
		if r.ChallengeID == challengeID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TeamID < out[j].TeamID })
	return out, nil
}

func (f *Fake) GetRelation(_ context.Context, challengeID, teamID int64) (*types.Relation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.Relations {
		if r.ChallengeID == challengeID && r.TeamID == teamID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *Fake) UpdateConnectionInfo(_ context.Context, challengeID, teamID int64, addr *string, port *int) (*types.Relation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.Relations {
		if r.ChallengeID == challengeID && r.TeamID == teamID {
			r.Addr = addr
			r.Port = port
			cp := *r
			return &cp, nil
		}
	}
	r := &types.Relation{ID: f.id(), ChallengeID: challengeID, TeamID: teamID, Addr: addr, Port: port, CreatedAt: time.Now()}
	f.Relations[r.ID] = r
	cp := *r
	return &cp, nil
}

func (f *Fake) EnsureRelations(_ context.Context, challengeID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.Teams {
		found := false
		for _, r := range f.Relations {
			if r.ChallengeID == challengeID && r.TeamID == t.ID {
				found = true
				break
			}
		}
		if !found {
			r := &types.Relation{ID: f.id(), ChallengeID: challengeID, TeamID: t.ID, CreatedAt: time.Now()}
			f.Relations[r.ID] = r
		}
	}
	return nil
}

func (f *Fake) EnsureRelationsForTeam(_ context.Context, teamID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Challenges {
		found := false
		for _, r := range f.Relations {
			if r.ChallengeID == c.ID && r.TeamID == teamID {
				found = true
				break
			}
		}
		if !found {
			r := &types.Relation{ID: f.id(), ChallengeID: c.ID, TeamID: teamID, CreatedAt: time.Now()}
			f.Relations[r.ID] = r
		}
	}
	return nil
}

// Exploits

func (f *Fake) CreateExploit(_ context.Context, e store.CreateExploit) (*types.Exploit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex := &types.Exploit{
		ID:                   f.id(),
		Name:                 e.Name,
		ChallengeID:          e.ChallengeID,
		DockerImage:          e.DockerImage,
		Entrypoint:           e.Entrypoint,
		Enabled:              boolOr(e.Enabled, true),
		MaxPerContainer:      intOr(e.MaxPerContainer, 1),
		MaxContainers:        intOr(e.MaxContainers, 0),
		TimeoutSecs:          intOr(e.TimeoutSecs, 30),
		DefaultCounter:       intOr(e.DefaultCounter, 999),
		Envs:                 e.Envs,
		IgnoreConnectionInfo: boolOr(e.IgnoreConnectionInfo, false),
		CreatedAt:            time.Now(),
	}
	f.Exploits[ex.ID] = ex
	return ex, nil
}

func (f *Fake) GetExploit(_ context.Context, id int64) (*types.Exploit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.Exploits[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *Fake) ListExploits(_ context.Context, challengeID *int64) ([]*types.Exploit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Exploit
	for _, e := range f.Exploits {
		if challengeID != nil && e.ChallengeID != *challengeID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *Fake) ListEnabledExploits(_ context.Context) ([]*types.Exploit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Exploit
	for _, e := range f.Exploits {
		if e.Enabled {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *Fake) UpdateExploit(_ context.Context, id int64, e store.UpdateExploit) (*types.Exploit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex, ok := f.Exploits[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	ex.Name = e.Name
	ex.DockerImage = e.DockerImage
	ex.Entrypoint = e.Entrypoint
	if e.Enabled != nil {
		ex.Enabled = *e.Enabled
	}
	if e.MaxPerContainer != nil {
		ex.MaxPerContainer = *e.MaxPerContainer
	}
	if e.MaxContainers != nil {
		ex.MaxContainers = *e.MaxContainers
	}
	if e.TimeoutSecs != nil {
		ex.TimeoutSecs = *e.TimeoutSecs
	}
	if e.DefaultCounter != nil {
		ex.DefaultCounter = *e.DefaultCounter
	}
	if e.Envs != nil {
		ex.Envs = e.Envs
	}
	if e.IgnoreConnectionInfo != nil {
		ex.IgnoreConnectionInfo = *e.IgnoreConnectionInfo
	}
	cp := *ex
	return &cp, nil
}

func (f *Fake) DeleteExploit(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Exploits[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.Exploits, id)
	for rid, r := range f.Runs {
		if r.ExploitID == id {
			delete(f.Runs, rid)
		}
	}
	return nil
}

// Exploit runs

func (f *Fake) CreateExploitRun(_ context.Context, r store.CreateExploitRun) (*types.ExploitRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.Runs {
		if existing.ExploitID == r.ExploitID && existing.ChallengeID == r.ChallengeID && existing.TeamID == r.TeamID {
			existing.Priority = r.Priority
			existing.Sequence = intOr(r.Sequence, 0)
			cp := *existing
			return &cp, nil
		}
	}
	run := &types.ExploitRun{
		ID:          f.id(),
		ExploitID:   r.ExploitID,
		ChallengeID: r.ChallengeID,
		TeamID:      r.TeamID,
		Priority:    r.Priority,
		Sequence:    intOr(r.Sequence, 0),
		Enabled:     true,
		CreatedAt:   time.Now(),
	}
	f.Runs[run.ID] = run
	cp := *run
	return &cp, nil
}

func (f *Fake) GetExploitRun(_ context.Context, id int64) (*types.ExploitRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *Fake) ListExploitRuns(_ context.Context, challengeID, teamID *int64) ([]*types.ExploitRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.ExploitRun
	for _, r := range f.Runs {
		if challengeID != nil && r.ChallengeID != *challengeID {
			continue
		}
		if teamID != nil && r.TeamID != *teamID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *Fake) ListEnabledRunsForExploit(_ context.Context, exploitID int64) ([]*types.ExploitRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.ExploitRun
	for _, r := range f.Runs {
		if r.ExploitID != exploitID || !r.Enabled {
			continue
		}
		if c, ok := f.Challenges[r.ChallengeID]; !ok || !c.Enabled {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (f *Fake) UpdateExploitRun(_ context.Context, id int64, priority *int, sequence *int, enabled *bool) (*types.ExploitRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	r.Priority = priority
	if sequence != nil {
		r.Sequence = *sequence
	}
	if enabled != nil {
		r.Enabled = *enabled
	}
	cp := *r
	return &cp, nil
}

func (f *Fake) DeleteExploitRun(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Runs[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.Runs, id)
	return nil
}

func (f *Fake) ReorderExploitRuns(_ context.Context, items []store.SequenceUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range items {
		if r, ok := f.Runs[it.ID]; ok {
			r.Sequence = it.Sequence
		}
	}
	return nil
}

// Rounds

func (f *Fake) CreateRound(_ context.Context) (*types.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &types.Round{ID: f.id(), StartedAt: time.Now(), Status: types.RoundStatusPending}
	f.Rounds[r.ID] = r
	cp := *r
	return &cp, nil
}

func (f *Fake) GetRound(_ context.Context, id int64) (*types.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Rounds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *Fake) ListRounds(_ context.Context) ([]*types.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Round
	for _, r := range f.Rounds {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *Fake) GetActiveRounds(_ context.Context) ([]*types.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Round
	for _, r := range f.Rounds {
		if r.Status == types.RoundStatusPending || r.Status == types.RoundStatusRunning {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) setRoundStatus(id int64, status types.RoundStatus, finished bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Rounds[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = status
	if finished {
		now := time.Now()
		r.FinishedAt = &now
	} else {
		r.FinishedAt = nil
	}
	return nil
}

func (f *Fake) StartRound(_ context.Context, id int64) error {
	return f.setRoundStatus(id, types.RoundStatusRunning, false)
}

func (f *Fake) FinishRound(_ context.Context, id int64) error {
	return f.setRoundStatus(id, types.RoundStatusFinished, true)
}

func (f *Fake) SkipRound(_ context.Context, id int64) error {
	return f.setRoundStatus(id, types.RoundStatusSkipped, true)
}

func (f *Fake) ResetRound(_ context.Context, id int64) error {
	return f.setRoundStatus(id, types.RoundStatusPending, false)
}

// Jobs

func (f *Fake) CreateJob(_ context.Context, roundID, runID, teamID int64, priority int, createReason *string) (*types.ExploitJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rid := runID
	j := &types.ExploitJob{
		ID:           f.id(),
		RoundID:      roundID,
		ExploitRunID: &rid,
		TeamID:       teamID,
		Priority:     priority,
		Status:       types.JobStatusPending,
		CreateReason: createReason,
		CreatedAt:    time.Now(),
	}
	f.Jobs[j.ID] = j
	cp := *j
	return &cp, nil
}

func (f *Fake) CreateJobs(ctx context.Context, roundID int64, jobs []store.NewJob) (int64, error) {
	for _, j := range jobs {
		if _, err := f.CreateJob(ctx, roundID, j.RunID, j.TeamID, j.Priority, nil); err != nil {
			return 0, err
		}
	}
	return int64(len(jobs)), nil
}

func (f *Fake) GetJob(_ context.Context, id int64) (*types.ExploitJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.Jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *Fake) ListJobs(_ context.Context, roundID int64) ([]*types.ExploitJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.ExploitJob
	for _, j := range f.Jobs {
		if j.RoundID == roundID {
			cp := j.WithoutLogs()
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *Fake) GetPendingJobs(_ context.Context, roundID int64) ([]*types.ExploitJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.ExploitJob
	for _, j := range f.Jobs {
		if j.RoundID == roundID && j.Status == types.JobStatusPending {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *Fake) GetRunningJobsByContainer(_ context.Context, containerID string) ([]*types.ExploitJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.ExploitJob
	for _, j := range f.Jobs {
		if j.Status == types.JobStatusRunning && j.ContainerID != nil && *j.ContainerID == containerID {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) GetMaxPriorityForRound(_ context.Context, roundID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := 0
	for _, j := range f.Jobs {
		if j.RoundID == roundID && j.Priority > max {
			max = j.Priority
		}
	}
	return max, nil
}

func (f *Fake) MarkJobRunning(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.Jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	j.Status = types.JobStatusRunning
	j.StartedAt = &now
	return nil
}

func (f *Fake) MarkJobScheduled(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.Jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	j.ScheduleAt = &now
	return nil
}

func (f *Fake) SetJobContainer(_ context.Context, id int64, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.Jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.ContainerID = &containerID
	return nil
}

func (f *Fake) FinishJob(_ context.Context, id int64, status types.JobStatus, stdout, stderr *string, durationMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.Jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	j.Status = status
	j.Stdout = stdout
	j.Stderr = stderr
	j.DurationMs = &durationMs
	j.FinishedAt = &now
	return nil
}

func (f *Fake) MarkJobStopped(_ context.Context, id int64, hasFlag bool, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.Jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if hasFlag {
		j.Status = types.JobStatusFlag
	} else {
		j.Status = types.JobStatusStopped
	}
	prev := ""
	if j.Stderr != nil {
		prev = *j.Stderr
	}
	trailer := prev + "\n[" + reason + "]"
	j.Stderr = &trailer
	if j.FinishedAt == nil {
		now := time.Now()
		j.FinishedAt = &now
	}
	return nil
}

func (f *Fake) ReorderJobs(_ context.Context, items []store.PriorityUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range items {
		if j, ok := f.Jobs[it.ID]; ok && j.Status == types.JobStatusPending {
			j.Priority = it.Priority
		}
	}
	return nil
}

func (f *Fake) resetJob(j *types.ExploitJob) {
	j.Status = types.JobStatusPending
	j.ScheduleAt = nil
	j.StartedAt = nil
	j.FinishedAt = nil
	j.Stdout = nil
	j.Stderr = nil
	j.DurationMs = nil
	j.ContainerID = nil
}

func (f *Fake) ResetJobsForRound(_ context.Context, roundID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, j := range f.Jobs {
		if j.RoundID == roundID {
			f.resetJob(j)
			n++
		}
	}
	return n, nil
}

func (f *Fake) hasFlagForLocked(roundID, challengeID, teamID int64) bool {
	for _, fl := range f.Flags {
		if fl.RoundID == roundID && fl.ChallengeID == challengeID && fl.TeamID == teamID {
			return true
		}
	}
	return false
}

func (f *Fake) ResetUnflaggedJobsForRound(_ context.Context, roundID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, j := range f.Jobs {
		if j.RoundID != roundID || j.Status == types.JobStatusFlag || j.ExploitRunID == nil {
			continue
		}
		run, ok := f.Runs[*j.ExploitRunID]
		if !ok {
			continue
		}
		if f.hasFlagForLocked(roundID, run.ChallengeID, j.TeamID) {
			continue
		}
		f.resetJob(j)
		n++
	}
	return n, nil
}

func (f *Fake) CloneUnflaggedJobsForRound(_ context.Context, roundID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var clones []*types.ExploitJob
	for _, j := range f.Jobs {
		if j.RoundID != roundID || j.ExploitRunID == nil {
			continue
		}
		switch j.Status {
		case types.JobStatusFlag, types.JobStatusSkipped, types.JobStatusPending:
			continue
		}
		run, ok := f.Runs[*j.ExploitRunID]
		if !ok {
			continue
		}
		if f.hasFlagForLocked(roundID, run.ChallengeID, j.TeamID) {
			continue
		}
		reason := fmt.Sprintf("rerun_unflag:%d", j.ID)
		rid := *j.ExploitRunID
		clones = append(clones, &types.ExploitJob{
			RoundID:      roundID,
			ExploitRunID: &rid,
			TeamID:       j.TeamID,
			Priority:     j.Priority,
			Status:       types.JobStatusPending,
			CreateReason: &reason,
			CreatedAt:    time.Now(),
		})
	}
	for _, c := range clones {
		c.ID = f.id()
		f.Jobs[c.ID] = c
	}
	return int64(len(clones)), nil
}

func (f *Fake) SkipPendingJobsForRound(_ context.Context, roundID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	msg := "Round skipped"
	for _, j := range f.Jobs {
		if j.RoundID == roundID && j.Status == types.JobStatusPending {
			j.Status = types.JobStatusSkipped
			j.Stderr = &msg
			n++
		}
	}
	return n, nil
}

func (f *Fake) ResetStaleJobs(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, j := range f.Jobs {
		if j.Status == types.JobStatusRunning {
			j.Status = types.JobStatusStopped
			prev := ""
			if j.Stderr != nil {
				prev = *j.Stderr
			}
			trailer := prev + "\n[stopped by server restart]"
			j.Stderr = &trailer
			n++
		}
	}
	return n, nil
}

// Flags

func (f *Fake) CreateFlag(_ context.Context, jobID, roundID, challengeID, teamID int64, value string) (*types.Flag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fl := range f.Flags {
		if fl.RoundID == roundID && fl.ChallengeID == challengeID && fl.TeamID == teamID && fl.FlagValue == value {
			cp := *fl
			return &cp, nil
		}
	}
	jid := jobID
	fl := &types.Flag{
		ID:          f.id(),
		JobID:       &jid,
		RoundID:     roundID,
		ChallengeID: challengeID,
		TeamID:      teamID,
		FlagValue:   value,
		Status:      types.FlagStatusRaw,
		CreatedAt:   time.Now(),
	}
	f.Flags[fl.ID] = fl
	cp := *fl
	return &cp, nil
}

func (f *Fake) CreateManualFlag(_ context.Context, roundID, challengeID, teamID int64, value string, status types.FlagStatus) (*types.Flag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	fl := &types.Flag{
		ID:          f.id(),
		RoundID:     roundID,
		ChallengeID: challengeID,
		TeamID:      teamID,
		FlagValue:   value,
		Status:      status,
		SubmittedAt: &now,
		CreatedAt:   now,
	}
	f.Flags[fl.ID] = fl
	cp := *fl
	return &cp, nil
}

func (f *Fake) HasFlagFor(_ context.Context, roundID, challengeID, teamID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasFlagForLocked(roundID, challengeID, teamID), nil
}

func (f *Fake) HasFlagForJob(_ context.Context, jobID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fl := range f.Flags {
		if fl.JobID != nil && *fl.JobID == jobID {
			return true, nil
		}
	}
	return false, nil
}

func (f *Fake) ListFlags(_ context.Context, filter store.FlagFilter) ([]*types.Flag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Flag
	for _, fl := range f.Flags {
		if filter.RoundID != nil && fl.RoundID != *filter.RoundID {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, s := range filter.Statuses {
				if strings.EqualFold(s, string(fl.Status)) {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		cp := *fl
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if filter.Desc {
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Containers and runners

func (f *Fake) CreateContainer(_ context.Context, exploitID int64, engineID string, counter int) (*types.ExploitContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &types.ExploitContainer{
		ID:          f.id(),
		ExploitID:   exploitID,
		ContainerID: engineID,
		Status:      types.ContainerStatusRunning,
		Counter:     counter,
		CreatedAt:   time.Now(),
	}
	f.Containers[c.ID] = c
	cp := *c
	return &cp, nil
}

func (f *Fake) GetContainer(_ context.Context, id int64) (*types.ExploitContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *Fake) GetContainerByEngineID(_ context.Context, engineID string) (*types.ExploitContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Containers {
		if c.ContainerID == engineID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *Fake) ListContainers(_ context.Context) ([]*types.ExploitContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.ExploitContainer
	for _, c := range f.Containers {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) ListExploitContainers(_ context.Context, exploitID int64) ([]*types.ExploitContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.ExploitContainer
	for _, c := range f.Containers {
		if c.ExploitID == exploitID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) SetContainerStatus(_ context.Context, id int64, status types.ContainerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Status = status
	return nil
}

func (f *Fake) DecrementContainerCounter(_ context.Context, id int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	if c.Counter > 0 {
		c.Counter--
	}
	return c.Counter, nil
}

func (f *Fake) DeleteContainer(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Containers, id)
	return nil
}

func (f *Fake) CreateRunner(_ context.Context, containerID, runID, teamID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.Runners {
		if r.ContainerID == containerID && r.RunID == runID {
			return nil
		}
	}
	r := &types.Runner{ID: f.id(), ContainerID: containerID, RunID: runID, TeamID: teamID, CreatedAt: time.Now()}
	f.Runners[r.ID] = r
	return nil
}

func (f *Fake) GetRunnerForRun(_ context.Context, runID int64) (*types.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *types.Runner
	bestHealthy := false
	for _, r := range f.Runners {
		if r.RunID != runID {
			continue
		}
		healthy := false
		if c, ok := f.Containers[r.ContainerID]; ok {
			healthy = c.Status == types.ContainerStatusRunning && c.Counter > 0
		}
		if best == nil || (healthy && !bestHealthy) || (healthy == bestHealthy && r.ID > best.ID) {
			best = r
			bestHealthy = healthy
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (f *Fake) ListRunnersForContainer(_ context.Context, containerID int64) ([]*types.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Runner
	for _, r := range f.Runners {
		if r.ContainerID == containerID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) DeleteRunnersForContainer(_ context.Context, containerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, r := range f.Runners {
		if r.ContainerID == containerID {
			delete(f.Runners, id)
		}
	}
	return nil
}

// Settings

func (f *Fake) GetSetting(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.Settings[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (f *Fake) SetSetting(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Settings[key] = value
	return nil
}

func (f *Fake) ListSettings(_ context.Context) ([]*types.Setting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Setting
	for k, v := range f.Settings {
		out = append(out, &types.Setting{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Close is a no-op for the fake
func (f *Fake) Close() {}
