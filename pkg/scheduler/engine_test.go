package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mazuadm/mazuadm/pkg/events"
	"github.com/mazuadm/mazuadm/pkg/pool"
	"github.com/mazuadm/mazuadm/pkg/settings"
	"github.com/mazuadm/mazuadm/pkg/store"
	"github.com/mazuadm/mazuadm/pkg/store/storetest"
	"github.com/mazuadm/mazuadm/pkg/types"
)

// stubEngine is a minimal pool.Engine whose execs finish instantly with a
// canned exit code and output
type stubEngine struct {
	mu       sync.Mutex
	nextID   int
	stdout   string
	exitCode int
	execCmds [][]string
}

func (e *stubEngine) CreateContainer(_ context.Context, name, image string, env []string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	return fmt.Sprintf("stub-%d", e.nextID), nil
}

func (e *stubEngine) StartContainer(context.Context, string) error { return nil }

func (e *stubEngine) ContainerRunning(context.Context, string) (bool, error) { return true, nil }

func (e *stubEngine) RemoveContainer(context.Context, string) error { return nil }

func (e *stubEngine) RestartContainer(context.Context, string, *int) error { return nil }

func (e *stubEngine) CreateExec(_ context.Context, containerID string, cmd, env []string, user string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.execCmds = append(e.execCmds, cmd)
	return fmt.Sprintf("stub-exec-%d", e.nextID), nil
}

func (e *stubEngine) AttachExec(context.Context, string) (io.ReadCloser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var buf bytes.Buffer
	if e.stdout != "" {
		w := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
		_, _ = w.Write([]byte(e.stdout))
	}
	return io.NopCloser(&buf), nil
}

func (e *stubEngine) StartExecDetached(context.Context, string) error { return nil }

func (e *stubEngine) InspectExec(context.Context, string) (pool.ExecStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return pool.ExecStatus{Running: false, ExitCode: e.exitCode, Pid: 1}, nil
}

func (e *stubEngine) Close() error { return nil }

func newTestScheduler(t *testing.T, fake *storetest.Fake) *Scheduler {
	t.Helper()
	return newTestSchedulerWithEngine(t, fake, &stubEngine{})
}

func newTestSchedulerWithEngine(t *testing.T, fake *storetest.Fake, engine *stubEngine) *Scheduler {
	t.Helper()
	p := pool.NewPool(fake, engine)
	bus := events.NewBus()
	return NewScheduler(fake, p, bus, settings.NewResolver(fake))
}

type roundFixture struct {
	fake      *storetest.Fake
	engine    *stubEngine
	scheduler *Scheduler
	challenge *types.Challenge
	team      *types.Team
	exploit   *types.Exploit
	run       *types.ExploitRun
}

func newRoundFixture(t *testing.T) *roundFixture {
	t.Helper()
	ctx := context.Background()
	fake := storetest.New()

	challenge, err := fake.CreateChallenge(ctx, store.CreateChallenge{Name: "chall"})
	require.NoError(t, err)
	ip := "10.0.0.7"
	port := 1337
	team, err := fake.CreateTeam(ctx, store.CreateTeam{TeamID: "team7", TeamName: "Team 7", DefaultIP: &ip})
	require.NoError(t, err)
	_, err = fake.UpdateChallenge(ctx, challenge.ID, store.CreateChallenge{Name: "chall", DefaultPort: &port})
	require.NoError(t, err)

	exploit, err := fake.CreateExploit(ctx, store.CreateExploit{
		Name: "pwn", ChallengeID: challenge.ID, DockerImage: "pwn:latest",
	})
	require.NoError(t, err)
	run, err := fake.CreateExploitRun(ctx, store.CreateExploitRun{
		ExploitID: exploit.ID, ChallengeID: challenge.ID, TeamID: team.ID,
	})
	require.NoError(t, err)

	engine := &stubEngine{}
	return &roundFixture{
		fake:      fake,
		engine:    engine,
		scheduler: newTestSchedulerWithEngine(t, fake, engine),
		challenge: challenge,
		team:      team,
		exploit:   exploit,
		run:       run,
	}
}

// waitRoundTerminal polls until the round leaves the active statuses
func waitRoundTerminal(t *testing.T, fake *storetest.Fake, roundID int64) *types.Round {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		round, err := fake.GetRound(context.Background(), roundID)
		require.NoError(t, err)
		if round.Status == types.RoundStatusFinished || round.Status == types.RoundStatusSkipped {
			return round
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("round never reached a terminal status")
	return nil
}

func TestRunRoundSuccessfulJob(t *testing.T) {
	ctx := context.Background()
	f := newRoundFixture(t)
	f.engine.stdout = "nothing interesting"
	f.engine.exitCode = 0

	roundID, err := f.scheduler.CreateRound(ctx)
	require.NoError(t, err)

	f.scheduler.Start()
	defer f.scheduler.Shutdown(ctx)
	require.NoError(t, f.scheduler.Send(Command{Op: CmdRunRound, RoundID: roundID}))

	round := waitRoundTerminal(t, f.fake, roundID)
	assert.Equal(t, types.RoundStatusFinished, round.Status)

	jobs, err := f.fake.ListJobs(ctx, roundID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobStatusSuccess, jobs[0].Status)

	job, err := f.fake.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	require.NotNil(t, job.Stdout)
	assert.Equal(t, "nothing interesting", *job.Stdout)
	require.NotNil(t, job.ContainerID)
	assert.NotEmpty(t, *job.ContainerID)
}

func TestRunRoundHarvestsFlags(t *testing.T) {
	ctx := context.Background()
	f := newRoundFixture(t)
	flag := strings.Repeat("Z", 30) + "9="
	f.engine.stdout = "got it: " + flag
	f.engine.exitCode = 0

	roundID, err := f.scheduler.CreateRound(ctx)
	require.NoError(t, err)

	f.scheduler.Start()
	defer f.scheduler.Shutdown(ctx)
	require.NoError(t, f.scheduler.Send(Command{Op: CmdRunRound, RoundID: roundID}))
	waitRoundTerminal(t, f.fake, roundID)

	jobs, err := f.fake.ListJobs(ctx, roundID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobStatusFlag, jobs[0].Status)

	flags, err := f.fake.ListFlags(ctx, store.FlagFilter{})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, flag, flags[0].FlagValue)
	assert.Equal(t, types.FlagStatusRaw, flags[0].Status)
	require.NotNil(t, flags[0].JobID)
	assert.Equal(t, jobs[0].ID, *flags[0].JobID)
}

func TestRunRoundFailedJob(t *testing.T) {
	ctx := context.Background()
	f := newRoundFixture(t)
	f.engine.exitCode = 1

	roundID, err := f.scheduler.CreateRound(ctx)
	require.NoError(t, err)

	f.scheduler.Start()
	defer f.scheduler.Shutdown(ctx)
	require.NoError(t, f.scheduler.Send(Command{Op: CmdRunRound, RoundID: roundID}))
	waitRoundTerminal(t, f.fake, roundID)

	jobs, err := f.fake.ListJobs(ctx, roundID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobStatusFailed, jobs[0].Status)
}

func TestRunRoundSkipsDisabledExploit(t *testing.T) {
	ctx := context.Background()
	f := newRoundFixture(t)

	roundID, err := f.scheduler.CreateRound(ctx)
	require.NoError(t, err)

	enabled := false
	_, err = f.fake.UpdateExploit(ctx, f.exploit.ID, store.UpdateExploit{
		Name: f.exploit.Name, DockerImage: f.exploit.DockerImage, Enabled: &enabled,
	})
	require.NoError(t, err)

	f.scheduler.Start()
	defer f.scheduler.Shutdown(ctx)
	require.NoError(t, f.scheduler.Send(Command{Op: CmdRunRound, RoundID: roundID}))
	waitRoundTerminal(t, f.fake, roundID)

	job, err := f.fake.GetJob(ctx, roundJobID(t, f.fake, roundID))
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusSkipped, job.Status)
	require.NotNil(t, job.Stderr)
	assert.Equal(t, "Exploit disabled", *job.Stderr)
}

func TestRunRoundNoConnectionInfo(t *testing.T) {
	ctx := context.Background()
	f := newRoundFixture(t)

	// Strip the team default IP; the relation carries nothing either
	_, err := f.fake.UpdateTeam(ctx, f.team.ID, store.CreateTeam{TeamID: "team7", TeamName: "Team 7"})
	require.NoError(t, err)

	roundID, err := f.scheduler.CreateRound(ctx)
	require.NoError(t, err)

	f.scheduler.Start()
	defer f.scheduler.Shutdown(ctx)
	require.NoError(t, f.scheduler.Send(Command{Op: CmdRunRound, RoundID: roundID}))
	waitRoundTerminal(t, f.fake, roundID)

	job, err := f.fake.GetJob(ctx, roundJobID(t, f.fake, roundID))
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusError, job.Status)
	require.NotNil(t, job.Stderr)
	assert.Contains(t, *job.Stderr, "No connection info")
}

func TestRunRoundIgnoreConnectionInfo(t *testing.T) {
	ctx := context.Background()
	f := newRoundFixture(t)

	_, err := f.fake.UpdateTeam(ctx, f.team.ID, store.CreateTeam{TeamID: "team7", TeamName: "Team 7"})
	require.NoError(t, err)
	ignore := true
	_, err = f.fake.UpdateExploit(ctx, f.exploit.ID, store.UpdateExploit{
		Name: f.exploit.Name, DockerImage: f.exploit.DockerImage, IgnoreConnectionInfo: &ignore,
	})
	require.NoError(t, err)

	roundID, err := f.scheduler.CreateRound(ctx)
	require.NoError(t, err)

	f.scheduler.Start()
	defer f.scheduler.Shutdown(ctx)
	require.NoError(t, f.scheduler.Send(Command{Op: CmdRunRound, RoundID: roundID}))
	waitRoundTerminal(t, f.fake, roundID)

	job, err := f.fake.GetJob(ctx, roundJobID(t, f.fake, roundID))
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusSuccess, job.Status)
}

func TestRunRoundSkipOnFlag(t *testing.T) {
	ctx := context.Background()
	f := newRoundFixture(t)
	require.NoError(t, f.fake.SetSetting(ctx, settings.KeySkipOnFlag, "true"))

	roundID, err := f.scheduler.CreateRound(ctx)
	require.NoError(t, err)

	// A flag already exists for this (round, challenge, team)
	_, err = f.fake.CreateManualFlag(ctx, roundID, f.challenge.ID, f.team.ID, "FLAGVALUE", types.FlagStatusManual)
	require.NoError(t, err)

	f.scheduler.Start()
	defer f.scheduler.Shutdown(ctx)
	require.NoError(t, f.scheduler.Send(Command{Op: CmdRunRound, RoundID: roundID}))
	waitRoundTerminal(t, f.fake, roundID)

	job, err := f.fake.GetJob(ctx, roundJobID(t, f.fake, roundID))
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusSkipped, job.Status)
	require.NotNil(t, job.Stderr)
	assert.Equal(t, "flag already found", *job.Stderr)
}

func TestStopPendingJob(t *testing.T) {
	ctx := context.Background()
	f := newRoundFixture(t)

	roundID, err := f.scheduler.CreateRound(ctx)
	require.NoError(t, err)
	jobID := roundJobID(t, f.fake, roundID)

	job, err := f.scheduler.StopJob(ctx, jobID, "stopped by user")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusStopped, job.Status)
	require.NotNil(t, job.Stderr)
	assert.True(t, strings.HasSuffix(*job.Stderr, "[stopped by user]"), "stderr %q", *job.Stderr)
}

func TestStopTerminalJobIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newRoundFixture(t)

	roundID, err := f.scheduler.CreateRound(ctx)
	require.NoError(t, err)
	jobID := roundJobID(t, f.fake, roundID)
	require.NoError(t, f.fake.FinishJob(ctx, jobID, types.JobStatusSuccess, nil, nil, 5))

	job, err := f.scheduler.StopJob(ctx, jobID, "stopped by user")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusSuccess, job.Status)
}

func TestSubmitFlags(t *testing.T) {
	ctx := context.Background()
	f := newRoundFixture(t)

	roundID, err := f.scheduler.CreateRound(ctx)
	require.NoError(t, err)
	require.NoError(t, f.fake.StartRound(ctx, roundID))

	flags, err := f.scheduler.SubmitFlags(ctx, []SubmitFlagRequest{{
		ChallengeID: f.challenge.ID,
		TeamID:      f.team.ID,
		FlagValue:   "  FLAG{manual}  ",
	}})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, "FLAG{manual}", flags[0].FlagValue)
	assert.Equal(t, types.FlagStatusManual, flags[0].Status)
	assert.Equal(t, roundID, flags[0].RoundID)
	assert.NotNil(t, flags[0].SubmittedAt)
}

func TestSubmitFlagsValidation(t *testing.T) {
	ctx := context.Background()
	f := newRoundFixture(t)

	roundID, err := f.scheduler.CreateRound(ctx)
	require.NoError(t, err)
	require.NoError(t, f.fake.StartRound(ctx, roundID))

	_, err = f.scheduler.SubmitFlags(ctx, []SubmitFlagRequest{{
		ChallengeID: f.challenge.ID, TeamID: f.team.ID, FlagValue: "   ",
	}})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = f.scheduler.SubmitFlags(ctx, []SubmitFlagRequest{{
		ChallengeID: f.challenge.ID, TeamID: f.team.ID, FlagValue: strings.Repeat("x", 513),
	}})
	require.ErrorAs(t, err, &verr)

	future := roundID + 1
	_, err = f.scheduler.SubmitFlags(ctx, []SubmitFlagRequest{{
		RoundID: &future, ChallengeID: f.challenge.ID, TeamID: f.team.ID, FlagValue: "FLAG{x}",
	}})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "outside allowed range")
}

func TestSubmitFlagsRequiresRunningRound(t *testing.T) {
	ctx := context.Background()
	f := newRoundFixture(t)

	_, err := f.scheduler.SubmitFlags(ctx, []SubmitFlagRequest{{
		ChallengeID: f.challenge.ID, TeamID: f.team.ID, FlagValue: "FLAG{x}",
	}})
	assert.ErrorIs(t, err, ErrNoRunningRound)
}

func roundJobID(t *testing.T, fake *storetest.Fake, roundID int64) int64 {
	t.Helper()
	jobs, err := fake.ListJobs(context.Background(), roundID)
	require.NoError(t, err)
	require.NotEmpty(t, jobs)
	return jobs[0].ID
}
