package pool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mazuadm/mazuadm/pkg/log"
	"github.com/mazuadm/mazuadm/pkg/store"
	"github.com/mazuadm/mazuadm/pkg/store/storetest"
	"github.com/mazuadm/mazuadm/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
}

// fakeExec models one exec session on the fake engine
type fakeExec struct {
	containerID string
	cmd         []string
	env         []string
	user        string
	running     bool
	exitCode    int
	pid         int
	stream      io.ReadCloser
}

// fakeEngine is an in-memory Engine for pool tests
type fakeEngine struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]bool // engine id -> running
	execs      map[string]*fakeExec
	kills      []string // container ids that received a kill exec

	// nextStream, when set, is handed to the next created exec
	nextStream io.ReadCloser
	// nextPid is assigned to the next created exec (default 4242)
	nextPid int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: make(map[string]bool),
		execs:      make(map[string]*fakeExec),
		nextPid:    4242,
	}
}

func (f *fakeEngine) CreateContainer(_ context.Context, name, image string, env []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("engine-%d", f.nextID)
	f.containers[id] = false
	return id, nil
}

func (f *fakeEngine) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = true
	return nil
}

func (f *fakeEngine) ContainerRunning(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, ok := f.containers[id]
	if !ok {
		return false, fmt.Errorf("no such container: %s", id)
	}
	return running, nil
}

func (f *fakeEngine) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	return nil
}

func (f *fakeEngine) RestartContainer(_ context.Context, id string, _ *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return fmt.Errorf("no such container: %s", id)
	}
	f.containers[id] = true
	return nil
}

func (f *fakeEngine) CreateExec(_ context.Context, containerID string, cmd, env []string, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("exec-%d", f.nextID)
	stream := f.nextStream
	f.nextStream = nil
	f.execs[id] = &fakeExec{
		containerID: containerID,
		cmd:         cmd,
		env:         env,
		user:        user,
		running:     true,
		pid:         f.nextPid,
		stream:      stream,
	}
	return id, nil
}

func (f *fakeEngine) AttachExec(_ context.Context, execID string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.execs[execID]
	if e.stream == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return e.stream, nil
}

func (f *fakeEngine) StartExecDetached(_ context.Context, execID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.execs[execID]
	e.running = false
	// A kill exec terminates every running exec in its container
	if len(e.cmd) > 0 && e.cmd[0] == "/bin/sh" {
		f.kills = append(f.kills, e.containerID)
		for _, other := range f.execs {
			if other.containerID == e.containerID {
				other.running = false
				other.exitCode = 137
			}
		}
	}
	return nil
}

func (f *fakeEngine) InspectExec(_ context.Context, execID string) (ExecStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[execID]
	if !ok {
		return ExecStatus{}, fmt.Errorf("no such exec: %s", execID)
	}
	return ExecStatus{Running: e.running, ExitCode: e.exitCode, Pid: e.pid}, nil
}

// finishAll marks every exec finished with the given exit code
func (f *fakeEngine) finishAll(exitCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.execs {
		e.running = false
		e.exitCode = exitCode
	}
}

func (f *fakeEngine) Close() error { return nil }

// framedOutput builds a multiplexed stdout/stderr stream the way the engine
// frames attached exec output
func framedOutput(stdout, stderr []byte) io.ReadCloser {
	var buf bytes.Buffer
	if len(stdout) > 0 {
		w := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
		_, _ = w.Write(stdout)
	}
	if len(stderr) > 0 {
		w := stdcopy.NewStdWriter(&buf, stdcopy.Stderr)
		_, _ = w.Write(stderr)
	}
	return io.NopCloser(&buf)
}

type testFixture struct {
	store   *storetest.Fake
	engine  *fakeEngine
	pool    *Pool
	exploit *types.Exploit
	runs    []*types.ExploitRun
}

func newFixture(t *testing.T, maxPerContainer, maxContainers, defaultCounter, numRuns int) *testFixture {
	t.Helper()
	ctx := context.Background()
	fake := storetest.New()

	challenge, err := fake.CreateChallenge(ctx, store.CreateChallenge{Name: "chall"})
	require.NoError(t, err)
	exploit, err := fake.CreateExploit(ctx, store.CreateExploit{
		Name:            "My Exploit!",
		ChallengeID:     challenge.ID,
		DockerImage:     "exploit:latest",
		MaxPerContainer: &maxPerContainer,
		MaxContainers:   &maxContainers,
		DefaultCounter:  &defaultCounter,
	})
	require.NoError(t, err)

	var runs []*types.ExploitRun
	for i := 0; i < numRuns; i++ {
		team, err := fake.CreateTeam(ctx, store.CreateTeam{TeamID: fmt.Sprintf("t%d", i), TeamName: fmt.Sprintf("Team %d", i)})
		require.NoError(t, err)
		seq := i
		run, err := fake.CreateExploitRun(ctx, store.CreateExploitRun{
			ExploitID:   exploit.ID,
			ChallengeID: challenge.ID,
			TeamID:      team.ID,
			Sequence:    &seq,
		})
		require.NoError(t, err)
		runs = append(runs, run)
	}

	engine := newFakeEngine()
	return &testFixture{
		store:   fake,
		engine:  engine,
		pool:    NewPool(fake, engine),
		exploit: exploit,
		runs:    runs,
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"My Exploit!", "my-exploit-"},
		{"simple", "simple"},
		{"UPPER123", "upper123"},
		{"this-name-is-way-too-long-to-fit", "this-name-is-way-too"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, Slug(tt.in))
	}
}

func TestContainerName(t *testing.T) {
	name := containerName("My Exploit!")
	assert.Regexp(t, `^mazuadm-my-exploit--[0-9a-f]{8}$`, name)
}

func TestEnsureContainersIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 0, 10, 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.pool.EnsureContainers(ctx, f.exploit.ID))
	}

	containers, err := f.store.ListExploitContainers(ctx, f.exploit.ID)
	require.NoError(t, err)
	assert.Len(t, containers, 1)
	assert.Equal(t, f.exploit.DefaultCounter, containers[0].Counter)
}

func TestEnsureContainersSkipsDisabledExploit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 0, 10, 1)
	enabled := false
	_, err := f.store.UpdateExploit(ctx, f.exploit.ID, store.UpdateExploit{
		Name: f.exploit.Name, DockerImage: f.exploit.DockerImage, Enabled: &enabled,
	})
	require.NoError(t, err)

	require.NoError(t, f.pool.EnsureContainers(ctx, f.exploit.ID))
	containers, err := f.store.ListExploitContainers(ctx, f.exploit.ID)
	require.NoError(t, err)
	assert.Empty(t, containers)
}

func TestAcquireAffinity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, 0, 10, 1)

	lease1, err := f.pool.Acquire(ctx, f.runs[0])
	require.NoError(t, err)
	first := lease1.Container.ID
	lease1.Release(ctx)

	lease2, err := f.pool.Acquire(ctx, f.runs[0])
	require.NoError(t, err)
	assert.Equal(t, first, lease2.Container.ID, "run should stick to its container")
	lease2.Release(ctx)

	containers, err := f.store.ListExploitContainers(ctx, f.exploit.ID)
	require.NoError(t, err)
	assert.Len(t, containers, 1)
}

// Scenario: max_per_container=2, max_containers=1, three runs. Two execs run
// in parallel on the single container; the third waits for a slot. Exactly
// one container is ever spawned.
func TestAcquireRespectsCapsAndReuses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, 1, 10, 3)

	lease1, err := f.pool.Acquire(ctx, f.runs[0])
	require.NoError(t, err)
	lease2, err := f.pool.Acquire(ctx, f.runs[1])
	require.NoError(t, err)
	assert.Equal(t, lease1.Container.ID, lease2.Container.ID)

	acquired := make(chan *Lease, 1)
	go func() {
		lease3, err := f.pool.Acquire(ctx, f.runs[2])
		if err == nil {
			acquired <- lease3
		}
	}()

	select {
	case <-acquired:
		t.Fatal("third run acquired a slot while the container was saturated")
	case <-time.After(100 * time.Millisecond):
	}

	lease1.Release(ctx)

	select {
	case lease3 := <-acquired:
		assert.Equal(t, lease2.Container.ID, lease3.Container.ID)
		lease3.Release(ctx)
	case <-time.After(2 * time.Second):
		t.Fatal("third run never got the freed slot")
	}
	lease2.Release(ctx)

	containers, err := f.store.ListExploitContainers(ctx, f.exploit.ID)
	require.NoError(t, err)
	assert.Len(t, containers, 1, "only one container should ever be spawned")
}

func TestAcquireSpawnsUpToUnlimited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 0, 10, 3)

	var leases []*Lease
	for _, run := range f.runs {
		lease, err := f.pool.Acquire(ctx, run)
		require.NoError(t, err)
		leases = append(leases, lease)
	}

	containers, err := f.store.ListExploitContainers(ctx, f.exploit.ID)
	require.NoError(t, err)
	assert.Len(t, containers, 3, "max_containers=0 means no cap")

	for _, l := range leases {
		l.Release(ctx)
	}
}

func TestCounterExhaustionDestroysContainer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 0, 1, 1)

	lease, err := f.pool.Acquire(ctx, f.runs[0])
	require.NoError(t, err)
	engineID := lease.Container.ContainerID
	lease.Release(ctx)

	containers, err := f.store.ListExploitContainers(ctx, f.exploit.ID)
	require.NoError(t, err)
	assert.Empty(t, containers, "counter hit zero, container should be recycled")

	f.engine.mu.Lock()
	_, stillThere := f.engine.containers[engineID]
	f.engine.mu.Unlock()
	assert.False(t, stillThere, "engine container should be removed")

	runners, err := f.store.ListRunnersForContainer(ctx, lease.Container.ID)
	require.NoError(t, err)
	assert.Empty(t, runners)
}

func TestHealthCheckRespawnsAndReattaches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4, 0, 10, 2)

	lease, err := f.pool.Acquire(ctx, f.runs[0])
	require.NoError(t, err)
	lease.Release(ctx)
	lease2, err := f.pool.Acquire(ctx, f.runs[1])
	require.NoError(t, err)
	lease2.Release(ctx)

	old := lease.Container

	// Kill the engine container behind the pool's back
	f.engine.mu.Lock()
	f.engine.containers[old.ContainerID] = false
	f.engine.mu.Unlock()

	require.NoError(t, f.pool.HealthCheck(ctx))

	containers, err := f.store.ListExploitContainers(ctx, f.exploit.ID)
	require.NoError(t, err)

	var replacement *types.ExploitContainer
	for _, c := range containers {
		switch c.ID {
		case old.ID:
			assert.Equal(t, types.ContainerStatusDead, c.Status)
		default:
			replacement = c
		}
	}
	require.NotNil(t, replacement, "a replacement container should be spawned")
	assert.Equal(t, types.ContainerStatusRunning, replacement.Status)

	runners, err := f.store.ListRunnersForContainer(ctx, replacement.ID)
	require.NoError(t, err)
	assert.Len(t, runners, 2, "runners should be reattached to the replacement")

	// The next acquire for the run lands on the replacement
	lease3, err := f.pool.Acquire(ctx, f.runs[0])
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, lease3.Container.ID)
	lease3.Release(ctx)
}

func TestHealthCheckLeavesDisabledExploitDead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 0, 10, 1)

	lease, err := f.pool.Acquire(ctx, f.runs[0])
	require.NoError(t, err)
	lease.Release(ctx)

	enabled := false
	_, err = f.store.UpdateExploit(ctx, f.exploit.ID, store.UpdateExploit{
		Name: f.exploit.Name, DockerImage: f.exploit.DockerImage, Enabled: &enabled,
	})
	require.NoError(t, err)

	f.engine.mu.Lock()
	f.engine.containers[lease.Container.ContainerID] = false
	f.engine.mu.Unlock()

	require.NoError(t, f.pool.HealthCheck(ctx))

	containers, err := f.store.ListExploitContainers(ctx, f.exploit.ID)
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, types.ContainerStatusDead, containers[0].Status)
}

func TestPrewarmForRound(t *testing.T) {
	ctx := context.Background()
	// 3 runs, max_per_container=2, limit 10 -> ceil(3/2) = 2 containers
	f := newFixture(t, 2, 0, 10, 3)

	require.NoError(t, f.pool.PrewarmForRound(ctx, 10))
	containers, err := f.store.ListExploitContainers(ctx, f.exploit.ID)
	require.NoError(t, err)
	assert.Len(t, containers, 2)

	// Idempotent: healthy containers are counted
	require.NoError(t, f.pool.PrewarmForRound(ctx, 10))
	containers, err = f.store.ListExploitContainers(ctx, f.exploit.ID)
	require.NoError(t, err)
	assert.Len(t, containers, 2)
}

func TestPrewarmHonorsConcurrentLimit(t *testing.T) {
	ctx := context.Background()
	// 3 runs but limit 1 -> ceil(1/1) = 1 container
	f := newFixture(t, 1, 0, 10, 3)

	require.NoError(t, f.pool.PrewarmForRound(ctx, 1))
	containers, err := f.store.ListExploitContainers(ctx, f.exploit.ID)
	require.NoError(t, err)
	assert.Len(t, containers, 1)
}

func TestDestroyExploitContainers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 0, 10, 2)

	for _, run := range f.runs {
		lease, err := f.pool.Acquire(ctx, run)
		require.NoError(t, err)
		lease.Release(ctx)
	}

	require.NoError(t, f.pool.DestroyExploitContainers(ctx, f.exploit.ID))
	containers, err := f.store.ListExploitContainers(ctx, f.exploit.ID)
	require.NoError(t, err)
	assert.Empty(t, containers)
	f.engine.mu.Lock()
	assert.Empty(t, f.engine.containers)
	f.engine.mu.Unlock()
}

func TestListContainersProjection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, 0, 10, 1)

	lease, err := f.pool.Acquire(ctx, f.runs[0])
	require.NoError(t, err)

	infos, err := f.pool.ListContainers(ctx, nil)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, lease.Container.ContainerID, infos[0].ID)
	assert.Equal(t, 1, infos[0].RunningExecs)
	assert.Equal(t, 3, infos[0].MaxExecs)
	assert.Equal(t, []int64{f.runs[0].ID}, infos[0].AffinityRuns)

	other := int64(99999)
	infos, err = f.pool.ListContainers(ctx, &other)
	require.NoError(t, err)
	assert.Empty(t, infos)

	lease.Release(ctx)
}
