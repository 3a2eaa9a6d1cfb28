package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/mazuadm/mazuadm/pkg/log"
	"github.com/mazuadm/mazuadm/pkg/metrics"
	"github.com/mazuadm/mazuadm/pkg/store"
	"github.com/mazuadm/mazuadm/pkg/types"
)

const containerNamePrefix = "mazuadm-"

// Pool owns the persistent exploit containers and serves exec invocations
// against them. It enforces per-container concurrency caps and the
// counter-based recycling budget; the catalog store is the source of truth
// for container and runner rows.
type Pool struct {
	store  store.Store
	engine Engine
	logger zerolog.Logger

	mu       sync.Mutex
	live     map[int64]int // container row id -> in-flight execs
	spawning map[int64]int // exploit id -> spawns in progress
	changed  chan struct{} // closed and replaced on every capacity change

	stopCh chan struct{}
}

// NewPool creates a container pool over the given engine
func NewPool(s store.Store, engine Engine) *Pool {
	return &Pool{
		store:    s,
		engine:   engine,
		logger:   log.WithComponent("pool"),
		live:     make(map[int64]int),
		spawning: make(map[int64]int),
		changed:  make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
}

// notifyLocked wakes every waiter blocked on pool capacity
func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Start begins the periodic health check loop
func (p *Pool) Start(interval time.Duration) {
	go p.run(interval)
}

// Stop stops the health check loop
func (p *Pool) Stop() {
	close(p.stopCh)
}

func (p *Pool) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.HealthCheck(context.Background()); err != nil {
				p.logger.Error().Err(err).Msg("Health check cycle failed")
			}
		case <-p.stopCh:
			return
		}
	}
}

// Slug normalizes an exploit name for use in a container name: lowercase,
// non-alphanumerics mapped to '-', truncated to 20 characters.
func Slug(name string) string {
	var b strings.Builder
	for _, c := range name {
		if b.Len() >= 20 {
			break
		}
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case c >= 'A' && c <= 'Z':
			b.WriteRune(c + ('a' - 'A'))
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

func containerName(exploitName string) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return containerNamePrefix + Slug(exploitName) + "-" + suffix
}

// SpawnContainer creates and starts a fresh persistent container for an
// exploit and records it with the exploit's default counter
func (p *Pool) SpawnContainer(ctx context.Context, exploit *types.Exploit) (*types.ExploitContainer, error) {
	name := containerName(exploit.Name)

	engineID, err := p.engine.CreateContainer(ctx, name, exploit.DockerImage, exploit.Envs)
	if err != nil {
		return nil, fmt.Errorf("failed to create container for exploit %d: %w", exploit.ID, err)
	}
	if err := p.engine.StartContainer(ctx, engineID); err != nil {
		_ = p.engine.RemoveContainer(ctx, engineID)
		return nil, fmt.Errorf("failed to start container for exploit %d: %w", exploit.ID, err)
	}

	c, err := p.store.CreateContainer(ctx, exploit.ID, engineID, exploit.DefaultCounter)
	if err != nil {
		_ = p.engine.RemoveContainer(ctx, engineID)
		return nil, fmt.Errorf("failed to record container: %w", err)
	}

	metrics.ContainersSpawned.Inc()
	metrics.ContainersRunning.Inc()
	p.logger.Info().
		Str("container_id", engineID).
		Int64("exploit_id", exploit.ID).
		Str("name", name).
		Msg("Spawned container")
	return c, nil
}

// EnsureContainers idempotently guarantees at least one usable container
// exists for an enabled exploit. No-op for disabled exploits.
func (p *Pool) EnsureContainers(ctx context.Context, exploitID int64) error {
	exploit, err := p.store.GetExploit(ctx, exploitID)
	if err != nil {
		return err
	}
	if !exploit.Enabled {
		return nil
	}

	containers, err := p.store.ListExploitContainers(ctx, exploitID)
	if err != nil {
		return err
	}
	usable := lo.Filter(containers, func(c *types.ExploitContainer, _ int) bool {
		return c.Status == types.ContainerStatusRunning && c.Counter > 0
	})
	if len(usable) == 0 {
		if _, err := p.SpawnContainer(ctx, exploit); err != nil {
			return err
		}
		p.mu.Lock()
		p.notifyLocked()
		p.mu.Unlock()
	}
	return nil
}

// EnsureAllContainers ensures containers for every enabled exploit
func (p *Pool) EnsureAllContainers(ctx context.Context) error {
	exploits, err := p.store.ListEnabledExploits(ctx)
	if err != nil {
		return err
	}
	for _, e := range exploits {
		if err := p.EnsureContainers(ctx, e.ID); err != nil {
			p.logger.Error().Err(err).Int64("exploit_id", e.ID).Msg("Failed to ensure containers")
		}
	}
	return nil
}

// PrewarmForRound spawns containers ahead of a round so the first wave of
// jobs does not pay the spawn latency. Best-effort: spawn failures are
// logged, not fatal.
func (p *Pool) PrewarmForRound(ctx context.Context, concurrentLimit int) error {
	exploits, err := p.store.ListEnabledExploits(ctx)
	if err != nil {
		return err
	}

	for _, exploit := range exploits {
		runs, err := p.store.ListEnabledRunsForExploit(ctx, exploit.ID)
		if err != nil {
			p.logger.Error().Err(err).Int64("exploit_id", exploit.ID).Msg("Failed to list runs for prewarm")
			continue
		}
		if len(runs) == 0 {
			continue
		}

		activeRuns := len(runs)
		if activeRuns > concurrentLimit {
			activeRuns = concurrentLimit
		}
		needed := (activeRuns + exploit.MaxPerContainer - 1) / exploit.MaxPerContainer
		if exploit.MaxContainers > 0 && needed > exploit.MaxContainers {
			needed = exploit.MaxContainers
		}

		existing, err := p.store.ListExploitContainers(ctx, exploit.ID)
		if err != nil {
			continue
		}
		healthy := lo.CountBy(existing, func(c *types.ExploitContainer) bool {
			return c.Status == types.ContainerStatusRunning && c.Counter > 0
		})

		for i := healthy; i < needed; i++ {
			if _, err := p.SpawnContainer(ctx, exploit); err != nil {
				p.logger.Error().Err(err).Str("exploit", exploit.Name).Msg("Failed to prewarm container")
				break
			}
		}
	}

	p.mu.Lock()
	p.notifyLocked()
	p.mu.Unlock()
	return nil
}

// Lease is a held exec slot on a container. Release must be called exactly
// once after the exec finishes; it decrements the recycle counter and
// destroys the container when the budget is spent.
type Lease struct {
	Container *types.ExploitContainer
	pool      *Pool
}

// Release frees the exec slot and applies the counter decrement
func (l *Lease) Release(ctx context.Context) {
	p := l.pool
	p.mu.Lock()
	p.live[l.Container.ID]--
	if p.live[l.Container.ID] <= 0 {
		delete(p.live, l.Container.ID)
	}
	p.notifyLocked()
	p.mu.Unlock()
	metrics.ExecsActive.Dec()

	counter, err := p.store.DecrementContainerCounter(ctx, l.Container.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Error().Err(err).Int64("container", l.Container.ID).Msg("Failed to decrement counter")
		}
		return
	}
	if counter <= 0 {
		p.logger.Info().Int64("container", l.Container.ID).Msg("Container counter exhausted, destroying")
		if err := p.DestroyContainer(ctx, l.Container.ID); err != nil {
			p.logger.Error().Err(err).Int64("container", l.Container.ID).Msg("Failed to destroy exhausted container")
		}
	}
}

// tryTakeSlotLocked claims an exec slot on a container if capacity allows
func (p *Pool) tryTakeSlotLocked(c *types.ExploitContainer, maxPerContainer int) bool {
	if p.live[c.ID] >= maxPerContainer {
		return false
	}
	p.live[c.ID]++
	return true
}

// Acquire picks (or spawns) a container for an exploit run, honoring the
// affinity binding, the per-container cap and the per-exploit container
// budget. Blocks until a slot frees up when everything is saturated.
func (p *Pool) Acquire(ctx context.Context, run *types.ExploitRun) (*Lease, error) {
	exploit, err := p.store.GetExploit(ctx, run.ExploitID)
	if err != nil {
		return nil, fmt.Errorf("failed to load exploit %d: %w", run.ExploitID, err)
	}

	for {
		lease, wait, err := p.tryAcquire(ctx, exploit, run)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			metrics.ExecsActive.Inc()
			return lease, nil
		}
		if !wait {
			continue
		}

		p.mu.Lock()
		ch := p.changed
		p.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// tryAcquire makes one non-blocking pass of the assignment algorithm.
// Returns (lease, _, nil) on success, (nil, true, nil) when the caller
// should wait for capacity, (nil, false, nil) to retry immediately.
func (p *Pool) tryAcquire(ctx context.Context, exploit *types.Exploit, run *types.ExploitRun) (*Lease, bool, error) {
	// 1. Sticky runner: reuse the bound container while it stays usable
	if runner, err := p.store.GetRunnerForRun(ctx, run.ID); err == nil {
		c, cerr := p.store.GetContainer(ctx, runner.ContainerID)
		if cerr == nil && c.Status == types.ContainerStatusRunning && c.Counter > 0 {
			p.mu.Lock()
			ok := p.tryTakeSlotLocked(c, exploit.MaxPerContainer)
			p.mu.Unlock()
			if ok {
				return &Lease{Container: c, pool: p}, false, nil
			}
			// Affinity holds: wait for a slot on this container
			return nil, true, nil
		}
		// Bound container died or ran out of budget: reassign below
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	containers, err := p.store.ListExploitContainers(ctx, exploit.ID)
	if err != nil {
		return nil, false, err
	}
	usable := lo.Filter(containers, func(c *types.ExploitContainer, _ int) bool {
		return c.Status == types.ContainerStatusRunning && c.Counter > 0
	})

	// 2. Prefer containers already hosting runners of this exploit to
	// maximize reuse
	runnerCounts := make(map[int64]int, len(usable))
	for _, c := range usable {
		runners, rerr := p.store.ListRunnersForContainer(ctx, c.ID)
		if rerr == nil {
			runnerCounts[c.ID] = len(runners)
		}
	}
	sort.SliceStable(usable, func(i, j int) bool {
		return runnerCounts[usable[i].ID] > runnerCounts[usable[j].ID]
	})

	p.mu.Lock()
	for _, c := range usable {
		if p.tryTakeSlotLocked(c, exploit.MaxPerContainer) {
			p.mu.Unlock()
			if err := p.store.CreateRunner(ctx, c.ID, run.ID, run.TeamID); err != nil {
				p.logger.Warn().Err(err).Int64("run", run.ID).Msg("Failed to record runner")
			}
			return &Lease{Container: c, pool: p}, false, nil
		}
	}

	// 3. Spawn a new container when the exploit's budget allows.
	// max_containers == 0 means unlimited.
	total := len(usable) + p.spawning[exploit.ID]
	if exploit.MaxContainers == 0 || total < exploit.MaxContainers {
		p.spawning[exploit.ID]++
		p.mu.Unlock()

		c, serr := p.SpawnContainer(ctx, exploit)

		p.mu.Lock()
		p.spawning[exploit.ID]--
		if serr != nil {
			p.notifyLocked()
			p.mu.Unlock()
			return nil, false, serr
		}
		p.live[c.ID]++
		p.notifyLocked()
		p.mu.Unlock()

		if err := p.store.CreateRunner(ctx, c.ID, run.ID, run.TeamID); err != nil {
			p.logger.Warn().Err(err).Int64("run", run.ID).Msg("Failed to record runner")
		}
		return &Lease{Container: c, pool: p}, false, nil
	}
	p.mu.Unlock()

	// 4. Everything saturated: this is the per-exploit backpressure point
	return nil, true, nil
}

// HealthCheck inspects every supposedly running container, marks dead ones,
// and respawns replacements with the runners reattached when the exploit is
// still enabled
func (p *Pool) HealthCheck(ctx context.Context) error {
	containers, err := p.store.ListContainers(ctx)
	if err != nil {
		return err
	}

	for _, c := range containers {
		if c.Status != types.ContainerStatusRunning {
			continue
		}

		alive, err := p.engine.ContainerRunning(ctx, c.ContainerID)
		if err != nil {
			alive = false
		}
		if alive {
			continue
		}

		p.logger.Warn().Str("container_id", c.ContainerID).Msg("Container is dead, recreating")
		if err := p.store.SetContainerStatus(ctx, c.ID, types.ContainerStatusDead); err != nil {
			p.logger.Error().Err(err).Int64("container", c.ID).Msg("Failed to mark container dead")
			continue
		}
		metrics.ContainersRunning.Dec()

		runners, err := p.store.ListRunnersForContainer(ctx, c.ID)
		if err != nil {
			runners = nil
		}
		if err := p.store.DeleteRunnersForContainer(ctx, c.ID); err != nil {
			p.logger.Error().Err(err).Int64("container", c.ID).Msg("Failed to delete runners")
		}

		exploit, err := p.store.GetExploit(ctx, c.ExploitID)
		if err != nil || !exploit.Enabled {
			continue
		}
		replacement, err := p.SpawnContainer(ctx, exploit)
		if err != nil {
			p.logger.Error().Err(err).Int64("exploit_id", c.ExploitID).Msg("Failed to respawn container")
			continue
		}
		for _, r := range runners {
			if err := p.store.CreateRunner(ctx, replacement.ID, r.RunID, r.TeamID); err != nil {
				p.logger.Warn().Err(err).Int64("run", r.RunID).Msg("Failed to reattach runner")
			}
		}
	}

	p.mu.Lock()
	p.notifyLocked()
	p.mu.Unlock()
	return nil
}

// DestroyContainer force-removes a container on the engine and deletes its
// rows. Engine removal failures are logged, not fatal: the rows go away
// regardless so the pool never wedges on a half-dead engine.
func (p *Pool) DestroyContainer(ctx context.Context, id int64) error {
	c, err := p.store.GetContainer(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	if err := p.engine.RemoveContainer(ctx, c.ContainerID); err != nil {
		p.logger.Warn().Err(err).Str("container_id", c.ContainerID).Msg("Engine removal failed")
	}
	if err := p.store.DeleteRunnersForContainer(ctx, id); err != nil {
		return err
	}
	if err := p.store.DeleteContainer(ctx, id); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.live, id)
	p.notifyLocked()
	p.mu.Unlock()

	metrics.ContainersDestroyed.Inc()
	if c.Status == types.ContainerStatusRunning {
		metrics.ContainersRunning.Dec()
	}
	p.logger.Info().Str("container_id", c.ContainerID).Msg("Destroyed container")
	return nil
}

// DestroyContainerByEngineID destroys a container addressed by its engine
// handle, as the API surface does
func (p *Pool) DestroyContainerByEngineID(ctx context.Context, engineID string) error {
	c, err := p.store.GetContainerByEngineID(ctx, engineID)
	if err != nil {
		return err
	}
	return p.DestroyContainer(ctx, c.ID)
}

// DestroyExploitContainers destroys every container of an exploit
func (p *Pool) DestroyExploitContainers(ctx context.Context, exploitID int64) error {
	containers, err := p.store.ListExploitContainers(ctx, exploitID)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if err := p.DestroyContainer(ctx, c.ID); err != nil {
			return err
		}
	}
	return nil
}

// RestartContainer restarts a container on the engine. force skips the
// graceful stop window.
func (p *Pool) RestartContainer(ctx context.Context, engineID string, timeoutSecs *int, force bool) error {
	if _, err := p.store.GetContainerByEngineID(ctx, engineID); err != nil {
		return err
	}
	if force {
		zero := 0
		timeoutSecs = &zero
	}
	return p.engine.RestartContainer(ctx, engineID, timeoutSecs)
}

// RestartAllContainers restarts every known container
func (p *Pool) RestartAllContainers(ctx context.Context, timeoutSecs *int, force bool) error {
	containers, err := p.store.ListContainers(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, c := range containers {
		if err := p.RestartContainer(ctx, c.ContainerID, timeoutSecs, force); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ListContainers returns the API projection of the pool state, optionally
// narrowed to one challenge
func (p *Pool) ListContainers(ctx context.Context, challengeID *int64) ([]types.ContainerInfo, error) {
	containers, err := p.store.ListContainers(ctx)
	if err != nil {
		return nil, err
	}

	exploits := make(map[int64]*types.Exploit)
	infos := make([]types.ContainerInfo, 0, len(containers))
	for _, c := range containers {
		exploit, ok := exploits[c.ExploitID]
		if !ok {
			exploit, err = p.store.GetExploit(ctx, c.ExploitID)
			if err != nil {
				continue
			}
			exploits[c.ExploitID] = exploit
		}
		if challengeID != nil && exploit.ChallengeID != *challengeID {
			continue
		}

		runners, _ := p.store.ListRunnersForContainer(ctx, c.ID)
		p.mu.Lock()
		running := p.live[c.ID]
		p.mu.Unlock()

		infos = append(infos, types.ContainerInfo{
			ID:           c.ContainerID,
			ExploitID:    c.ExploitID,
			Status:       string(c.Status),
			Counter:      c.Counter,
			RunningExecs: running,
			MaxExecs:     exploit.MaxPerContainer,
			CreatedAt:    c.CreatedAt,
			AffinityRuns: lo.Map(runners, func(r *types.Runner, _ int) int64 { return r.RunID }),
		})
	}
	return infos, nil
}
