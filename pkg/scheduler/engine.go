package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/mazuadm/mazuadm/pkg/events"
	"github.com/mazuadm/mazuadm/pkg/log"
	"github.com/mazuadm/mazuadm/pkg/metrics"
	"github.com/mazuadm/mazuadm/pkg/pool"
	"github.com/mazuadm/mazuadm/pkg/settings"
	"github.com/mazuadm/mazuadm/pkg/store"
	"github.com/mazuadm/mazuadm/pkg/types"
)

// CommandOp identifies a scheduler command
type CommandOp string

const (
	CmdRunRound                 CommandOp = "run_round"
	CmdRerunRound               CommandOp = "rerun_round"
	CmdRerunUnflagged           CommandOp = "rerun_unflagged"
	CmdRefreshJob               CommandOp = "refresh_job"
	CmdRunJobNow                CommandOp = "run_job_now"
	CmdSkipRound                CommandOp = "skip_round"
	CmdEnsureContainers         CommandOp = "ensure_containers"
	CmdDestroyExploitContainers CommandOp = "destroy_exploit_containers"
)

// Command is one entry of the scheduler's single-consumer command queue.
// All mutation of in-flight scheduler state goes through here; StopJob is
// the lone synchronous exception.
type Command struct {
	Op        CommandOp
	RoundID   int64
	JobID     int64
	ExploitID int64
}

type targetKey struct {
	challengeID int64
	teamID      int64
}

// jobHandle is the transient in-flight state of one dispatched job
type jobHandle struct {
	jobID int64

	mu          sync.Mutex
	containerID string // engine handle
	pid         int
	stopReason  string

	cancel context.CancelFunc
	done   chan struct{}
}

func (h *jobHandle) setPid(pid int) {
	h.mu.Lock()
	h.pid = pid
	h.mu.Unlock()
}

func (h *jobHandle) setContainer(id string) {
	h.mu.Lock()
	h.containerID = id
	h.mu.Unlock()
}

func (h *jobHandle) setStopReason(reason string) {
	h.mu.Lock()
	h.stopReason = reason
	h.mu.Unlock()
}

func (h *jobHandle) snapshot() (containerID string, pid int, stopReason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.containerID, h.pid, h.stopReason
}

// Scheduler is the round engine: it generates rounds, drains pending jobs
// under the concurrency caps, dispatches them to the container pool and
// drives round lifecycle transitions. Mutable state is reached through the
// command queue consumed by a single goroutine.
type Scheduler struct {
	store    store.Store
	pool     *pool.Pool
	bus      *events.Bus
	settings *settings.Resolver
	logger   zerolog.Logger

	commands  chan Command
	immediate chan int64
	wake      chan struct{}
	jobDone   chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu          sync.Mutex
	inflight    map[int64]*jobHandle
	busyTargets map[targetKey]bool
	roundActive bool
	activeRound int64
}

// NewScheduler creates a scheduler
func NewScheduler(s store.Store, p *pool.Pool, bus *events.Bus, resolver *settings.Resolver) *Scheduler {
	return &Scheduler{
		store:       s,
		pool:        p,
		bus:         bus,
		settings:    resolver,
		logger:      log.WithComponent("scheduler"),
		commands:    make(chan Command, 64),
		immediate:   make(chan int64, 64),
		wake:        make(chan struct{}, 1),
		jobDone:     make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		inflight:    make(map[int64]*jobHandle),
		busyTargets: make(map[targetKey]bool),
	}
}

// Start begins the command consumer loop
func (s *Scheduler) Start() {
	go s.run()
}

// Send enqueues a command without blocking and returns an error when the
// queue is full. RefreshJob losses are harmless (the next selection pass
// re-evaluates); what happens to other errors is up to each caller.
func (s *Scheduler) Send(cmd Command) error {
	select {
	case s.commands <- cmd:
		return nil
	case <-s.stopCh:
		return fmt.Errorf("scheduler is shut down")
	default:
		return fmt.Errorf("scheduler command queue full")
	}
}

// wakeLoop nudges the round loop to re-read the pending queue
func (s *Scheduler) wakeLoop() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) signalJobDone() {
	select {
	case s.jobDone <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	for {
		select {
		case cmd := <-s.commands:
			s.handle(cmd)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) handle(cmd Command) {
	ctx := context.Background()

	switch cmd.Op {
	case CmdRunRound:
		round, err := s.store.GetRound(ctx, cmd.RoundID)
		if err != nil {
			s.logger.Error().Err(err).Int64("round_id", cmd.RoundID).Msg("RunRound: round not found")
			return
		}
		if round.Status != types.RoundStatusPending && round.Status != types.RoundStatusRunning {
			s.logger.Warn().Int64("round_id", cmd.RoundID).Str("status", string(round.Status)).Msg("RunRound: round not runnable")
			return
		}
		s.startRoundLoop(cmd.RoundID)

	case CmdRerunRound:
		if _, err := s.store.ResetJobsForRound(ctx, cmd.RoundID); err != nil {
			s.logger.Error().Err(err).Int64("round_id", cmd.RoundID).Msg("RerunRound: reset failed")
			return
		}
		if err := s.store.ResetRound(ctx, cmd.RoundID); err != nil {
			s.logger.Error().Err(err).Int64("round_id", cmd.RoundID).Msg("RerunRound: round reset failed")
			return
		}
		s.publishRound(ctx, cmd.RoundID)
		s.startRoundLoop(cmd.RoundID)

	case CmdRerunUnflagged:
		round, err := s.store.GetRound(ctx, cmd.RoundID)
		if err != nil || round.Status != types.RoundStatusRunning {
			s.logger.Warn().Int64("round_id", cmd.RoundID).Msg("RerunUnflagged: round is not running")
			return
		}
		n, err := s.store.CloneUnflaggedJobsForRound(ctx, cmd.RoundID)
		if err != nil {
			s.logger.Error().Err(err).Int64("round_id", cmd.RoundID).Msg("RerunUnflagged: clone failed")
			return
		}
		s.logger.Info().Int64("round_id", cmd.RoundID).Int64("cloned", n).Msg("Requeued unflagged jobs")
		s.wakeLoop()

	case CmdRefreshJob:
		s.wakeLoop()

	case CmdRunJobNow:
		if err := s.store.MarkJobScheduled(ctx, cmd.JobID); err != nil {
			s.logger.Error().Err(err).Int64("job_id", cmd.JobID).Msg("RunJobNow: schedule stamp failed")
		}
		select {
		case s.immediate <- cmd.JobID:
		default:
			s.logger.Warn().Int64("job_id", cmd.JobID).Msg("Immediate queue full, job stays in pending order")
		}
		s.wakeLoop()

	case CmdSkipRound:
		if _, err := s.store.SkipPendingJobsForRound(ctx, cmd.RoundID); err != nil {
			s.logger.Error().Err(err).Int64("round_id", cmd.RoundID).Msg("SkipRound: job skip failed")
		}
		if err := s.store.SkipRound(ctx, cmd.RoundID); err != nil {
			s.logger.Error().Err(err).Int64("round_id", cmd.RoundID).Msg("SkipRound: round transition failed")
		}
		s.publishRound(ctx, cmd.RoundID)
		s.wakeLoop()

	case CmdEnsureContainers:
		if err := s.pool.EnsureContainers(ctx, cmd.ExploitID); err != nil {
			s.logger.Error().Err(err).Int64("exploit_id", cmd.ExploitID).Msg("EnsureContainers failed")
		}

	case CmdDestroyExploitContainers:
		if err := s.pool.DestroyExploitContainers(ctx, cmd.ExploitID); err != nil {
			s.logger.Error().Err(err).Int64("exploit_id", cmd.ExploitID).Msg("DestroyExploitContainers failed")
		}
	}
}

// startRoundLoop launches the round loop unless one is already active
func (s *Scheduler) startRoundLoop(roundID int64) {
	s.mu.Lock()
	if s.roundActive {
		active := s.activeRound
		s.mu.Unlock()
		if active == roundID {
			s.wakeLoop()
		} else {
			s.logger.Warn().Int64("round_id", roundID).Int64("active", active).Msg("Another round is already running")
		}
		return
	}
	s.roundActive = true
	s.activeRound = roundID
	s.mu.Unlock()

	go s.runRound(roundID)
}

func (s *Scheduler) publishRound(ctx context.Context, roundID int64) {
	if round, err := s.store.GetRound(ctx, roundID); err == nil {
		s.bus.Publish(events.EventRoundUpdated, round)
	}
}

func (s *Scheduler) inflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// runRound drains a round's pending jobs under the global semaphore until
// nothing is pending and nothing is in flight
func (s *Scheduler) runRound(roundID int64) {
	ctx := context.Background()
	logger := s.logger.With().Int64("round_id", roundID).Logger()
	timer := metrics.NewTimer()

	defer func() {
		s.mu.Lock()
		s.roundActive = false
		s.mu.Unlock()
	}()

	if err := s.pool.HealthCheck(ctx); err != nil {
		logger.Error().Err(err).Msg("Pre-round health check failed")
	}
	cfg := s.settings.Executor(ctx)
	if err := s.pool.PrewarmForRound(ctx, cfg.ConcurrentLimit); err != nil {
		logger.Error().Err(err).Msg("Prewarm failed")
	}

	if err := s.store.StartRound(ctx, roundID); err != nil {
		logger.Error().Err(err).Msg("Failed to transition round to running")
		return
	}
	s.publishRound(ctx, roundID)
	logger.Info().Int("concurrent_limit", cfg.ConcurrentLimit).Msg("Round started")

	sem := semaphore.NewWeighted(int64(cfg.ConcurrentLimit))

loop:
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		// The pending queue is re-read after every acquisition so reorders
		// and insertions take effect on the next selection
		job, action := s.nextJob(ctx, roundID, cfg)
		switch action {
		case actDispatch:
			s.dispatch(job, cfg, sem)
		case actRetry:
			sem.Release(1)
		case actDone:
			sem.Release(1)
			break loop
		case actWait:
			sem.Release(1)
			select {
			case <-s.wake:
			case <-s.jobDone:
			case <-s.stopCh:
				return
			case <-time.After(time.Second):
			}
		}
	}

	// Only a still-running round is finished here; a skip command may have
	// already sealed it
	if round, err := s.store.GetRound(ctx, roundID); err == nil && round.Status == types.RoundStatusRunning {
		if err := s.store.FinishRound(ctx, roundID); err != nil {
			logger.Error().Err(err).Msg("Failed to finish round")
		}
		s.publishRound(ctx, roundID)
	}
	timer.ObserveDuration(metrics.RoundDuration)
	logger.Info().Msg("Round finished")
}

type selectAction int

const (
	actDispatch selectAction = iota
	actRetry
	actWait
	actDone
)

// nextJob picks the next dispatchable job: immediate lane first, then the
// pending queue in (priority DESC, id ASC) order, honoring skip_on_flag and
// sequential_per_target
func (s *Scheduler) nextJob(ctx context.Context, roundID int64, cfg settings.ExecutorSettings) (*types.ExploitJob, selectAction) {
	// Immediate lane: jobs explicitly scheduled to run now
	for {
		select {
		case jobID := <-s.immediate:
			job, err := s.store.GetJob(ctx, jobID)
			if err != nil || job.Status != types.JobStatusPending || job.RoundID != roundID {
				continue
			}
			return job, actDispatch
		default:
		}
		break
	}

	pending, err := s.store.GetPendingJobs(ctx, roundID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read pending jobs")
		return nil, actWait
	}

	runs := make(map[int64]*types.ExploitRun)
	for _, job := range pending {
		if job.ExploitRunID == nil {
			s.failJob(ctx, job.ID, "Job has no exploit run")
			return nil, actRetry
		}
		run, ok := runs[*job.ExploitRunID]
		if !ok {
			run, err = s.store.GetExploitRun(ctx, *job.ExploitRunID)
			if err != nil {
				s.failJob(ctx, job.ID, "Exploit run not found")
				return nil, actRetry
			}
			runs[*job.ExploitRunID] = run
		}

		if cfg.SkipOnFlag {
			has, ferr := s.store.HasFlagFor(ctx, roundID, run.ChallengeID, job.TeamID)
			if ferr == nil && has {
				s.skipJob(ctx, job.ID, "flag already found")
				return nil, actRetry
			}
		}

		if cfg.SequentialPerTarget {
			s.mu.Lock()
			busy := s.busyTargets[targetKey{run.ChallengeID, job.TeamID}]
			s.mu.Unlock()
			if busy {
				continue
			}
		}

		return job, actDispatch
	}

	if len(pending) == 0 && s.inflightCount() == 0 {
		return nil, actDone
	}
	return nil, actWait
}

func (s *Scheduler) failJob(ctx context.Context, jobID int64, msg string) {
	if err := s.store.FinishJob(ctx, jobID, types.JobStatusError, nil, &msg, 0); err != nil {
		s.logger.Error().Err(err).Int64("job_id", jobID).Msg("Failed to mark job errored")
		return
	}
	s.publishJob(ctx, jobID)
	metrics.JobsFinished.WithLabelValues(string(types.JobStatusError)).Inc()
}

func (s *Scheduler) skipJob(ctx context.Context, jobID int64, msg string) {
	if err := s.store.FinishJob(ctx, jobID, types.JobStatusSkipped, nil, &msg, 0); err != nil {
		s.logger.Error().Err(err).Int64("job_id", jobID).Msg("Failed to mark job skipped")
		return
	}
	s.publishJob(ctx, jobID)
	metrics.JobsFinished.WithLabelValues(string(types.JobStatusSkipped)).Inc()
}

func (s *Scheduler) publishJob(ctx context.Context, jobID int64) {
	if job, err := s.store.GetJob(ctx, jobID); err == nil {
		s.bus.PublishJob(events.EventJobUpdated, job)
	}
}

// dispatch hands a selected job to a worker goroutine. The semaphore slot
// travels with it and is released on completion.
func (s *Scheduler) dispatch(job *types.ExploitJob, cfg settings.ExecutorSettings, sem *semaphore.Weighted) {
	ctx := context.Background()

	var target *targetKey
	if cfg.SequentialPerTarget && job.ExploitRunID != nil {
		if run, err := s.store.GetExploitRun(ctx, *job.ExploitRunID); err == nil {
			target = &targetKey{run.ChallengeID, job.TeamID}
		}
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	handle := &jobHandle{
		jobID:  job.ID,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.inflight[job.ID] = handle
	if target != nil {
		s.busyTargets[*target] = true
	}
	s.mu.Unlock()

	metrics.JobsDispatched.Inc()
	s.wg.Add(1)
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inflight, job.ID)
			if target != nil {
				delete(s.busyTargets, *target)
			}
			s.mu.Unlock()
			close(handle.done)
			sem.Release(1)
			s.signalJobDone()
			s.wg.Done()
		}()
		s.runJob(jobCtx, job, cfg, handle)
	}()
}

// StopJob terminates a job promptly. Running jobs get their exec killed and
// the call blocks until the worker settles the final status; pending jobs
// are stopped in place. The final status is flag when the job already
// produced one.
func (s *Scheduler) StopJob(ctx context.Context, jobID int64, reason string) (*types.ExploitJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case types.JobStatusPending:
		hasFlag, _ := s.store.HasFlagForJob(ctx, jobID)
		if err := s.store.MarkJobStopped(ctx, jobID, hasFlag, reason); err != nil {
			return nil, err
		}
		s.publishJob(ctx, jobID)

	case types.JobStatusRunning:
		s.mu.Lock()
		handle := s.inflight[jobID]
		s.mu.Unlock()

		if handle == nil {
			// Not tracked by this process (e.g. predates a restart window):
			// settle directly
			hasFlag, _ := s.store.HasFlagForJob(ctx, jobID)
			if err := s.store.MarkJobStopped(ctx, jobID, hasFlag, reason); err != nil {
				return nil, err
			}
			s.publishJob(ctx, jobID)
			break
		}

		handle.setStopReason(reason)
		containerID, pid, _ := handle.snapshot()
		if containerID != "" && pid > 0 {
			if err := s.pool.KillProcessInContainer(ctx, containerID, pid); err != nil {
				s.logger.Error().Err(err).Int64("job_id", jobID).Msg("Failed to kill exec for stop")
			}
		}
		handle.cancel()

		select {
		case <-handle.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	default:
		// Terminal statuses are absorbing
	}

	return s.store.GetJob(ctx, jobID)
}

// Shutdown stops accepting commands, lets in-flight execs finish up to the
// worker timeout, then force-kills survivors
func (s *Scheduler) Shutdown(ctx context.Context) {
	close(s.stopCh)

	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()

	timeout := time.Duration(s.settings.WorkerTimeout(ctx)) * time.Second
	select {
	case <-waitDone:
		return
	case <-time.After(timeout):
	case <-ctx.Done():
	}

	s.mu.Lock()
	handles := make([]*jobHandle, 0, len(s.inflight))
	for _, h := range s.inflight {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		containerID, pid, _ := h.snapshot()
		if containerID != "" && pid > 0 {
			_ = s.pool.KillProcessInContainer(context.Background(), containerID, pid)
		}
		h.cancel()
	}
	<-waitDone
}

// ErrNoRunningRound is returned when an operation needs a running round and
// none exists
var ErrNoRunningRound = errors.New("no running round")
