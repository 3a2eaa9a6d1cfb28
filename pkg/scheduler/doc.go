/*
Package scheduler turns the catalog of (exploit, team) pairs into
prioritized rounds of jobs and drives their execution through the
container pool.

# Rounds

CreateRound enumerates enabled challenges x teams x enabled exploit runs
and bulk-inserts one pending job per tuple, ordered by the composite
priority key

	challenge.priority*10000 + team.priority*100 + run.sequence

(or the run's explicit override). Job ids encode insertion order, which
doubles as the tie-break: pending jobs are always pulled in
(priority DESC, id ASC) order.

# Execution

The run loop holds a global semaphore sized by the concurrent_limit
setting. After every slot acquisition the pending queue is re-read, so
reorders and ad-hoc insertions take effect on the next selection. Two
optional settings tighten the schedule: skip_on_flag short-circuits jobs
whose (round, challenge, team) already produced a flag, and
sequential_per_target keeps at most one job in flight per target.

Each dispatched job resolves its connection info, leases a container from
the pool, execs the exploit with the target in argv and environment,
extracts flags from stdout, and settles into a terminal status:

	timeout > flag > ole > success / failed

A round finishes when nothing is pending and nothing is in flight.

# Commands

All mutation of scheduler state arrives through a single-consumer command
queue (RunRound, RerunRound, RerunUnflagged, RefreshJob, RunJobNow,
SkipRound, container operations), which removes the need for fine-grained
locking around the in-flight map. StopJob is the one synchronous entry: it
kills the job's exec and blocks until the worker settles the final status.
*/
package scheduler
