package scheduler

import (
	"context"
	"regexp"
	"sort"

	"github.com/mazuadm/mazuadm/pkg/events"
	"github.com/mazuadm/mazuadm/pkg/store"
	"github.com/mazuadm/mazuadm/pkg/types"
)

// DefaultFlagRegex matches the competition's standard flag format when a
// challenge does not carry its own pattern
const DefaultFlagRegex = `[A-Za-z0-9]{31}=`

// CalculatePriority computes a job's composite priority. The key orders by
// challenge, then team, then run sequence; an explicit override wins.
func CalculatePriority(challengePriority, teamPriority, sequence int, override *int) int {
	if override != nil {
		return *override
	}
	return challengePriority*10000 + teamPriority*100 + sequence
}

// SelectRunningRoundID picks the running round out of the active set
func SelectRunningRoundID(rounds []*types.Round) (int64, bool) {
	for _, r := range rounds {
		if r.Status == types.RoundStatusRunning {
			return r.ID, true
		}
	}
	return 0, false
}

// MinAllowedRoundID returns the oldest round that still accepts manual
// flags, saturating at zero
func MinAllowedRoundID(runningRoundID int64, pastRounds int) int64 {
	min := runningRoundID - int64(pastRounds)
	if min < 0 {
		return 0
	}
	return min
}

// RoundWithinHistory reports whether a round falls inside the manual flag
// submission window
func RoundWithinHistory(targetRoundID, runningRoundID int64, pastRounds int) bool {
	return targetRoundID >= MinAllowedRoundID(runningRoundID, pastRounds) && targetRoundID <= runningRoundID
}

// ExtractFlags pulls flag strings out of job output: regex matches,
// deduplicated in order of first appearance, capped at maxFlags. An invalid
// pattern yields no flags.
func ExtractFlags(output, pattern string, maxFlags int) []string {
	if pattern == "" {
		pattern = DefaultFlagRegex
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var flags []string
	for _, m := range re.FindAllString(output, -1) {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		flags = append(flags, m)
		if len(flags) >= maxFlags {
			break
		}
	}
	return flags
}

// CreateRound snapshots the enabled (challenge, team, run) tuples into a
// fresh round's job list, highest priority first
func (s *Scheduler) CreateRound(ctx context.Context) (int64, error) {
	round, err := s.store.CreateRound(ctx)
	if err != nil {
		return 0, err
	}

	challenges, err := s.store.ListChallenges(ctx)
	if err != nil {
		return 0, err
	}
	teams, err := s.store.ListTeams(ctx)
	if err != nil {
		return 0, err
	}

	var jobs []store.NewJob
	for _, challenge := range challenges {
		if !challenge.Enabled {
			continue
		}
		for _, team := range teams {
			runs, err := s.store.ListExploitRuns(ctx, &challenge.ID, &team.ID)
			if err != nil {
				return 0, err
			}
			for _, run := range runs {
				if !run.Enabled {
					continue
				}
				jobs = append(jobs, store.NewJob{
					RunID:    run.ID,
					TeamID:   team.ID,
					Priority: CalculatePriority(challenge.Priority, team.Priority, run.Sequence, run.Priority),
				})
			}
		}
	}

	// Insertion order doubles as the tie-break, so sort before the bulk insert
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].Priority > jobs[j].Priority })

	if _, err := s.store.CreateJobs(ctx, round.ID, jobs); err != nil {
		return 0, err
	}

	s.bus.Publish(events.EventRoundCreated, round)
	s.logger.Info().Int64("round_id", round.ID).Int("jobs", len(jobs)).Msg("Generated round")
	return round.ID, nil
}

// RunningRoundID returns the id of the currently running round
func (s *Scheduler) RunningRoundID(ctx context.Context) (int64, bool, error) {
	rounds, err := s.store.GetActiveRounds(ctx)
	if err != nil {
		return 0, false, err
	}
	id, ok := SelectRunningRoundID(rounds)
	return id, ok, nil
}
