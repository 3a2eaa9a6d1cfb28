package scheduler

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

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

func TestCalculatePriority(t *testing.T) {
	assert.Equal(t, 50302, CalculatePriority(5, 3, 2, nil))
	override := 999
	assert.Equal(t, 999, CalculatePriority(5, 3, 2, &override))
	// Negative sequences shift below the team component
	assert.Equal(t, 50299, CalculatePriority(5, 3, -1, nil))
}

// The composite key orders lexicographically over (challenge, team,
// sequence) as long as each component stays in its domain
func TestCalculatePriorityMonotonic(t *testing.T) {
	type key struct{ c, t, s int }
	keys := []key{
		{0, 0, 0}, {0, 0, 5}, {0, 2, 0}, {1, 0, 0}, {3, 50, 99}, {5, 0, 0}, {5, 2, 0}, {99, 99, 99},
	}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			a, b := keys[i], keys[j]
			pa := CalculatePriority(a.c, a.t, a.s, nil)
			pb := CalculatePriority(b.c, b.t, b.s, nil)
			assert.Less(t, pa, pb, "key %v should order below %v", a, b)
		}
	}
}

func TestSelectRunningRoundID(t *testing.T) {
	rounds := []*types.Round{
		{ID: 1, Status: types.RoundStatusPending},
		{ID: 2, Status: types.RoundStatusRunning},
	}
	id, ok := SelectRunningRoundID(rounds)
	assert.True(t, ok)
	assert.Equal(t, int64(2), id)

	_, ok = SelectRunningRoundID([]*types.Round{{ID: 1, Status: types.RoundStatusPending}})
	assert.False(t, ok)
	_, ok = SelectRunningRoundID(nil)
	assert.False(t, ok)
}

func TestMinAllowedRoundIDSaturates(t *testing.T) {
	assert.Equal(t, int64(0), MinAllowedRoundID(2, 5))
	assert.Equal(t, int64(5), MinAllowedRoundID(10, 5))
}

func TestRoundWithinHistory(t *testing.T) {
	// past_flag_rounds = 5, running round 10: rounds 5..10 accepted
	for id := int64(5); id <= 10; id++ {
		assert.True(t, RoundWithinHistory(id, 10, 5), "round %d", id)
	}
	assert.False(t, RoundWithinHistory(4, 10, 5))
	assert.False(t, RoundWithinHistory(11, 10, 5))
}

func TestExtractFlags(t *testing.T) {
	flagA := strings.Repeat("A", 30) + "1="
	flagB := strings.Repeat("b", 30) + "2="
	output := "leading " + flagA + " trailing " + flagA + " more " + flagB

	flags := ExtractFlags(output, "", 50)
	assert.Equal(t, []string{flagA, flagB}, flags, "duplicates collapse, order preserved")
}

func TestExtractFlagsRespectsMax(t *testing.T) {
	var parts []string
	for i := 0; i < 10; i++ {
		parts = append(parts, fmt.Sprintf("%030d%d=", i, i))
	}
	output := strings.Join(parts, " ")

	flags := ExtractFlags(output, "", 3)
	assert.Len(t, flags, 3)
}

func TestExtractFlagsCustomPattern(t *testing.T) {
	flags := ExtractFlags("FLAG{abc} junk FLAG{def}", `FLAG\{[a-z]+\}`, 50)
	assert.Equal(t, []string{"FLAG{abc}", "FLAG{def}"}, flags)
}

func TestExtractFlagsInvalidPattern(t *testing.T) {
	assert.Empty(t, ExtractFlags("anything", "[unclosed", 50))
}

func TestExtractFlagsNoMatch(t *testing.T) {
	assert.Empty(t, ExtractFlags("short output", "", 50))
}

// Scenario: challenge A priority 5, B priority 3; teams T1 priority 2, T2
// priority 0; one exploit per challenge with sequence 0. Generated
// priorities follow (challenge, team, sequence) descending.
func TestCreateRoundPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	s := newTestScheduler(t, fake)

	pA, pB := 5, 3
	challengeA, err := fake.CreateChallenge(ctx, store.CreateChallenge{Name: "A", Priority: &pA})
	require.NoError(t, err)
	challengeB, err := fake.CreateChallenge(ctx, store.CreateChallenge{Name: "B", Priority: &pB})
	require.NoError(t, err)

	p1, p2 := 2, 0
	team1, err := fake.CreateTeam(ctx, store.CreateTeam{TeamID: "t1", TeamName: "T1", Priority: &p1})
	require.NoError(t, err)
	team2, err := fake.CreateTeam(ctx, store.CreateTeam{TeamID: "t2", TeamName: "T2", Priority: &p2})
	require.NoError(t, err)

	for _, challenge := range []*types.Challenge{challengeA, challengeB} {
		exploit, err := fake.CreateExploit(ctx, store.CreateExploit{
			Name: "x-" + challenge.Name, ChallengeID: challenge.ID, DockerImage: "img",
		})
		require.NoError(t, err)
		for _, team := range []*types.Team{team1, team2} {
			_, err = fake.CreateExploitRun(ctx, store.CreateExploitRun{
				ExploitID: exploit.ID, ChallengeID: challenge.ID, TeamID: team.ID,
			})
			require.NoError(t, err)
		}
	}

	roundID, err := s.CreateRound(ctx)
	require.NoError(t, err)

	pending, err := fake.GetPendingJobs(ctx, roundID)
	require.NoError(t, err)
	require.Len(t, pending, 4)

	var priorities []int
	for _, j := range pending {
		priorities = append(priorities, j.Priority)
	}
	assert.Equal(t, []int{50200, 50000, 30200, 30000}, priorities)
}

func TestCreateRoundSkipsDisabled(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	s := newTestScheduler(t, fake)

	challenge, err := fake.CreateChallenge(ctx, store.CreateChallenge{Name: "on"})
	require.NoError(t, err)
	disabled := false
	challengeOff, err := fake.CreateChallenge(ctx, store.CreateChallenge{Name: "off", Enabled: &disabled})
	require.NoError(t, err)
	team, err := fake.CreateTeam(ctx, store.CreateTeam{TeamID: "t1", TeamName: "T1"})
	require.NoError(t, err)

	for _, c := range []*types.Challenge{challenge, challengeOff} {
		exploit, err := fake.CreateExploit(ctx, store.CreateExploit{Name: "x" + c.Name, ChallengeID: c.ID, DockerImage: "img"})
		require.NoError(t, err)
		run, err := fake.CreateExploitRun(ctx, store.CreateExploitRun{ExploitID: exploit.ID, ChallengeID: c.ID, TeamID: team.ID})
		require.NoError(t, err)
		if c.ID == challenge.ID {
			// Also add a disabled run on the enabled challenge
			exploit2, err := fake.CreateExploit(ctx, store.CreateExploit{Name: "x2" + c.Name, ChallengeID: c.ID, DockerImage: "img"})
			require.NoError(t, err)
			run2, err := fake.CreateExploitRun(ctx, store.CreateExploitRun{ExploitID: exploit2.ID, ChallengeID: c.ID, TeamID: team.ID})
			require.NoError(t, err)
			_, err = fake.UpdateExploitRun(ctx, run2.ID, nil, nil, &disabled)
			require.NoError(t, err)
		}
		_ = run
	}

	roundID, err := s.CreateRound(ctx)
	require.NoError(t, err)

	pending, err := fake.GetPendingJobs(ctx, roundID)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "only runs on enabled challenges generate jobs")
}

func TestPriorityOverrideWins(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	s := newTestScheduler(t, fake)

	p := 5
	challenge, err := fake.CreateChallenge(ctx, store.CreateChallenge{Name: "A", Priority: &p})
	require.NoError(t, err)
	team, err := fake.CreateTeam(ctx, store.CreateTeam{TeamID: "t1", TeamName: "T1"})
	require.NoError(t, err)
	exploit, err := fake.CreateExploit(ctx, store.CreateExploit{Name: "x", ChallengeID: challenge.ID, DockerImage: "img"})
	require.NoError(t, err)
	override := 7
	_, err = fake.CreateExploitRun(ctx, store.CreateExploitRun{
		ExploitID: exploit.ID, ChallengeID: challenge.ID, TeamID: team.ID, Priority: &override,
	})
	require.NoError(t, err)

	roundID, err := s.CreateRound(ctx)
	require.NoError(t, err)

	pending, err := fake.GetPendingJobs(ctx, roundID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 7, pending[0].Priority)
}
