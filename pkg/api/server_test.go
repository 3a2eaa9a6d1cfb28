package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mazuadm/mazuadm/pkg/events"
	"github.com/mazuadm/mazuadm/pkg/log"
	"github.com/mazuadm/mazuadm/pkg/pool"
	"github.com/mazuadm/mazuadm/pkg/scheduler"
	"github.com/mazuadm/mazuadm/pkg/settings"
	"github.com/mazuadm/mazuadm/pkg/store"
	"github.com/mazuadm/mazuadm/pkg/store/storetest"
	"github.com/mazuadm/mazuadm/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
}

// nullEngine satisfies pool.Engine for API tests that never reach the engine
type nullEngine struct{ nextID int }

func (e *nullEngine) CreateContainer(context.Context, string, string, []string) (string, error) {
	e.nextID++
	return fmt.Sprintf("null-%d", e.nextID), nil
}
func (e *nullEngine) StartContainer(context.Context, string) error          { return nil }
func (e *nullEngine) ContainerRunning(context.Context, string) (bool, error) { return true, nil }
func (e *nullEngine) RemoveContainer(context.Context, string) error         { return nil }
func (e *nullEngine) RestartContainer(context.Context, string, *int) error  { return nil }
func (e *nullEngine) CreateExec(context.Context, string, []string, []string, string) (string, error) {
	return "null-exec", nil
}
func (e *nullEngine) AttachExec(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}
func (e *nullEngine) StartExecDetached(context.Context, string) error { return nil }
func (e *nullEngine) InspectExec(context.Context, string) (pool.ExecStatus, error) {
	return pool.ExecStatus{}, nil
}
func (e *nullEngine) Close() error { return nil }

type apiFixture struct {
	fake   *storetest.Fake
	bus    *events.Bus
	server *Server
	ts     *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	fake := storetest.New()
	bus := events.NewBus()
	resolver := settings.NewResolver(fake)
	p := pool.NewPool(fake, &nullEngine{})
	sched := scheduler.NewScheduler(fake, p, bus, resolver)
	server := NewServer(fake, sched, p, bus, resolver)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &apiFixture{fake: fake, bus: bus, server: server, ts: ts}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestChallengeCRUD(t *testing.T) {
	f := newAPIFixture(t)

	// Team first so relation auto-creation has something to join
	resp := f.do(t, http.MethodPost, "/api/teams", map[string]any{"team_id": "t1", "team_name": "Team One"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	team := decodeBody[types.Team](t, resp)

	resp = f.do(t, http.MethodPost, "/api/challenges", map[string]any{"name": "pwn1", "priority": 150})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	challenge := decodeBody[types.Challenge](t, resp)
	assert.Equal(t, 99, challenge.Priority, "priority is clamped on write")

	// The relation row appeared implicitly
	resp = f.do(t, http.MethodGet, fmt.Sprintf("/api/relations/%d", challenge.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	relations := decodeBody[[]types.Relation](t, resp)
	require.Len(t, relations, 1)
	assert.Equal(t, team.ID, relations[0].TeamID)

	resp = f.do(t, http.MethodPut, fmt.Sprintf("/api/challenges/%d/enabled/false", challenge.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := f.fake.GetChallenge(context.Background(), challenge.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	resp = f.do(t, http.MethodDelete, fmt.Sprintf("/api/challenges/%d", challenge.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, fmt.Sprintf("/api/challenges/%d", challenge.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestListFlagsRejectsBadSort(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodGet, "/api/flags?sort=sideways", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitFlagsSingleAndArray(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	challenge, err := f.fake.CreateChallenge(ctx, store.CreateChallenge{Name: "c"})
	require.NoError(t, err)
	team, err := f.fake.CreateTeam(ctx, store.CreateTeam{TeamID: "t", TeamName: "T"})
	require.NoError(t, err)
	round, err := f.fake.CreateRound(ctx)
	require.NoError(t, err)
	require.NoError(t, f.fake.StartRound(ctx, round.ID))

	resp := f.do(t, http.MethodPost, "/api/flags", map[string]any{
		"challenge_id": challenge.ID, "team_id": team.ID, "flag_value": "FLAG{one}",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	flags := decodeBody[[]types.Flag](t, resp)
	require.Len(t, flags, 1)
	assert.Equal(t, "FLAG{one}", flags[0].FlagValue)

	resp = f.do(t, http.MethodPost, "/api/flags", []map[string]any{
		{"challenge_id": challenge.ID, "team_id": team.ID, "flag_value": "FLAG{two}"},
		{"challenge_id": challenge.ID, "team_id": team.ID, "flag_value": "FLAG{three}"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	flags = decodeBody[[]types.Flag](t, resp)
	assert.Len(t, flags, 2)

	// Empty flag is a validation error
	resp = f.do(t, http.MethodPost, "/api/flags", map[string]any{
		"challenge_id": challenge.ID, "team_id": team.ID, "flag_value": "  ",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReorderJobsOnlyTouchesPending(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	challenge, err := f.fake.CreateChallenge(ctx, store.CreateChallenge{Name: "c"})
	require.NoError(t, err)
	team, err := f.fake.CreateTeam(ctx, store.CreateTeam{TeamID: "t", TeamName: "T"})
	require.NoError(t, err)
	exploit, err := f.fake.CreateExploit(ctx, store.CreateExploit{Name: "x", ChallengeID: challenge.ID, DockerImage: "img"})
	require.NoError(t, err)
	run, err := f.fake.CreateExploitRun(ctx, store.CreateExploitRun{ExploitID: exploit.ID, ChallengeID: challenge.ID, TeamID: team.ID})
	require.NoError(t, err)
	round, err := f.fake.CreateRound(ctx)
	require.NoError(t, err)

	pendingJob, err := f.fake.CreateJob(ctx, round.ID, run.ID, team.ID, 10, nil)
	require.NoError(t, err)
	doneJob, err := f.fake.CreateJob(ctx, round.ID, run.ID, team.ID, 20, nil)
	require.NoError(t, err)
	require.NoError(t, f.fake.FinishJob(ctx, doneJob.ID, types.JobStatusSuccess, nil, nil, 1))

	resp := f.do(t, http.MethodPost, "/api/jobs/reorder", []map[string]any{
		{"id": pendingJob.ID, "priority": 55},
		{"id": doneJob.ID, "priority": 77},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	got, err := f.fake.GetJob(ctx, pendingJob.ID)
	require.NoError(t, err)
	assert.Equal(t, 55, got.Priority)
	got, err = f.fake.GetJob(ctx, doneJob.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.Priority, "finished jobs keep their priority")
}

func TestGetVersion(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Contains(t, body, "version")
}

func TestClientIPFromHeaders(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.fake.SetSetting(ctx, settings.KeyIPHeaders, "X-Real-IP, X-Forwarded-For"))

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "192.0.2.10:4444"

	// No headers: socket peer wins
	assert.Equal(t, "192.0.2.10", f.server.clientIP(r))

	// First configured header with a value wins, first comma token only
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", f.server.clientIP(r))
	r.Header.Set("X-Real-IP", "198.51.100.77")
	assert.Equal(t, "198.51.100.77", f.server.clientIP(r))
}

func wsURL(ts *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
}

func TestWSRejectsBadUser(t *testing.T) {
	f := newAPIFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.ts, "?user=x"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg events.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
}

// Scenario: a subscriber filtered to exploit_run sees exploit_run_created
// but neither exploit_created nor job_created
func TestWSSubscriptionFilter(t *testing.T) {
	f := newAPIFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.ts, "?user=alice&client=test&events=exploit_run"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Wait for the registry to include the connection before publishing
	require.Eventually(t, func() bool {
		return f.bus.SubscriberCount() > 0
	}, time.Second, 10*time.Millisecond)

	f.bus.Publish("exploit_run_created", map[string]int{"id": 1})
	f.bus.Publish("exploit_created", map[string]int{"id": 2})
	f.bus.Publish("job_created", map[string]int{"id": 3})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg events.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "exploit_run_created", msg.Type)

	// Nothing else arrives
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	err = conn.ReadJSON(&msg)
	assert.Error(t, err, "filtered-out events must not be delivered")
}

func TestWSSubscribeAction(t *testing.T) {
	f := newAPIFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.ts, "?user=alice&events=job"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return f.bus.SubscriberCount() > 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "events": []string{"flag"}}))

	require.Eventually(t, func() bool {
		infos := f.server.wsConnectionInfos()
		if len(infos) != 1 {
			return false
		}
		for _, e := range infos[0].SubscribedEvents {
			if e == "flag" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	f.bus.Publish("flag_created", map[string]int{"id": 1})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	// Skip ws_connections updates triggered by the subscribe action
	for {
		var msg events.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "flag_created" {
			return
		}
	}
}
