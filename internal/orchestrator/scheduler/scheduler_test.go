package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity/trinity/internal/agent/transport"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/db"
	"github.com/trinity/trinity/internal/orchestrator/executor"
	"github.com/trinity/trinity/internal/orchestrator/locks"
	"github.com/trinity/trinity/internal/orchestrator/queue"
	"github.com/trinity/trinity/internal/schedule"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

type allAgents struct{}

func (allAgents) Exists(context.Context, string) (bool, error) { return true, nil }

type autonomyGate struct{ enabled bool }

func (g *autonomyGate) AutonomyEnabled(context.Context, string) (bool, error) {
	return g.enabled, nil
}

type fixture struct {
	scheduler *Scheduler
	schedules *schedule.Service
	backend   locks.Backend
	conn      *sqlx.DB
	taskCalls *atomic.Int32
}

func newFixture(t *testing.T, gate *autonomyGate) *fixture {
	t.Helper()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(transport.TaskResponse{Response: "scheduled run done"})
	}))
	t.Cleanup(srv.Close)

	conn, err := db.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	store, err := schedule.NewStore(conn, conn)
	require.NoError(t, err)
	schedules := schedule.NewService(store, allAgents{}, logger.Default())

	backend := locks.NewMemoryBackend()
	q := queue.NewExecutionQueue(backend, queue.Config{MaxQueueSize: 3, ExecutionTTL: time.Minute}, logger.Default())
	tr := transport.NewClient(logger.Default(), transport.WithBaseURL(srv.URL))
	exec := executor.New(q, tr, schedules, nil, nil, logger.Default())

	sched := New(schedules, exec, backend, gate, Config{TickInterval: time.Hour}, logger.Default())
	return &fixture{
		scheduler: sched,
		schedules: schedules,
		backend:   backend,
		conn:      conn,
		taskCalls: &calls,
	}
}

// makeDue rewinds a schedule's next run time so the next tick fires it.
func (f *fixture) makeDue(t *testing.T, scheduleID string) {
	t.Helper()
	past := time.Now().Add(-time.Minute).UTC()
	_, err := f.conn.Exec(`UPDATE schedules SET next_run_at = ? WHERE id = ?`, past, scheduleID)
	require.NoError(t, err)
}

func createSchedule(t *testing.T, f *fixture, agentName string) *v1.Schedule {
	t.Helper()
	sched, err := f.schedules.Create(context.Background(), agentName, &v1.CreateScheduleRequest{
		Name:           "digest",
		CronExpression: "0 * * * *",
		Message:        "run the digest",
	})
	require.NoError(t, err)
	return sched
}

func TestTickFiresDueSchedule(t *testing.T) {
	f := newFixture(t, &autonomyGate{enabled: true})
	ctx := context.Background()

	sched := createSchedule(t, f, "research-agent")
	f.makeDue(t, sched.ID)

	f.scheduler.Tick(ctx)

	assert.Eventually(t, func() bool {
		return f.taskCalls.Load() == 1
	}, 5*time.Second, 20*time.Millisecond)

	// Outcome is recorded with the schedule as the trigger.
	assert.Eventually(t, func() bool {
		history, err := f.schedules.History(ctx, "research-agent", 10)
		return err == nil && len(history) == 1 &&
			history[0].Status == v1.ExecutionSuccess &&
			history[0].TriggeredBy == "schedule"
	}, 5*time.Second, 20*time.Millisecond)

	// Bookkeeping advanced past now.
	got, err := f.schedules.Get(ctx, "research-agent", sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now()))
}

func TestTickLinksExecutionToSchedule(t *testing.T) {
	f := newFixture(t, &autonomyGate{enabled: true})
	ctx := context.Background()

	sched := createSchedule(t, f, "research-agent")
	f.makeDue(t, sched.ID)

	f.scheduler.Tick(ctx)

	// The recorded run shows up under the schedule's own history.
	assert.Eventually(t, func() bool {
		linked, err := f.schedules.ScheduleHistory(ctx, "research-agent", sched.ID, 10)
		return err == nil && len(linked) == 1 && linked[0].Status == v1.ExecutionSuccess
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTickRecordsQueueFullRejection(t *testing.T) {
	f := newFixture(t, &autonomyGate{enabled: true})
	ctx := context.Background()

	sched := createSchedule(t, f, "research-agent")
	f.makeDue(t, sched.ID)

	// Occupy the slot and fill the wait list so the fire is rejected.
	claimed, err := f.backend.SetNX(ctx, "trinity:running:research-agent", `{"id":"held"}`, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.backend.LPush(ctx, "trinity:queue:research-agent", `{"id":"waiter"}`))
	}

	f.scheduler.Tick(ctx)

	assert.Eventually(t, func() bool {
		linked, err := f.schedules.ScheduleHistory(ctx, "research-agent", sched.ID, 10)
		return err == nil && len(linked) == 1 &&
			linked[0].Status == v1.ExecutionFailed &&
			linked[0].Error == "queue_full"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Zero(t, f.taskCalls.Load())
}

func TestTickIgnoresFutureSchedules(t *testing.T) {
	f := newFixture(t, &autonomyGate{enabled: true})

	createSchedule(t, f, "research-agent")
	f.scheduler.Tick(context.Background())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), f.taskCalls.Load())
}

func TestFireLockPreventsDoubleFire(t *testing.T) {
	f := newFixture(t, &autonomyGate{enabled: true})
	ctx := context.Background()

	sched := createSchedule(t, f, "research-agent")
	f.makeDue(t, sched.ID)

	// Simulate another replica holding this fire.
	claimed, err := f.backend.SetNX(ctx, fireLockPrefix+sched.ID, "other-replica", fireLockTTL)
	require.NoError(t, err)
	require.True(t, claimed)

	f.scheduler.Tick(ctx)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), f.taskCalls.Load())

	// The other replica owns the bookkeeping too; ours must not advance it.
	got, err := f.schedules.Get(ctx, "research-agent", sched.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastRunAt)
}

func TestAutonomyDisabledSkipsDispatch(t *testing.T) {
	f := newFixture(t, &autonomyGate{enabled: false})
	ctx := context.Background()

	sched := createSchedule(t, f, "research-agent")
	f.makeDue(t, sched.ID)

	f.scheduler.Tick(ctx)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), f.taskCalls.Load())

	// The slot is consumed even when gated, so re-enabling autonomy does
	// not unleash a backlog of stale fires.
	got, err := f.schedules.Get(ctx, "research-agent", sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now()))
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, &autonomyGate{enabled: true})

	require.NoError(t, f.scheduler.Start(context.Background()))
	assert.ErrorIs(t, f.scheduler.Start(context.Background()), ErrAlreadyRunning)

	f.scheduler.Stop()
	// Stop is idempotent.
	f.scheduler.Stop()

	require.NoError(t, f.scheduler.Start(context.Background()))
	f.scheduler.Stop()
}

func TestLeaderElection(t *testing.T) {
	f := newFixture(t, &autonomyGate{enabled: true})
	ctx := context.Background()

	second := New(f.schedules, f.scheduler.executor, f.backend, &autonomyGate{enabled: true},
		Config{TickInterval: time.Hour, LeaderTTL: time.Minute}, logger.Default())

	// First claimant wins; the peer stands by while the key is held.
	assert.True(t, f.scheduler.ensureLeader(ctx))
	assert.False(t, second.ensureLeader(ctx))

	// The holder keeps leadership across ticks via refresh.
	assert.True(t, f.scheduler.ensureLeader(ctx))

	// After release the peer takes over.
	_, err := f.scheduler.leader.Release(ctx)
	require.NoError(t, err)
	assert.True(t, second.ensureLeader(ctx))
	assert.False(t, f.scheduler.ensureLeader(ctx))
}

func TestStandbyReplicaDoesNotFire(t *testing.T) {
	f := newFixture(t, &autonomyGate{enabled: true})
	ctx := context.Background()

	sched := createSchedule(t, f, "research-agent")
	f.makeDue(t, sched.ID)

	standby := New(f.schedules, f.scheduler.executor, f.backend, &autonomyGate{enabled: true},
		Config{TickInterval: time.Hour, LeaderTTL: time.Minute}, logger.Default())

	require.True(t, f.scheduler.ensureLeader(ctx))
	standby.tickIfLeader(ctx)

	// Dispatch is async; give a wrongly fired task time to surface.
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, f.taskCalls.Load())
}
