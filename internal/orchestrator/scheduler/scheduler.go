// Package scheduler fires cron schedules. Multiple control-plane replicas
// may run the loop concurrently; a per-schedule lock on the shared backend
// guarantees each fire happens exactly once.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/orchestrator/executor"
	"github.com/trinity/trinity/internal/orchestrator/locks"
	"github.com/trinity/trinity/internal/schedule"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

const (
	// fireLockPrefix guards each individual fire across replicas.
	fireLockPrefix = "trinity:scheduler:lock:schedule:"
	fireLockTTL    = 60 * time.Second

	// leaderKey elects the replica that drives the tick loop. Holders
	// refresh it every tick; the rest stand by until it lapses.
	leaderKey = "trinity:scheduler:leader"

	defaultTickInterval = 15 * time.Second
	defaultLeaderTTL    = 45 * time.Second
)

// ErrAlreadyRunning is returned by Start when the loop is active.
var ErrAlreadyRunning = errors.New("scheduler already running")

// AutonomyGate answers whether an agent may run scheduled work. Satisfied by
// the agent store: disabled autonomy silences an agent's schedules without
// deleting them.
type AutonomyGate interface {
	AutonomyEnabled(ctx context.Context, agentName string) (bool, error)
}

// Config holds scheduler tuning.
type Config struct {
	TickInterval time.Duration
	LeaderTTL    time.Duration
}

// Scheduler drives the cron loop.
type Scheduler struct {
	schedules *schedule.Service
	executor  *executor.Executor
	backend   locks.Backend
	autonomy  AutonomyGate
	leader    *locks.DistributedLock
	config    Config
	logger    *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates the scheduler.
func New(schedules *schedule.Service, exec *executor.Executor, backend locks.Backend, autonomy AutonomyGate, cfg Config, log *logger.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.LeaderTTL <= 0 {
		cfg.LeaderTTL = defaultLeaderTTL
	}
	return &Scheduler{
		schedules: schedules,
		executor:  exec,
		backend:   backend,
		autonomy:  autonomy,
		leader:    locks.NewDistributedLock(backend, leaderKey, cfg.LeaderTTL),
		config:    cfg,
		logger:    log.WithFields(zap.String("component", "scheduler")),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", zap.Duration("tick_interval", s.config.TickInterval))
	return nil
}

// Stop halts the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer releaseCancel()
	if _, err := s.leader.Release(releaseCtx); err != nil {
		s.logger.Warn("leader release failed", zap.Error(err))
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	// Fire immediately on start so a restart does not delay due work by a
	// full tick.
	s.tickIfLeader(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickIfLeader(ctx)
		}
	}
}

// tickIfLeader runs a tick only on the replica holding the leader key, so a
// fleet of control planes drives exactly one cron loop.
func (s *Scheduler) tickIfLeader(ctx context.Context) {
	if !s.ensureLeader(ctx) {
		return
	}
	s.Tick(ctx)
}

func (s *Scheduler) ensureLeader(ctx context.Context) bool {
	held, err := s.leader.Refresh(ctx)
	if err != nil {
		s.logger.Error("leader refresh failed", zap.Error(err))
		return false
	}
	if held {
		return true
	}

	acquired, err := s.leader.TryAcquire(ctx)
	if err != nil {
		s.logger.Error("leader acquisition failed", zap.Error(err))
		return false
	}
	if acquired {
		s.logger.Info("scheduler leadership acquired", zap.Duration("ttl", s.config.LeaderTTL))
	}
	return acquired
}

// Tick loads the enabled schedules, orders them by next run time, and fires
// everything that is due. Exported for tests.
func (s *Scheduler) Tick(ctx context.Context) {
	schedules, err := s.schedules.ListEnabled(ctx)
	if err != nil {
		s.logger.Error("load schedules failed", zap.Error(err))
		return
	}

	h := buildHeap(schedules)
	now := time.Now()

	for h.Len() > 0 {
		next := h.peek()
		if next.NextRunAt == nil || next.NextRunAt.After(now) {
			break
		}
		heap.Pop(h)
		s.fire(ctx, next, now)
	}
}

// fire dispatches one due schedule, guarded by the per-schedule lock so
// exactly one replica runs it.
func (s *Scheduler) fire(ctx context.Context, sched *v1.Schedule, firedAt time.Time) {
	claimed, err := s.backend.SetNX(ctx, fireLockPrefix+sched.ID, firedAt.UTC().Format(time.RFC3339), fireLockTTL)
	if err != nil {
		s.logger.Error("fire lock unavailable",
			zap.String("schedule_id", sched.ID), zap.Error(err))
		return
	}
	if !claimed {
		// Another replica owns this fire.
		return
	}

	// Advance next_run_at before dispatching so a crash mid-run does not
	// refire the same slot after the lock expires.
	if err := s.schedules.MarkFired(ctx, sched.ID, firedAt); err != nil {
		s.logger.Error("mark fired failed", zap.String("schedule_id", sched.ID), zap.Error(err))
		return
	}

	if s.autonomy != nil {
		enabled, err := s.autonomy.AutonomyEnabled(ctx, sched.AgentName)
		if err != nil {
			s.logger.Error("autonomy check failed",
				zap.String("agent_name", sched.AgentName), zap.Error(err))
			return
		}
		if !enabled {
			s.logger.Debug("schedule skipped, autonomy disabled",
				zap.String("schedule_id", sched.ID),
				zap.String("agent_name", sched.AgentName),
			)
			return
		}
	}

	exec := &v1.Execution{
		ID:         uuid.New().String(),
		AgentName:  sched.AgentName,
		Source:     v1.SourceSchedule,
		ScheduleID: sched.ID,
		Message:    sched.Message,
		Status:     v1.ExecutionQueued,
		QueuedAt:   time.Now().UTC(),
	}

	s.logger.Info("firing schedule",
		zap.String("schedule_id", sched.ID),
		zap.String("agent_name", sched.AgentName),
		zap.String("execution_id", exec.ID),
	)

	// Scheduled work always waits its turn behind interactive traffic.
	go func() {
		runCtx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()
		if _, err := s.executor.Submit(runCtx, exec, true); err != nil {
			s.logger.Warn("scheduled submit rejected",
				zap.String("schedule_id", sched.ID),
				zap.String("agent_name", sched.AgentName),
				zap.Error(err),
			)
			s.recordRejected(context.Background(), sched, exec, err)
		}
	}()
}

// recordRejected writes a failed run into the schedule history when the
// queue refuses a fire, so missed slots stay visible on the timeline.
func (s *Scheduler) recordRejected(ctx context.Context, sched *v1.Schedule, exec *v1.Execution, cause error) {
	reason := "submit rejected"
	switch {
	case apperrors.IsQueueFull(cause):
		reason = "queue_full"
	case apperrors.IsAgentBusy(cause):
		reason = "agent_busy"
	}

	_, err := s.schedules.RecordStart(ctx, schedule.ExecutionStart{
		ExecutionID: exec.ID,
		ScheduleID:  sched.ID,
		AgentName:   sched.AgentName,
		Message:     sched.Message,
		TriggeredBy: string(v1.SourceSchedule),
	})
	if err == nil {
		err = s.schedules.RecordCompletion(ctx, exec.ID, schedule.ExecutionOutcome{
			Status: v1.ExecutionFailed,
			Error:  reason,
		})
	}
	if err != nil {
		s.logger.Error("record rejected fire failed",
			zap.String("schedule_id", sched.ID), zap.Error(err))
	}
}

// runHeap is a min-heap of schedules keyed by next run time.
type runHeap []*v1.Schedule

func buildHeap(schedules []*v1.Schedule) *runHeap {
	h := runHeap{}
	for _, sched := range schedules {
		if sched.NextRunAt != nil {
			h = append(h, sched)
		}
	}
	heap.Init(&h)
	return &h
}

func (h runHeap) Len() int           { return len(h) }
func (h runHeap) Less(i, j int) bool { return h[i].NextRunAt.Before(*h[j].NextRunAt) }
func (h runHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *runHeap) Push(x interface{}) { *h = append(*h, x.(*v1.Schedule)) }

func (h *runHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h runHeap) peek() *v1.Schedule { return h[0] }
