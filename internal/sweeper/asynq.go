package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	// TaskTypeSweep is the asynq task that runs one sweep pass.
	TaskTypeSweep = "presence:sweep"

	sweepQueue = "presence"
)

// NewSweepTask builds the sweep task. It carries no payload.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskTypeSweep, nil)
}

// TaskHandler runs sweeps delivered by the asynq worker.
type TaskHandler struct {
	sweeper *Sweeper
	logger  *zap.Logger
}

// NewTaskHandler wraps a sweeper as an asynq handler.
func NewTaskHandler(sweeper *Sweeper, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{sweeper: sweeper, logger: logger}
}

// ProcessTask implements asynq.Handler. An overlapping local sweep is not retried.
func (h *TaskHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	summary, err := h.sweeper.TrySweep(ctx)
	if errors.Is(err, ErrSweepInProgress) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	h.logger.Debug("sweep task processed",
		zap.String("task_type", task.Type()),
		zap.Int("users_disconnected", summary.UsersDisconnected))
	return nil
}

// Scheduled bundles the asynq scheduler that enqueues sweeps and the worker that runs them.
type Scheduled struct {
	scheduler *asynq.Scheduler
	server    *asynq.Server
	mux       *asynq.ServeMux
	logger    *zap.Logger
}

// NewScheduled wires a distributed sweep schedule. Every API replica may run one; the
// unique option keeps a single sweep task per interval in the queue.
func NewScheduled(redisURL string, interval time.Duration, sweeper *Sweeper, logger *zap.Logger) (*Scheduled, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("sweeper: parse redis url: %w", err)
	}

	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Location: time.UTC})
	schedule := fmt.Sprintf("@every %s", interval)
	entryID, err := scheduler.Register(schedule, NewSweepTask(),
		asynq.Queue(sweepQueue),
		asynq.Unique(interval),
		asynq.MaxRetry(0),
		asynq.Timeout(interval))
	if err != nil {
		return nil, fmt.Errorf("sweeper: register schedule: %w", err)
	}
	logger.Info("sweep schedule registered", zap.String("schedule", schedule), zap.String("entry_id", entryID))

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{sweepQueue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("sweep task failed", zap.String("task_type", task.Type()), zap.Error(err))
		}),
	})
	mux := asynq.NewServeMux()
	mux.Handle(TaskTypeSweep, NewTaskHandler(sweeper, logger))

	return &Scheduled{scheduler: scheduler, server: server, mux: mux, logger: logger}, nil
}

// Start launches the scheduler and the worker without blocking.
func (s *Scheduled) Start() error {
	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("sweeper: start worker: %w", err)
	}
	if err := s.scheduler.Start(); err != nil {
		s.server.Shutdown()
		return fmt.Errorf("sweeper: start scheduler: %w", err)
	}
	return nil
}

// Shutdown stops the scheduler first so no new sweeps are enqueued, then drains the worker.
func (s *Scheduled) Shutdown() {
	s.scheduler.Shutdown()
	s.server.Shutdown()
	s.logger.Info("sweep scheduler stopped")
}
