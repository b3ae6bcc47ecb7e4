// Package scheduler runs the engine's periodic sweeps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"edgefleet/internal/apperr"
	"edgefleet/internal/keylock"
	"edgefleet/internal/observability/metrics"
)

// Task names wired by the server.
const (
	TaskOfflineSweep    = "offline-sweep"
	TaskEscalationSweep = "escalation-sweep"
)

// DefaultCadence applies to tasks registered without one.
const DefaultCadence = time.Minute

// Func performs one run and reports how many items it affected.
type Func func(ctx context.Context) (int, error)

// Task is a named periodic job.
type Task struct {
	Name  string
	Every time.Duration
	Run   Func
}

// Scheduler owns periodic tasks. A task never overlaps with itself, whether
// triggered by its ticker or by RunNow.
type Scheduler struct {
	tasks  map[string]Task
	order  []string
	locks  *keylock.Locker
	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New validates tasks and constructs a scheduler.
func New(logger *zap.Logger, tasks ...Task) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		tasks:  make(map[string]Task, len(tasks)),
		locks:  keylock.New(),
		logger: logger,
	}
	for _, task := range tasks {
		if task.Name == "" || task.Run == nil {
			return nil, errors.New("scheduler: task requires name and run func")
		}
		if _, dup := s.tasks[task.Name]; dup {
			return nil, fmt.Errorf("scheduler: duplicate task %q", task.Name)
		}
		if task.Every <= 0 {
			task.Every = DefaultCadence
		}
		s.tasks[task.Name] = task
		s.order = append(s.order, task.Name)
	}
	return s, nil
}

// Tasks returns task names in registration order.
func (s *Scheduler) Tasks() []string {
	return append([]string(nil), s.order...)
}

// Start launches one ticker loop per task. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	for _, name := range s.order {
		task := s.tasks[name]
		s.wg.Add(1)
		go s.loop(ctx, task)
	}
	s.logger.Info("scheduler started", zap.Strings("tasks", s.order))
	return nil
}

// Stop cancels every loop and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.started = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// RunNow runs name immediately, waiting for any in-flight run of the same task.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	task, ok := s.tasks[name]
	if !ok {
		return 0, apperr.NotFound("scheduler task", name)
	}
	return s.run(ctx, task)
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	defer s.wg.Done()
	ticker := time.NewTicker(task.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.run(ctx, task); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduled task failed", zap.String("task", task.Name), zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) run(ctx context.Context, task Task) (n int, err error) {
	unlock := s.locks.Lock(task.Name)
	defer unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: task %s panicked: %v", task.Name, r)
		}
		metrics.ObserveSchedulerRun(task.Name, err, time.Since(start))
	}()
	n, err = task.Run(ctx)
	if err == nil && n > 0 {
		s.logger.Info("scheduled task run", zap.String("task", task.Name), zap.Int("affected", n))
	}
	return n, err
}
