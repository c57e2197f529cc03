// Package scheduler runs the periodic tasks of the correspondence service,
// such as the repair scans and the attachment expiry sweep.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/metrics"
)

// Task is a unit of periodic work.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs each registered task on its own ticker.
type Scheduler struct {
	mu       sync.RWMutex
	tasks    map[string]*taskTimer
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	logger   *logging.Logger

	metrics *Metrics
}

type taskTimer struct {
	task     Task
	ticker   *time.Ticker
	stopChan chan struct{}
	// running guards against a slow run overlapping the next tick.
	running sync.Mutex
}

// Metrics tracks task execution stats.
type Metrics struct {
	mu        sync.RWMutex
	Runs      map[string]int64
	Errors    map[string]int64
	LastRun   map[string]time.Time
	LastError map[string]string
}

// NewScheduler creates a scheduler for tasks. Tasks with a non-positive
// interval are ignored.
func NewScheduler(logger *logging.Logger, tasks ...Task) *Scheduler {
	s := &Scheduler{
		tasks:  make(map[string]*taskTimer),
		logger: logger.WithComponent("timers"),
		metrics: &Metrics{
			Runs:      make(map[string]int64),
			Errors:    make(map[string]int64),
			LastRun:   make(map[string]time.Time),
			LastError: make(map[string]string),
		},
	}
	for _, t := range tasks {
		if t.Interval <= 0 {
			s.logger.Info("periodic task disabled", "task", t.Name)
			continue
		}
		s.tasks[t.Name] = &taskTimer{task: t}
	}
	return s
}

// Start launches one goroutine per task.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})

	for _, timer := range s.tasks {
		timer.ticker = time.NewTicker(timer.task.Interval)
		timer.stopChan = make(chan struct{})
		s.logger.Info("scheduled periodic task", "task", timer.task.Name, "interval", timer.task.Interval.String())

		s.wg.Add(1)
		go s.runTask(ctx, timer)
	}
	return nil
}

// Stop stops all tickers and waits for in-flight runs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not running")
	}
	s.running = false
	close(s.stopChan)
	for _, timer := range s.tasks {
		timer.stop()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("timers stopped")
	return nil
}

func (s *Scheduler) runTask(ctx context.Context, timer *taskTimer) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-timer.stopChan:
			return
		case <-timer.ticker.C:
			s.execute(ctx, timer)
		}
	}
}

// RunNow executes the named task immediately and returns its error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	timer, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	return s.execute(ctx, timer)
}

func (s *Scheduler) execute(ctx context.Context, timer *taskTimer) error {
	if !timer.running.TryLock() {
		s.logger.DebugContext(ctx, "task still running, skipping tick", "task", timer.task.Name)
		return nil
	}
	defer timer.running.Unlock()

	name := timer.task.Name
	start := time.Now()
	err := timer.task.Run(ctx)

	s.metrics.mu.Lock()
	s.metrics.Runs[name]++
	s.metrics.LastRun[name] = start
	if err != nil {
		s.metrics.Errors[name]++
		s.metrics.LastError[name] = err.Error()
	}
	s.metrics.mu.Unlock()

	if err != nil {
		metrics.TaskRuns.WithLabelValues(name, "error").Inc()
		s.logger.ErrorContext(ctx, "periodic task failed", "task", name, logging.Error(err))
		return err
	}
	metrics.TaskRuns.WithLabelValues(name, "ok").Inc()
	s.logger.DebugContext(ctx, "periodic task finished", "task", name, "duration", time.Since(start).String())
	return nil
}

func (t *taskTimer) stop() {
	t.ticker.Stop()
	close(t.stopChan)
}

// GetMetrics returns a snapshot of task metrics.
func (s *Scheduler) GetMetrics() map[string]interface{} {
	s.metrics.mu.RLock()
	defer s.metrics.mu.RUnlock()

	tasks := make(map[string]interface{}, len(s.metrics.Runs))
	for name, runs := range s.metrics.Runs {
		entry := map[string]interface{}{
			"runs":     runs,
			"errors":   s.metrics.Errors[name],
			"last_run": s.metrics.LastRun[name].Format(time.RFC3339),
		}
		if msg := s.metrics.LastError[name]; msg != "" {
			entry["last_error"] = msg
		}
		tasks[name] = entry
	}
	return map[string]interface{}{
		"tasks":      tasks,
		"task_count": len(s.tasks),
		"running":    s.isRunning(),
	}
}

func (s *Scheduler) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
