// Package scheduler runs the survey jobs on cron expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var errNoTasks = errors.New("scheduler: no tasks scheduled")

// Task is one named job bound to a standard five-field cron expression.
type Task struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Config describes the cron runner.
type Config struct {
	Location *time.Location
	Tasks    []Task
	Logger   *zap.Logger
}

// Runner owns the cron instance and the entries registered on it.
type Runner struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID
	logger  *zap.Logger
}

// New parses every task spec and registers it. Tasks with an empty spec are disabled and
// left out. A task still running when its next tick fires is skipped for that tick.
func New(ctx context.Context, cfg Config) (*Runner, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	cronLog := cronLogger{logger: logger.Sugar()}
	instance := cron.New(
		cron.WithLocation(location),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	runner := &Runner{cron: instance, entries: make(map[string]cron.EntryID), logger: logger}
	for _, task := range cfg.Tasks {
		spec := strings.TrimSpace(task.Spec)
		if spec == "" {
			logger.Info("scheduler task disabled", zap.String("task", task.Name))
			continue
		}
		if _, exists := runner.entries[task.Name]; exists {
			return nil, fmt.Errorf("scheduler: duplicate task %q", task.Name)
		}
		if task.Run == nil {
			return nil, fmt.Errorf("scheduler: task %q has no run function", task.Name)
		}
		entryID, err := instance.AddJob(spec, runner.wrap(ctx, task))
		if err != nil {
			return nil, fmt.Errorf("scheduler: task %q spec %q: %w", task.Name, spec, err)
		}
		runner.entries[task.Name] = entryID
	}
	if len(runner.entries) == 0 {
		return nil, errNoTasks
	}
	return runner, nil
}

func (r *Runner) wrap(ctx context.Context, task Task) cron.Job {
	return cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		if err := task.Run(ctx); err != nil {
			r.logger.Error("scheduler task failed",
				zap.String("task", task.Name),
				zap.Duration("elapsed", time.Since(started)),
				zap.Error(err))
			return
		}
		r.logger.Debug("scheduler task finished",
			zap.String("task", task.Name),
			zap.Duration("elapsed", time.Since(started)))
	})
}

// Tasks lists the registered task names with their next activation time.
func (r *Runner) Tasks() map[string]time.Time {
	next := make(map[string]time.Time, len(r.entries))
	for name, entryID := range r.entries {
		next[name] = r.cron.Entry(entryID).Next
	}
	return next
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits for running
// tasks to return.
func (r *Runner) Run(ctx context.Context) error {
	r.cron.Start()
	r.logger.Info("scheduler started", zap.Int("tasks", len(r.entries)))
	<-ctx.Done()
	stopped := r.cron.Stop()
	<-stopped.Done()
	r.logger.Info("scheduler stopped")
	return nil
}

type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
