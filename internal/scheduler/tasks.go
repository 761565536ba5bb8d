package scheduler

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/dispatch"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/jobs"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"go.uber.org/zap"
)

// Task names.
const (
	TaskInitialize   = "initialize"
	TaskAdvance      = "advance"
	TaskRemind       = "remind"
	TaskDispatch     = "dispatch"
	TaskPollDelivery = "poll-delivery"
	TaskRetryFailed  = "retry-failed"
	TaskReconcile    = "reconcile"
)

// JobEngine is the subset of the job engine the scheduler drives.
type JobEngine interface {
	Initialize(ctx context.Context, options jobs.Options) (jobs.Summary, error)
	Advance(ctx context.Context, options jobs.Options) (jobs.Summary, error)
	Remind(ctx context.Context, options jobs.Options) (jobs.Summary, error)
	RetryFailed(ctx context.Context, options jobs.Options) (jobs.Summary, error)
	Reconcile(ctx context.Context, options jobs.Options) (jobs.ReconcileReport, error)
}

type MessageDispatcher interface {
	Run(ctx context.Context, batches int) (dispatch.Report, error)
}

type ReceiptPoller interface {
	Poll(ctx context.Context, limit int, window time.Duration) (dispatch.PollReport, error)
}

// Schedule holds one cron expression per job; an empty expression disables the job.
// Initialize additionally needs InitializeSurvey.
type Schedule struct {
	Initialize       string
	InitializeSurvey uint
	Advance          string
	Remind           string
	Dispatch         string
	DispatchBatches  int
	PollDelivery     string
	PollLimit        int
	PollWindow       time.Duration
	RetryFailed      string
	Reconcile        string
}

// BuildTasks binds the schedule to the engine, dispatcher and poller. Rows created by
// scheduled runs are tagged with the scheduler provenance. Reconcile runs report-only.
func BuildTasks(schedule Schedule, engine JobEngine, dispatcher MessageDispatcher, poller ReceiptPoller, logger *zap.Logger) []Task {
	if logger == nil {
		logger = zap.NewNop()
	}
	options := jobs.Options{Actor: messages.ProvenanceScheduler}

	var tasks []Task
	if schedule.InitializeSurvey != 0 {
		initializeOptions := options
		initializeOptions.SurveyID = schedule.InitializeSurvey
		tasks = append(tasks, Task{Name: TaskInitialize, Spec: schedule.Initialize, Run: func(ctx context.Context) error {
			_, err := engine.Initialize(ctx, initializeOptions)
			return err
		}})
	}
	tasks = append(tasks,
		Task{Name: TaskAdvance, Spec: schedule.Advance, Run: func(ctx context.Context) error {
			_, err := engine.Advance(ctx, options)
			return err
		}},
		Task{Name: TaskRemind, Spec: schedule.Remind, Run: func(ctx context.Context) error {
			_, err := engine.Remind(ctx, options)
			return err
		}},
		Task{Name: TaskRetryFailed, Spec: schedule.RetryFailed, Run: func(ctx context.Context) error {
			_, err := engine.RetryFailed(ctx, options)
			return err
		}},
		Task{Name: TaskReconcile, Spec: schedule.Reconcile, Run: func(ctx context.Context) error {
			report, err := engine.Reconcile(ctx, jobs.Options{})
			if err != nil {
				return err
			}
			if len(report.Drifts) > 0 || len(report.Clusters) > 0 {
				logger.Warn("reminder counters drifted",
					zap.Int("drifts", len(report.Drifts)),
					zap.Int("duplicate_clusters", len(report.Clusters)))
			}
			return nil
		}},
	)
	if dispatcher != nil {
		tasks = append(tasks, Task{Name: TaskDispatch, Spec: schedule.Dispatch, Run: func(ctx context.Context) error {
			report, err := dispatcher.Run(ctx, schedule.DispatchBatches)
			if err != nil {
				return err
			}
			logger.Info("dispatch finished",
				zap.Int("batches", report.Batches),
				zap.Int("sent", report.Sent),
				zap.Int("retrying", report.Retrying),
				zap.Int("failed", report.Failed))
			return nil
		}})
	}
	if poller != nil {
		tasks = append(tasks, Task{Name: TaskPollDelivery, Spec: schedule.PollDelivery, Run: func(ctx context.Context) error {
			_, err := poller.Poll(ctx, schedule.PollLimit, schedule.PollWindow)
			return err
		}})
	}
	return tasks
}
