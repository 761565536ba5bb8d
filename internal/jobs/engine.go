package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/catalog"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/credits"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/members"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/progress"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultBatchCeiling caps reminder and initialization batches per run.
	DefaultBatchCeiling = 500
	// DefaultRetryCeiling caps the participants a retry run may recycle.
	DefaultRetryCeiling = 500
)

var noOpLogger = zap.NewNop()

// EngineConfig wires the collaborators of the scheduler jobs.
type EngineConfig struct {
	Database  *gorm.DB
	Ledger    *messages.Ledger
	Credits   *credits.Account
	Catalog   *catalog.Catalog
	Members   *members.Directory
	Progress  *progress.Store
	Resolver  NextQuestionResolver
	Formatter QuestionFormatter
	Flags     FeatureFlags

	ReminderPolicy progress.ReminderPolicy
	BatchCeiling   int
	RetryCeiling   int
	// CreditPrecheck aborts sending jobs whose estimated cost exceeds the balance.
	CreditPrecheck bool

	Clock      func() time.Time
	IDProvider RunIDProvider
	Logger     *zap.Logger
}

// Engine runs the scheduler jobs. Each job method is safe to call repeatedly and
// concurrently with the others; every per-record mutation re-checks its predicate inside
// its own transaction.
type Engine struct {
	db        *gorm.DB
	ledger    *messages.Ledger
	credits   *credits.Account
	catalog   *catalog.Catalog
	members   *members.Directory
	progress  *progress.Store
	resolver  NextQuestionResolver
	formatter QuestionFormatter
	flags     FeatureFlags

	policy         progress.ReminderPolicy
	batchCeiling   int
	retryCeiling   int
	creditPrecheck bool

	clock      func() time.Time
	idProvider RunIDProvider
	logger     *zap.Logger
}

// NewEngine validates the configuration and applies defaults.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	switch {
	case cfg.Database == nil:
		return nil, newJobError(opEngineNew, "missing_database", errMissingDatabase)
	case cfg.Ledger == nil:
		return nil, newJobError(opEngineNew, "missing_ledger", errMissingLedger)
	case cfg.Credits == nil:
		return nil, newJobError(opEngineNew, "missing_credits", errMissingCredits)
	case cfg.Catalog == nil:
		return nil, newJobError(opEngineNew, "missing_catalog", errMissingCatalog)
	case cfg.Members == nil:
		return nil, newJobError(opEngineNew, "missing_members", errMissingMembers)
	case cfg.Progress == nil:
		return nil, newJobError(opEngineNew, "missing_progress", errMissingProgress)
	}

	engine := &Engine{
		db:             cfg.Database,
		ledger:         cfg.Ledger,
		credits:        cfg.Credits,
		catalog:        cfg.Catalog,
		members:        cfg.Members,
		progress:       cfg.Progress,
		resolver:       cfg.Resolver,
		formatter:      cfg.Formatter,
		flags:          cfg.Flags,
		policy:         cfg.ReminderPolicy,
		batchCeiling:   cfg.BatchCeiling,
		retryCeiling:   cfg.RetryCeiling,
		creditPrecheck: cfg.CreditPrecheck,
		clock:          cfg.Clock,
		idProvider:     cfg.IDProvider,
		logger:         cfg.Logger,
	}
	if engine.resolver == nil {
		engine.resolver = cfg.Catalog
	}
	if engine.formatter == nil {
		engine.formatter = catalog.PlainFormatter{}
	}
	if engine.flags == nil {
		engine.flags = StaticFlags{Messages: true}
	}
	if engine.policy.GracePeriod <= 0 || engine.policy.MaxReminders == 0 {
		defaults := progress.DefaultReminderPolicy()
		if engine.policy.GracePeriod <= 0 {
			engine.policy.GracePeriod = defaults.GracePeriod
		}
		if engine.policy.MaxReminders == 0 {
			engine.policy.MaxReminders = defaults.MaxReminders
		}
	}
	if engine.batchCeiling <= 0 {
		engine.batchCeiling = DefaultBatchCeiling
	}
	if engine.retryCeiling <= 0 || engine.retryCeiling > DefaultRetryCeiling {
		engine.retryCeiling = DefaultRetryCeiling
	}
	if engine.clock == nil {
		engine.clock = time.Now
	}
	if engine.idProvider == nil {
		engine.idProvider = NewUUIDProvider()
	}
	if engine.logger == nil {
		engine.logger = noOpLogger
	}
	return engine, nil
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

func (e *Engine) newSummary(job string, options Options) Summary {
	runID, err := e.idProvider.NewID()
	if err != nil {
		e.logError(job, "run_id_failed", err)
	}
	return Summary{Job: job, RunID: runID, DryRun: options.DryRun, Fix: options.Fix}
}

// requireMessaging fails fast when the kill switch is off.
func (e *Engine) requireMessaging(operation string) error {
	if !e.flags.MessagesEnabled() {
		return newJobError(operation, "messages_disabled", ErrMessagesDisabled)
	}
	return nil
}

func (e *Engine) loadSurvey(ctx context.Context, operation string, surveyID uint) (catalog.Survey, error) {
	if surveyID == 0 {
		return catalog.Survey{}, newJobError(operation, "missing_survey", ErrSurveyRequired)
	}
	survey, err := e.catalog.Survey(ctx, surveyID)
	if errors.Is(err, catalog.ErrSurveyNotFound) {
		return catalog.Survey{}, newJobError(operation, "survey_not_found", errors.Join(ErrSurveyNotFound, err))
	}
	if err != nil {
		e.logError(operation, "survey_lookup_failed", err, zap.Uint("survey_id", surveyID))
		return catalog.Survey{}, newJobError(operation, "survey_lookup_failed", err)
	}
	return survey, nil
}

// checkScope verifies that the optional survey and group filters name existing rows.
func (e *Engine) checkScope(ctx context.Context, operation string, options Options) error {
	if options.SurveyID != 0 {
		if _, err := e.loadSurvey(ctx, operation, options.SurveyID); err != nil {
			return err
		}
	}
	if options.GroupID != 0 {
		_, err := e.members.Group(ctx, options.GroupID)
		if errors.Is(err, members.ErrGroupNotFound) {
			return newJobError(operation, "group_not_found", errors.Join(ErrGroupNotFound, err))
		}
		if err != nil {
			e.logError(operation, "group_lookup_failed", err, zap.Uint("group_id", options.GroupID))
			return newJobError(operation, "group_lookup_failed", err)
		}
	}
	return nil
}

// precheckCredits aborts a run whose estimated cost exceeds the balance.
func (e *Engine) precheckCredits(ctx context.Context, operation string, estimate int64) error {
	if !e.creditPrecheck || estimate <= 0 {
		return nil
	}
	if err := e.credits.EnsureAvailable(ctx, estimate); err != nil {
		if errors.Is(err, credits.ErrInsufficientCredits) {
			return newJobError(operation, "insufficient_credits", err)
		}
		e.logError(operation, "credit_check_failed", err)
		return newJobError(operation, "credit_check_failed", err)
	}
	return nil
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("scheduler job error", attrs...)
}

func (e *Engine) logSummary(summary Summary) {
	e.logger.Info("scheduler job finished",
		zap.String("job", summary.Job),
		zap.String("run_id", summary.RunID),
		zap.Bool("dry_run", summary.DryRun),
		zap.Bool("fix", summary.Fix),
		zap.Int("selected", summary.Selected),
		zap.Int("processed", summary.Processed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed))
}

func uintPtr(value uint) *uint {
	return &value
}

func derefUint(value *uint) uint {
	if value == nil {
		return 0
	}
	return *value
}

// errStale rolls back a unit of work whose record no longer matches the selection.
var errStale = errors.New("jobs: record changed since selection")

// applyUnit runs fn in its own transaction and folds the outcome into summary.
func (e *Engine) applyUnit(ctx context.Context, operation string, summary *Summary, fn func(tx *gorm.DB) error, fields ...zap.Field) bool {
	err := e.db.WithContext(ctx).Transaction(fn)
	switch {
	case err == nil:
		summary.Processed++
		return true
	case errors.Is(err, errStale):
		summary.Skipped++
	default:
		summary.Failed++
		e.logError(operation, "record_failed", err, fields...)
	}
	return false
}
