package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/progress"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DriftKind classifies a mismatch between the stored reminder counter and the ledger.
type DriftKind string

const (
	DriftUnderCounted DriftKind = "under_counted"
	DriftMissed       DriftKind = "missed"
	DriftOverCounted  DriftKind = "over_counted"
)

// CounterDrift is one progress record whose counter disagrees with its sent reminders.
type CounterDrift struct {
	ProgressID    uint
	ParticipantID uint
	Stored        uint
	Actual        int64
	// Pending reminders are in flight; the counter already includes them.
	Pending int64
	Kind    DriftKind
}

// DuplicateCluster is a set of sent reminders for the same question inside one grace window.
type DuplicateCluster struct {
	ProgressID uint
	QuestionID uint
	MessageIDs []uint
}

// ReconcileReport extends the summary with the drift findings.
type ReconcileReport struct {
	Summary
	Drifts   []CounterDrift
	Clusters []DuplicateCluster
}

// UnderCounted lists every drift whose stored counter is below the ledger count,
// including missed increments.
func (r ReconcileReport) UnderCounted() []CounterDrift {
	var drifts []CounterDrift
	for _, drift := range r.Drifts {
		if drift.Kind == DriftUnderCounted || drift.Kind == DriftMissed {
			drifts = append(drifts, drift)
		}
	}
	return drifts
}

// Missed lists drifts whose counter was never incremented.
func (r ReconcileReport) Missed() []CounterDrift {
	var drifts []CounterDrift
	for _, drift := range r.Drifts {
		if drift.Kind == DriftMissed {
			drifts = append(drifts, drift)
		}
	}
	return drifts
}

// Reconcile compares stored reminder counters with the sent reminders in the ledger and,
// with options.Fix, overwrites drifted counters. Messages are never deleted.
func (e *Engine) Reconcile(ctx context.Context, options Options) (ReconcileReport, error) {
	report := ReconcileReport{Summary: e.newSummary(opReconcile, options)}
	if err := options.validate(opReconcile); err != nil {
		return report, err
	}
	if err := e.checkScope(ctx, opReconcile, options); err != nil {
		return report, err
	}

	records, err := e.progress.List(ctx, progress.Scope{SurveyID: options.SurveyID, GroupID: options.GroupID}, options.Limit)
	if err != nil {
		e.logError(opReconcile, "select_failed", err)
		return report, newJobError(opReconcile, "select_failed", err)
	}
	report.Selected = len(records)

	progressIDs := make([]uint, 0, len(records))
	for _, record := range records {
		progressIDs = append(progressIDs, record.ID)
	}
	sent, err := e.ledger.ReminderCounts(ctx, progressIDs, messages.StatusSent)
	if err != nil {
		e.logError(opReconcile, "count_failed", err)
		return report, newJobError(opReconcile, "count_failed", err)
	}
	pending, err := e.ledger.ReminderCounts(ctx, progressIDs, messages.StatusPending)
	if err != nil {
		e.logError(opReconcile, "count_failed", err)
		return report, newJobError(opReconcile, "count_failed", err)
	}

	for _, record := range records {
		drift, ok := classifyDrift(record, sent[record.ID], pending[record.ID])
		if !ok {
			continue
		}
		report.Drifts = append(report.Drifts, drift)
		report.preview(PreviewRow{
			ProgressID:    drift.ProgressID,
			ParticipantID: drift.ParticipantID,
			Action:        string(drift.Kind),
			Detail:        fmt.Sprintf("stored=%d actual=%d pending=%d", drift.Stored, drift.Actual, drift.Pending),
		})
	}

	reminders, err := e.ledger.SentReminders(ctx, progressIDs)
	if err != nil {
		e.logError(opReconcile, "reminders_failed", err)
		return report, newJobError(opReconcile, "reminders_failed", err)
	}
	report.Clusters = clusterReminders(reminders, e.policy.GracePeriod)
	for _, cluster := range report.Clusters {
		report.preview(PreviewRow{
			ProgressID: cluster.ProgressID,
			QuestionID: cluster.QuestionID,
			MessageID:  cluster.MessageIDs[0],
			Action:     "duplicate_cluster",
			Detail:     fmt.Sprintf("%d reminders within %s", len(cluster.MessageIDs), e.policy.GracePeriod),
		})
	}

	if !options.Fix || options.DryRun {
		e.logSummary(report.Summary)
		return report, nil
	}

	for _, drift := range report.Drifts {
		if err := ctx.Err(); err != nil {
			e.logSummary(report.Summary)
			return report, newJobError(opReconcile, "cancelled", err)
		}
		if drift.Pending > 0 {
			report.Skipped++
			continue
		}
		e.applyUnit(ctx, opReconcile, &report.Summary, func(tx *gorm.DB) error {
			return e.applyCounterFix(tx, drift.ProgressID)
		}, zap.Uint("progress_id", drift.ProgressID))
	}

	e.logSummary(report.Summary)
	return report, nil
}

func classifyDrift(record progress.Record, actual, pending int64) (CounterDrift, bool) {
	stored := int64(record.NumberOfReminders)
	drift := CounterDrift{
		ProgressID:    record.ID,
		ParticipantID: record.ParticipantID,
		Stored:        record.NumberOfReminders,
		Actual:        actual,
		Pending:       pending,
	}
	switch {
	case stored == actual:
		return drift, false
	case stored == 0:
		drift.Kind = DriftMissed
	case stored < actual:
		drift.Kind = DriftUnderCounted
	default:
		drift.Kind = DriftOverCounted
	}
	return drift, true
}

func (e *Engine) applyCounterFix(tx *gorm.DB, progressID uint) error {
	fresh, err := progress.Load(tx, progressID)
	if err != nil {
		return err
	}
	ids := []uint{progressID}
	pending, err := messages.ReminderCounts(tx, ids, messages.StatusPending)
	if err != nil {
		return err
	}
	if pending[progressID] > 0 {
		return errStale
	}
	sent, err := messages.ReminderCounts(tx, ids, messages.StatusSent)
	if err != nil {
		return err
	}
	actual := sent[progressID]
	if int64(fresh.NumberOfReminders) == actual {
		return errStale
	}
	return progress.SetReminderCount(tx, progressID, uint(actual), e.now())
}

// clusterReminders groups sent reminders of the same record and question whose creation
// times fall inside one window. Input must be ordered by progress and creation time.
func clusterReminders(reminders []messages.Record, window time.Duration) []DuplicateCluster {
	var clusters []DuplicateCluster
	var current *DuplicateCluster
	var windowStart int64
	windowSeconds := int64(window / time.Second)

	flush := func() {
		if current != nil && len(current.MessageIDs) > 1 {
			clusters = append(clusters, *current)
		}
		current = nil
	}
	for _, reminder := range reminders {
		progressID := derefUint(reminder.ProgressID)
		questionID := derefUint(reminder.QuestionID)
		if current != nil && current.ProgressID == progressID && current.QuestionID == questionID &&
			reminder.CreatedAtSeconds-windowStart < windowSeconds {
			current.MessageIDs = append(current.MessageIDs, reminder.ID)
			continue
		}
		flush()
		current = &DuplicateCluster{ProgressID: progressID, QuestionID: questionID, MessageIDs: []uint{reminder.ID}}
		windowStart = reminder.CreatedAtSeconds
	}
	flush()
	return clusters
}
