package jobs

import (
	"context"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/progress"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CleanupReminders removes duplicate pending reminders, keeping the oldest per record,
// and lowers each record's counter by the number removed in the same transaction.
func (e *Engine) CleanupReminders(ctx context.Context, options Options) (Summary, error) {
	summary := e.newSummary(opCleanup, options)
	if err := options.validate(opCleanup); err != nil {
		return summary, err
	}
	if err := e.checkScope(ctx, opCleanup, options); err != nil {
		return summary, err
	}

	records, err := e.progress.List(ctx, progress.Scope{SurveyID: options.SurveyID, GroupID: options.GroupID}, options.Limit)
	if err != nil {
		e.logError(opCleanup, "select_failed", err)
		return summary, newJobError(opCleanup, "select_failed", err)
	}
	progressIDs := make([]uint, 0, len(records))
	for _, record := range records {
		progressIDs = append(progressIDs, record.ID)
	}
	groups, err := e.ledger.PendingReminderGroups(ctx, progressIDs)
	if err != nil {
		e.logError(opCleanup, "select_failed", err)
		return summary, newJobError(opCleanup, "select_failed", err)
	}

	ordered := make([]uint, 0, len(groups))
	for progressID := range groups {
		ordered = append(ordered, progressID)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	summary.Selected = len(ordered)

	for _, progressID := range ordered {
		group := groups[progressID]
		summary.preview(PreviewRow{
			ProgressID:    progressID,
			ParticipantID: derefUint(group[0].ParticipantID),
			QuestionID:    derefUint(group[0].QuestionID),
			MessageID:     group[0].ID,
			Action:        "keep",
			Detail:        fmt.Sprintf("delete %d pending reminders", len(group)-1),
		})
	}

	if !options.Fix || options.DryRun {
		e.logSummary(summary)
		return summary, nil
	}

	for _, progressID := range ordered {
		if err := ctx.Err(); err != nil {
			e.logSummary(summary)
			return summary, newJobError(opCleanup, "cancelled", err)
		}
		group := groups[progressID]
		deleteIDs := make([]uint, 0, len(group)-1)
		for _, record := range group[1:] {
			deleteIDs = append(deleteIDs, record.ID)
		}
		e.applyUnit(ctx, opCleanup, &summary, func(tx *gorm.DB) error {
			fresh, err := progress.Load(tx, progressID)
			if err != nil {
				return err
			}
			deleted, err := messages.DeletePending(tx, deleteIDs)
			if err != nil {
				return err
			}
			if deleted == 0 {
				return errStale
			}
			remaining := int64(fresh.NumberOfReminders) - deleted
			if remaining < 0 {
				remaining = 0
			}
			return progress.SetReminderCount(tx, progressID, uint(remaining), e.now())
		}, zap.Uint("progress_id", progressID))
	}

	e.logSummary(summary)
	return summary, nil
}
