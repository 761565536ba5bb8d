package jobs

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/progress"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DuplicateSet reports the records one participant holds for the survey.
type DuplicateSet struct {
	ParticipantID uint
	KeepID        uint
	DeleteIDs     []uint
}

// DuplicateReport extends the summary with the duplicate sets found.
type DuplicateReport struct {
	Summary
	Sets []DuplicateSet
}

// ResolveDuplicates finds participants with more than one record for options.SurveyID.
// With options.Fix it keeps the lowest id, forces it ACTIVE, and deletes the rest.
func (e *Engine) ResolveDuplicates(ctx context.Context, options Options) (DuplicateReport, error) {
	report := DuplicateReport{Summary: e.newSummary(opDedupe, options)}
	if err := options.validate(opDedupe); err != nil {
		return report, err
	}
	if _, err := e.loadSurvey(ctx, opDedupe, options.SurveyID); err != nil {
		return report, err
	}
	if err := e.checkScope(ctx, opDedupe, Options{GroupID: options.GroupID}); err != nil {
		return report, err
	}

	found, err := e.progress.Duplicates(ctx, progress.Scope{SurveyID: options.SurveyID, GroupID: options.GroupID}, options.Limit)
	if err != nil {
		e.logError(opDedupe, "select_failed", err)
		return report, newJobError(opDedupe, "select_failed", err)
	}
	report.Selected = len(found)

	for _, set := range found {
		duplicate := DuplicateSet{ParticipantID: set.ParticipantID, KeepID: set.Records[0].ID}
		for _, record := range set.Records[1:] {
			duplicate.DeleteIDs = append(duplicate.DeleteIDs, record.ID)
		}
		report.Sets = append(report.Sets, duplicate)
		report.preview(PreviewRow{
			ProgressID:    duplicate.KeepID,
			ParticipantID: duplicate.ParticipantID,
			Action:        "keep",
			Detail:        fmt.Sprintf("delete %v", duplicate.DeleteIDs),
		})
	}

	if !options.Fix || options.DryRun {
		e.logSummary(report.Summary)
		return report, nil
	}

	for _, set := range report.Sets {
		if err := ctx.Err(); err != nil {
			e.logSummary(report.Summary)
			return report, newJobError(opDedupe, "cancelled", err)
		}
		e.applyUnit(ctx, opDedupe, &report.Summary, func(tx *gorm.DB) error {
			return e.applyDuplicateFix(tx, options.SurveyID, set)
		}, zap.Uint("participant_id", set.ParticipantID))
	}

	e.logSummary(report.Summary)
	return report, nil
}

func (e *Engine) applyDuplicateFix(tx *gorm.DB, surveyID uint, set DuplicateSet) error {
	var records []progress.Record
	if err := tx.Where("survey_id = ? AND participant_id = ?", surveyID, set.ParticipantID).
		Order("id ASC").
		Find(&records).Error; err != nil {
		return fmt.Errorf("jobs: reload duplicates: %w", err)
	}
	if len(records) < 2 || records[0].ID != set.KeepID {
		return errStale
	}
	keep := progress.Reopen(records[0], e.now())
	if err := progress.Save(tx, &keep); err != nil {
		return err
	}
	deleteIDs := make([]uint, 0, len(records)-1)
	for _, record := range records[1:] {
		deleteIDs = append(deleteIDs, record.ID)
	}
	return progress.Delete(tx, deleteIDs)
}
